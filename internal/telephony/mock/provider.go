package mock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Publisher delivers simulated outcomes back to the scheduling core.
type Publisher interface {
	Publish(ctx context.Context, evt domain.OutcomeEvent) error
}

// Provider simulates outbound call behaviour. Start returns immediately; the
// simulated result is published asynchronously after the fake call runs its
// course.
type Provider struct {
	publisher Publisher
	log       *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// MaxCallDuration bounds the simulated call length.
	MaxCallDuration time.Duration
}

// NewProvider constructs a mock provider with deterministic randomness.
func NewProvider(publisher Publisher, log *logger.Logger) *Provider {
	return &Provider{
		publisher:       publisher,
		log:             log.Named("mock_telephony"),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		MaxCallDuration: 5 * time.Second,
	}
}

// Start begins a simulated attempt.
func (p *Provider) Start(ctx context.Context, target domain.Target, resource domain.Resource) (uuid.UUID, error) {
	attemptID := uuid.New()

	p.mu.Lock()
	duration := time.Duration(1+p.rng.Int63n(int64(p.MaxCallDuration)/int64(time.Second))) * time.Second
	outcome := p.pickOutcome()
	p.mu.Unlock()

	go p.complete(attemptID, target, resource, outcome, duration)

	return attemptID, nil
}

func (p *Provider) complete(attemptID uuid.UUID, target domain.Target, resource domain.Resource, outcome domain.Outcome, duration time.Duration) {
	time.Sleep(duration)

	evt := domain.OutcomeEvent{
		AttemptID:  attemptID,
		TargetKey:  target.Key,
		ResourceID: resource.ID,
		Outcome:    outcome,
		Duration:   duration,
		OccurredAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.publisher.Publish(ctx, evt); err != nil {
		p.log.Error("publish simulated outcome",
			zap.String("target_key", target.Key),
			zap.Error(err))
	}
}

// pickOutcome draws from a distribution that roughly matches real campaigns:
// most calls go unanswered.
func (p *Provider) pickOutcome() domain.Outcome {
	roll := p.rng.Float64()
	switch {
	case roll < 0.15:
		return domain.OutcomeAnswered
	case roll < 0.20:
		return domain.OutcomeTransferred
	case roll < 0.23:
		return domain.OutcomeCallback
	case roll < 0.45:
		return domain.OutcomeVoicemail
	case roll < 0.80:
		return domain.OutcomeNoAnswer
	case roll < 0.92:
		return domain.OutcomeBusy
	case roll < 0.98:
		return domain.OutcomeFailed
	default:
		return domain.OutcomeInvalidNumber
	}
}
