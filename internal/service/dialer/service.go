package dialer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/admission"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/pool"
	"github.com/acme/outbound-dialer/internal/retry"
	"github.com/acme/outbound-dialer/internal/state"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Service is the operational facade over the scheduling core: lead intake
// and per-target control operations used by the HTTP API.
type Service struct {
	scheduler *retry.Scheduler
	guard     *admission.Guard
	selector  *pool.Selector
	history   state.AttemptHistory
	log       *logger.Logger
}

// NewService constructs the service.
func NewService(scheduler *retry.Scheduler, guard *admission.Guard, selector *pool.Selector, history state.AttemptHistory, log *logger.Logger) *Service {
	if history == nil {
		history = state.NopHistory{}
	}
	return &Service{
		scheduler: scheduler,
		guard:     guard,
		selector:  selector,
		history:   history,
		log:       log.Named("dialer_service"),
	}
}

// RegisterTargetInput is a lead handed over for dialing.
type RegisterTargetInput struct {
	PhoneNumber string
	LeadID      uuid.UUID
	Name        string
	Locale      string
	TimeZone    string
}

// TargetView combines a target's retry state with its current-day admission
// record.
type TargetView struct {
	State     domain.RetryState
	Admission domain.AdmissionRecord
}

// RegisterTarget normalizes the lead's number and registers (or refreshes)
// its retry state machine. Leads sharing a number collapse onto one target.
func (s *Service) RegisterTarget(ctx context.Context, input RegisterTargetInput) (domain.RetryState, error) {
	key, err := domain.NormalizeNumber(input.PhoneNumber)
	if err != nil {
		return domain.RetryState{}, fmt.Errorf("register target: %w: %w", apperrors.ErrValidation, err)
	}

	leadID := input.LeadID
	if leadID == uuid.Nil {
		leadID = uuid.New()
	}

	target := domain.Target{
		Key:      key,
		LeadID:   leadID,
		Name:     input.Name,
		Locale:   input.Locale,
		TimeZone: input.TimeZone,
	}
	state := s.scheduler.Register(target)
	s.log.Info("target registered",
		zap.String("target_key", key),
		zap.String("lead_id", leadID.String()),
		zap.Int("attempts", state.Attempts))
	return state, nil
}

// Target returns the combined view for a raw phone number.
func (s *Service) Target(ctx context.Context, rawNumber string) (TargetView, error) {
	state, err := s.lookup(rawNumber)
	if err != nil {
		return TargetView{}, err
	}
	return TargetView{
		State:     state,
		Admission: s.guard.Record(state.Target),
	}, nil
}

// Pause suspends scheduling for the target.
func (s *Service) Pause(ctx context.Context, rawNumber string) error {
	state, err := s.lookup(rawNumber)
	if err != nil {
		return err
	}
	return s.scheduler.Pause(state.Target.Key)
}

// Resume lifts a pause; the target becomes eligible again per its schedule.
func (s *Service) Resume(ctx context.Context, rawNumber string) error {
	state, err := s.lookup(rawNumber)
	if err != nil {
		return err
	}
	return s.scheduler.Resume(state.Target.Key)
}

// Block sets the manual admission block for the target's current day.
func (s *Service) Block(ctx context.Context, rawNumber, reason string) error {
	state, err := s.lookup(rawNumber)
	if err != nil {
		return err
	}
	s.guard.Block(state.Target, reason)
	return nil
}

// Unblock clears the manual admission block.
func (s *Service) Unblock(ctx context.Context, rawNumber string) error {
	state, err := s.lookup(rawNumber)
	if err != nil {
		return err
	}
	s.guard.Unblock(state.Target)
	return nil
}

// PoolStats exposes per-resource health for the ops API.
func (s *Service) PoolStats(ctx context.Context) []domain.ResourceRecord {
	return s.selector.Stats()
}

// Attempts returns the target's attempt log for the day containing at.
// Deployments without a readable history backend get ErrUnavailable.
func (s *Service) Attempts(ctx context.Context, rawNumber string, at time.Time) ([]domain.AttemptRecord, error) {
	st, err := s.lookup(rawNumber)
	if err != nil {
		return nil, err
	}
	lister, ok := s.history.(state.AttemptLister)
	if !ok {
		return nil, fmt.Errorf("attempt history not configured: %w", apperrors.ErrUnavailable)
	}
	records, err := lister.ListByTargetDay(ctx, st.Target.Key, at)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", st.Target.Key, err)
	}
	return records, nil
}

// CheckDial reports whether the target could be dialed right now: nil when
// admissible, otherwise a sentinel naming what stands in the way. The check
// is read-only and does not consume the admission dedup window.
func (s *Service) CheckDial(ctx context.Context, rawNumber string) error {
	st, err := s.lookup(rawNumber)
	if err != nil {
		return err
	}

	switch st.Status {
	case domain.RetryStatusExhausted:
		return fmt.Errorf("target %s: %w", st.Target.Key, apperrors.ErrExhausted)
	case domain.RetryStatusCompleted:
		return fmt.Errorf("target %s already completed: %w", st.Target.Key, apperrors.ErrConflict)
	case domain.RetryStatusPaused:
		return fmt.Errorf("target %s is paused: %w", st.Target.Key, apperrors.ErrConflict)
	}

	switch d := s.guard.Inspect(st.Target); d.Verdict {
	case admission.VerdictBlock:
		return fmt.Errorf("%s: %w", d.Reason, apperrors.ErrBlocked)
	case admission.VerdictQueue:
		return fmt.Errorf("%s: %w", d.Reason, apperrors.ErrQueued)
	}
	return nil
}

func (s *Service) lookup(rawNumber string) (domain.RetryState, error) {
	key, err := domain.NormalizeNumber(rawNumber)
	if err != nil {
		return domain.RetryState{}, fmt.Errorf("target lookup: %w: %w", apperrors.ErrValidation, err)
	}
	state, ok := s.scheduler.Get(key)
	if !ok {
		return domain.RetryState{}, fmt.Errorf("target %s: %w", key, apperrors.ErrNotFound)
	}
	return state, nil
}
