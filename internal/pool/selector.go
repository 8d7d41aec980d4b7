package pool

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Config holds the selection and cooldown knobs for the resource pool.
type Config struct {
	Resources       []domain.Resource
	MinSample       int
	NeutralWeight   float64
	WeightFloor     float64
	BalanceBonus    float64
	StreakThreshold int
	CooldownBase    time.Duration
	WindowAge       time.Duration
}

// Selector chooses which pool resource carries each attempt, tracking
// per-resource health, cooldown and target affinity.
type Selector struct {
	mu       sync.Mutex
	cfg      Config
	records  map[string]*domain.ResourceRecord
	order    []string
	affinity map[string]*domain.AffinityRecord
	rng      *rand.Rand
	log      *logger.Logger
	now      func() time.Time
}

// NewSelector constructs a selector over the configured pool. An empty pool
// is a fatal configuration error.
func NewSelector(cfg Config, log *logger.Logger) (*Selector, error) {
	if len(cfg.Resources) == 0 {
		return nil, fmt.Errorf("pool: resource list must not be empty: %w", apperrors.ErrPoolEmpty)
	}
	if cfg.StreakThreshold <= 0 {
		cfg.StreakThreshold = 5
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = time.Minute
	}
	if cfg.WindowAge <= 0 {
		cfg.WindowAge = 24 * time.Hour
	}
	if cfg.NeutralWeight <= 0 {
		cfg.NeutralWeight = 0.3
	}
	if cfg.WeightFloor <= 0 {
		cfg.WeightFloor = 0.05
	}
	if cfg.BalanceBonus <= 0 {
		cfg.BalanceBonus = 1.5
	}
	if cfg.MinSample <= 0 {
		cfg.MinSample = 10
	}

	s := &Selector{
		cfg:      cfg,
		records:  make(map[string]*domain.ResourceRecord, len(cfg.Resources)),
		affinity: make(map[string]*domain.AffinityRecord),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log,
		now:      time.Now,
	}
	for _, res := range cfg.Resources {
		if _, dup := s.records[res.ID]; dup {
			return nil, fmt.Errorf("pool: duplicate resource id %q", res.ID)
		}
		s.records[res.ID] = &domain.ResourceRecord{Resource: res}
		s.order = append(s.order, res.ID)
	}
	return s, nil
}

// Select picks the resource to originate the next attempt toward targetKey.
// Priority: target affinity, then locality match, then weighted-random over
// the healthy pool; if everything is cooling down, the historically best
// resource is used anyway so outbound capability never fully halts.
func (s *Selector) Select(targetKey string) (domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if aff, ok := s.affinity[targetKey]; ok {
		if rec, ok := s.records[aff.ResourceID]; ok && !rec.OnCooldown(now) {
			return rec.Resource, nil
		}
	}

	available := make([]*domain.ResourceRecord, 0, len(s.order))
	for _, id := range s.order {
		if rec := s.records[id]; !rec.OnCooldown(now) {
			available = append(available, rec)
		}
	}

	if len(available) == 0 {
		best := s.bestIgnoringCooldown()
		s.log.Warn("pool: every resource on cooldown, using best anyway",
			zap.String("resource_id", best.Resource.ID),
			zap.Float64("pickup_rate", best.PickupRate))
		return best.Resource, nil
	}

	if area := domain.AreaCodeOf(targetKey); area != "" {
		local := make([]*domain.ResourceRecord, 0, len(available))
		for _, rec := range available {
			if rec.Resource.AreaCode == area {
				local = append(local, rec)
			}
		}
		if len(local) > 0 {
			available = local
		}
	}

	return s.pickWeighted(available).Resource, nil
}

// RecordOutcome feeds an attempt result back into the resource's rolling
// window, refreshes derived stats and affinity, and may trigger cooldown.
func (s *Selector) RecordOutcome(resourceID, targetKey string, outcome domain.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[resourceID]
	if !ok {
		s.log.Warn("pool: outcome for unknown resource", zap.String("resource_id", resourceID))
		return
	}

	now := s.now()
	connected := outcome.Connected()

	rec.Window = append(rec.Window, domain.ResourceSample{At: now, Connected: connected})
	s.pruneWindow(rec, now)
	rec.TotalAttempts++
	rec.LastUsedAt = now
	rec.PickupRate = pickupRate(rec.Window)

	if connected {
		rec.Streak = 0
		s.updateAffinity(targetKey, resourceID, now)
	} else {
		rec.Streak++
		s.maybeCooldown(rec, now)
	}
}

func (s *Selector) updateAffinity(targetKey, resourceID string, now time.Time) {
	aff, ok := s.affinity[targetKey]
	if !ok || aff.ResourceID != resourceID {
		aff = &domain.AffinityRecord{TargetKey: targetKey, ResourceID: resourceID}
		s.affinity[targetKey] = aff
	}
	aff.Calls++
	aff.LastUsedAt = now
}

// maybeCooldown places the resource on cooldown once its failure streak hits
// the threshold, escalating to a tripled duration at twice the threshold.
// The last available resource is never cooled down.
func (s *Selector) maybeCooldown(rec *domain.ResourceRecord, now time.Time) {
	threshold := s.cfg.StreakThreshold
	if rec.Streak < threshold || rec.Streak%threshold != 0 {
		return
	}

	othersAvailable := 0
	for _, other := range s.records {
		if other.Resource.ID == rec.Resource.ID {
			continue
		}
		if !other.OnCooldown(now) {
			othersAvailable++
		}
	}
	if othersAvailable == 0 {
		s.log.Warn("pool: skipping cooldown for last available resource",
			zap.String("resource_id", rec.Resource.ID),
			zap.Int("streak", rec.Streak))
		return
	}

	duration := time.Duration(threshold) * s.cfg.CooldownBase
	if rec.Streak >= 2*threshold {
		duration *= 3
	}
	rec.CooldownUntil = now.Add(duration)
	s.log.Info("pool: resource placed on cooldown",
		zap.String("resource_id", rec.Resource.ID),
		zap.Int("streak", rec.Streak),
		zap.Duration("duration", duration))
}

func (s *Selector) pruneWindow(rec *domain.ResourceRecord, now time.Time) {
	cutoff := now.Add(-s.cfg.WindowAge)
	idx := 0
	for idx < len(rec.Window) && rec.Window[idx].At.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		rec.Window = append(rec.Window[:0], rec.Window[idx:]...)
	}
}

func pickupRate(window []domain.ResourceSample) float64 {
	if len(window) == 0 {
		return 0
	}
	connected := 0
	for _, sample := range window {
		if sample.Connected {
			connected++
		}
	}
	return float64(connected) / float64(len(window))
}

func (s *Selector) bestIgnoringCooldown() *domain.ResourceRecord {
	var best *domain.ResourceRecord
	for _, id := range s.order {
		rec := s.records[id]
		if best == nil || rec.PickupRate > best.PickupRate {
			best = rec
		}
	}
	return best
}

// pickWeighted draws weighted-random among candidates. Weighted-random, not
// highest-weight: the long tail must keep receiving traffic.
func (s *Selector) pickWeighted(candidates []*domain.ResourceRecord) *domain.ResourceRecord {
	if len(candidates) == 1 {
		return candidates[0]
	}

	mean := 0.0
	for _, rec := range candidates {
		mean += float64(len(rec.Window))
	}
	mean /= float64(len(candidates))

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, rec := range candidates {
		weights[i] = s.weight(rec, mean)
		total += weights[i]
	}

	draw := s.rng.Float64() * total
	for i, w := range weights {
		draw -= w
		if draw <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

func (s *Selector) weight(rec *domain.ResourceRecord, meanAttempts float64) float64 {
	w := s.cfg.NeutralWeight
	if len(rec.Window) >= s.cfg.MinSample {
		w = rec.PickupRate
	}
	if w < s.cfg.WeightFloor {
		w = s.cfg.WeightFloor
	}
	if rec.Streak > s.cfg.StreakThreshold {
		w *= math.Pow(2, -float64(rec.Streak-s.cfg.StreakThreshold))
	}
	if float64(len(rec.Window)) < meanAttempts {
		w *= s.cfg.BalanceBonus
	}
	if w < 1e-3 {
		w = 1e-3
	}
	return w
}

// Stats returns a copy of every resource record for inspection.
func (s *Selector) Stats() []domain.ResourceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ResourceRecord, 0, len(s.order))
	for _, id := range s.order {
		rec := *s.records[id]
		rec.Window = append([]domain.ResourceSample(nil), s.records[id].Window...)
		out = append(out, rec)
	}
	return out
}

// Snapshot exports resource and affinity state for persistence.
func (s *Selector) Snapshot() ([]domain.ResourceRecord, []domain.AffinityRecord) {
	records := s.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()
	affinities := make([]domain.AffinityRecord, 0, len(s.affinity))
	for _, aff := range s.affinity {
		affinities = append(affinities, *aff)
	}
	return records, affinities
}

// Restore merges persisted stats into the configured pool. Records for
// resources no longer configured are dropped: the configured pool is the
// authority on what exists.
func (s *Selector) Restore(records []domain.ResourceRecord, affinities []domain.AffinityRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, saved := range records {
		rec, ok := s.records[saved.Resource.ID]
		if !ok {
			continue
		}
		rec.Window = append([]domain.ResourceSample(nil), saved.Window...)
		rec.PickupRate = saved.PickupRate
		rec.Streak = saved.Streak
		rec.TotalAttempts = saved.TotalAttempts
		rec.LastUsedAt = saved.LastUsedAt
		rec.CooldownUntil = saved.CooldownUntil
	}
	for _, saved := range affinities {
		if _, ok := s.records[saved.ResourceID]; !ok {
			continue
		}
		aff := saved
		s.affinity[saved.TargetKey] = &aff
	}
}
