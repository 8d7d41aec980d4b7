package retry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Config holds retry policy: attempt budget, interval tiers by lead age, and
// the outcome sets that end scheduling.
type Config struct {
	MaxAttempts int
	SameDay     []time.Duration
	NextDay     []time.Duration
	Older       []time.Duration
	MinDelay    time.Duration
	Retention   time.Duration

	SuccessSet      map[domain.Outcome]struct{}
	DefaultLocation *time.Location
}

// Scheduler owns the durable retry state machine per target. It is the only
// component allowed to mutate RetryState.
type Scheduler struct {
	mu     sync.RWMutex
	cfg    Config
	states map[string]*domain.RetryState
	log    *logger.Logger
	now    func() time.Time
}

// NewScheduler constructs a retry scheduler.
func NewScheduler(cfg Config, log *logger.Logger) (*Scheduler, error) {
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("retry: max attempts must be positive, got %d", cfg.MaxAttempts)
	}
	if len(cfg.SameDay) == 0 || len(cfg.NextDay) == 0 || len(cfg.Older) == 0 {
		return nil, fmt.Errorf("retry: every interval tier needs at least one entry")
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Minute
	}
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = time.UTC
	}
	return &Scheduler{
		cfg:    cfg,
		states: make(map[string]*domain.RetryState),
		log:    log,
		now:    time.Now,
	}, nil
}

// Register creates (or refreshes) the state machine for a target. Targets
// are keyed by normalized number, so a second lead sharing the number lands
// on the existing machine: only display metadata is refreshed, never the
// attempt count or schedule.
func (s *Scheduler) Register(target domain.Target) domain.RetryState {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.states[target.Key]; ok {
		existing.Target.LeadID = target.LeadID
		existing.Target.Name = target.Name
		existing.Target.Locale = target.Locale
		if target.TimeZone != "" {
			existing.Target.TimeZone = target.TimeZone
		}
		existing.UpdatedAt = now
		return *existing
	}

	target.CreatedAt = now
	state := &domain.RetryState{
		Target:         target,
		Status:         domain.RetryStatusPending,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.states[target.Key] = state
	return *state
}

// Get returns a copy of the target's state.
func (s *Scheduler) Get(key string) (domain.RetryState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[key]
	if !ok {
		return domain.RetryState{}, false
	}
	return copyState(state), true
}

// Due returns up to limit targets eligible for dispatch at now, oldest
// eligibility first.
func (s *Scheduler) Due(now time.Time, limit int) []domain.RetryState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []domain.RetryState
	for _, state := range s.states {
		if s.eligible(state, now) {
			due = append(due, copyState(state))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return dueAt(&due[i]).Before(dueAt(&due[j]))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

// StillDue re-validates a target immediately before dispatch; status and
// attempt count may have changed since the batch was computed.
func (s *Scheduler) StillDue(key string, now time.Time) (domain.RetryState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[key]
	if !ok || !s.eligible(state, now) {
		return domain.RetryState{}, false
	}
	return copyState(state), true
}

func (s *Scheduler) eligible(state *domain.RetryState, now time.Time) bool {
	if state.Attempts >= s.cfg.MaxAttempts {
		return false
	}
	if s.cfg.Retention > 0 && now.Sub(state.CreatedAt) > s.cfg.Retention {
		return false
	}
	switch state.Status {
	case domain.RetryStatusPending:
		return !state.NextEligibleAt.After(now)
	case domain.RetryStatusRescheduled:
		return state.ScheduledFor != nil && !state.ScheduledFor.After(now)
	}
	return false
}

func dueAt(state *domain.RetryState) time.Time {
	if state.Status == domain.RetryStatusRescheduled && state.ScheduledFor != nil {
		return *state.ScheduledFor
	}
	return state.NextEligibleAt
}

// Defer pushes a target's next eligibility forward without consuming an
// attempt; used when admission queues or blocks a due target.
func (s *Scheduler) Defer(key string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key]
	if !ok {
		return
	}
	if until.After(state.NextEligibleAt) {
		state.NextEligibleAt = until
	}
	if state.Status == domain.RetryStatusRescheduled && state.ScheduledFor != nil && until.After(*state.ScheduledFor) {
		u := until
		state.ScheduledFor = &u
	}
	state.UpdatedAt = s.now()
}

// RecordOutcome applies a terminal outcome event and returns the resulting
// state. Duplicate deliveries (same attempt id as the last recorded one)
// merge the observed outcome but never increment the attempt counter; the
// second return reports whether the event was applied fresh, so callers can
// keep duplicates out of their own counters.
func (s *Scheduler) RecordOutcome(evt domain.OutcomeEvent) (domain.RetryState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[evt.TargetKey]
	if !ok {
		return domain.RetryState{}, false, fmt.Errorf("retry: outcome for unknown target %s: %w", evt.TargetKey, apperrors.ErrNotFound)
	}

	now := s.now()

	if evt.AttemptID != uuid.Nil && evt.AttemptID == state.LastAttemptID {
		if n := len(state.Outcomes); n == 0 || state.Outcomes[n-1] != evt.Outcome {
			state.Outcomes = append(state.Outcomes, evt.Outcome)
		}
		state.UpdatedAt = now
		s.log.Debug("retry: duplicate outcome delivery merged",
			zap.String("target_key", evt.TargetKey),
			zap.String("attempt_id", evt.AttemptID.String()))
		return copyState(state), false, nil
	}

	state.Attempts++
	state.LastAttemptID = evt.AttemptID
	state.Outcomes = append(state.Outcomes, evt.Outcome)
	state.UpdatedAt = now

	paused := state.Status == domain.RetryStatusPaused

	switch domain.Classify(evt.Outcome, s.cfg.SuccessSet, evt.CallbackTime != nil) {
	case domain.ClassSuccessTerminal:
		state.Status = domain.RetryStatusCompleted
		state.ScheduledFor = nil

	case domain.ClassPermanentFailure:
		state.Status = domain.RetryStatusExhausted
		state.ScheduledFor = nil

	case domain.ClassSuccessReschedule:
		if state.Attempts >= s.cfg.MaxAttempts {
			state.Status = domain.RetryStatusExhausted
			state.ScheduledFor = nil
			break
		}
		at := now.Add(s.intervalLocked(state, now))
		if evt.CallbackTime != nil {
			at = *evt.CallbackTime
		}
		state.ScheduledFor = &at
		if !paused {
			state.Status = domain.RetryStatusRescheduled
		}

	default: // retryable failure
		state.ScheduledFor = nil
		if state.Attempts >= s.cfg.MaxAttempts {
			state.Status = domain.RetryStatusExhausted
			break
		}
		next := now.Add(s.intervalLocked(state, now))
		if next.After(state.NextEligibleAt) {
			state.NextEligibleAt = next
		}
		if !paused {
			state.Status = domain.RetryStatusPending
		}
	}

	return copyState(state), true, nil
}

// intervalLocked computes the delay before the target's next attempt: tiered
// by how many calendar days have elapsed since first contact, indexed by
// attempts already made, floored to a positive minimum so a retry can never
// race its own completion webhook.
func (s *Scheduler) intervalLocked(state *domain.RetryState, now time.Time) time.Duration {
	tier := s.cfg.SameDay
	switch days := calendarDaysBetween(state.CreatedAt, now, state.Target.Location(s.cfg.DefaultLocation)); {
	case days >= 2:
		tier = s.cfg.Older
	case days == 1:
		tier = s.cfg.NextDay
	}

	idx := state.Attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(tier) {
		idx = len(tier) - 1
	}

	d := tier[idx]
	if d <= 0 {
		d = s.cfg.MinDelay
	}
	return d
}

// calendarDaysBetween counts midnight boundaries crossed between from and to
// in the given location.
func calendarDaysBetween(from, to time.Time, loc *time.Location) int {
	f := from.In(loc)
	t := to.In(loc)
	fd := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, loc)
	td := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return int(td.Sub(fd) / (24 * time.Hour))
}

// Pause takes a target out of automatic scheduling until resumed.
func (s *Scheduler) Pause(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key]
	if !ok {
		return fmt.Errorf("retry: pause %s: %w", key, apperrors.ErrNotFound)
	}
	if state.Status.Terminal() {
		return fmt.Errorf("retry: pause %s in status %s: %w", key, state.Status, apperrors.ErrConflict)
	}
	state.Status = domain.RetryStatusPaused
	state.UpdatedAt = s.now()
	return nil
}

// Resume returns a paused target to pending.
func (s *Scheduler) Resume(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key]
	if !ok {
		return fmt.Errorf("retry: resume %s: %w", key, apperrors.ErrNotFound)
	}
	if state.Status != domain.RetryStatusPaused {
		return fmt.Errorf("retry: resume %s in status %s: %w", key, state.Status, apperrors.ErrConflict)
	}
	if state.Attempts >= s.cfg.MaxAttempts {
		state.Status = domain.RetryStatusExhausted
	} else {
		state.Status = domain.RetryStatusPending
	}
	state.UpdatedAt = s.now()
	return nil
}

// Sweep prunes targets whose first contact fell out of the retention window
// and returns how many were removed.
func (s *Scheduler) Sweep(now time.Time) int {
	if s.cfg.Retention <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, state := range s.states {
		if now.Sub(state.CreatedAt) > s.cfg.Retention {
			delete(s.states, key)
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("retry: retention sweep pruned targets", zap.Int("removed", removed))
	}
	return removed
}

// Snapshot exports all states for persistence.
func (s *Scheduler) Snapshot() []domain.RetryState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RetryState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, copyState(state))
	}
	return out
}

// Restore loads persisted states, replacing any in-memory entries with the
// same key.
func (s *Scheduler) Restore(states []domain.RetryState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, saved := range states {
		cp := saved
		cp.Outcomes = append([]domain.Outcome(nil), saved.Outcomes...)
		if saved.ScheduledFor != nil {
			at := *saved.ScheduledFor
			cp.ScheduledFor = &at
		}
		s.states[saved.Target.Key] = &cp
	}
}

func copyState(state *domain.RetryState) domain.RetryState {
	cp := *state
	cp.Outcomes = append([]domain.Outcome(nil), state.Outcomes...)
	if state.ScheduledFor != nil {
		at := *state.ScheduledFor
		cp.ScheduledFor = &at
	}
	return cp
}
