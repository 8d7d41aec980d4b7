package retry

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/pkg/logger"
)

func testConfig() Config {
	return Config{
		MaxAttempts: 4,
		SameDay:     []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute},
		NextDay:     []time.Duration{30 * time.Minute, time.Hour, 2 * time.Hour},
		Older:       []time.Duration{2 * time.Hour, 4 * time.Hour, 8 * time.Hour},
		MinDelay:    time.Minute,
		Retention:   14 * 24 * time.Hour,
		SuccessSet: map[domain.Outcome]struct{}{
			domain.OutcomeAnswered:    {},
			domain.OutcomeTransferred: {},
		},
	}
}

func newTestScheduler(t *testing.T, at time.Time) (*Scheduler, func(time.Duration) time.Time) {
	t.Helper()
	s, err := NewScheduler(testConfig(), logger.Nop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	current := at
	s.now = func() time.Time { return current }
	advance := func(d time.Duration) time.Time {
		current = current.Add(d)
		return current
	}
	return s, advance
}

func failureEvent(key string) domain.OutcomeEvent {
	return domain.OutcomeEvent{
		AttemptID:  uuid.New(),
		TargetKey:  key,
		ResourceID: "r1",
		Outcome:    domain.OutcomeNoAnswer,
	}
}

func TestRegisterCollapsesOnNormalizedKey(t *testing.T) {
	s, _ := newTestScheduler(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	first := s.Register(domain.Target{Key: "4155550100", Name: "Ann", LeadID: uuid.New()})
	otherLead := uuid.New()
	second := s.Register(domain.Target{Key: "4155550100", Name: "Ann B.", LeadID: otherLead})

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("re-registration must not reset first-contact time")
	}
	if second.Target.LeadID != otherLead || second.Target.Name != "Ann B." {
		t.Fatal("re-registration should refresh display metadata")
	}
	if len(s.Snapshot()) != 1 {
		t.Fatal("two leads on one number must collapse onto one target")
	}
}

func TestAttemptsIncrementOncePerAttemptID(t *testing.T) {
	s, _ := newTestScheduler(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	s.Register(domain.Target{Key: "k"})

	evt := failureEvent("k")
	evt.Outcome = domain.OutcomeBusy

	for i := 0; i < 3; i++ {
		if _, _, err := s.RecordOutcome(evt); err != nil {
			t.Fatalf("record outcome: %v", err)
		}
	}

	state, _ := s.Get("k")
	if state.Attempts != 1 {
		t.Fatalf("expected exactly 1 attempt after 3 deliveries of one id, got %d", state.Attempts)
	}
}

func TestDuplicateDeliveryMergesObservedOutcomes(t *testing.T) {
	s, _ := newTestScheduler(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	s.Register(domain.Target{Key: "k"})

	evt := failureEvent("k")
	if _, applied, err := s.RecordOutcome(evt); err != nil || !applied {
		t.Fatalf("record: applied=%v err=%v", applied, err)
	}
	evt.Outcome = domain.OutcomeVoicemail
	if _, applied, err := s.RecordOutcome(evt); err != nil || applied {
		t.Fatalf("expected duplicate to merge without applying, applied=%v err=%v", applied, err)
	}

	state, _ := s.Get("k")
	if state.Attempts != 1 {
		t.Fatalf("attempts double-counted: %d", state.Attempts)
	}
	if len(state.Outcomes) != 2 {
		t.Fatalf("expected merged outcome union, got %v", state.Outcomes)
	}
}

func TestSuccessOutcomeCompletesAndNeverDueAgain(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, advance := newTestScheduler(t, start)
	s.Register(domain.Target{Key: "k"})

	evt := failureEvent("k")
	evt.Outcome = domain.OutcomeAnswered
	state, _, err := s.RecordOutcome(evt)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if state.Status != domain.RetryStatusCompleted {
		t.Fatalf("expected completed, got %s", state.Status)
	}

	// Even far in the future, with NextEligibleAt long past, completed
	// targets never show up as due.
	now := advance(30 * 24 * time.Hour)
	if due := s.Due(now, 10); len(due) != 0 {
		t.Fatalf("completed target reported due: %+v", due)
	}
}

func TestPermanentFailureExhaustsImmediately(t *testing.T) {
	s, _ := newTestScheduler(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	s.Register(domain.Target{Key: "k"})

	evt := failureEvent("k")
	evt.Outcome = domain.OutcomeInvalidNumber
	state, _, err := s.RecordOutcome(evt)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if state.Status != domain.RetryStatusExhausted {
		t.Fatalf("expected exhausted, got %s", state.Status)
	}
}

func TestRetryIntervalsFollowDayAgeTiers(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, advance := newTestScheduler(t, start)
	s.Register(domain.Target{Key: "k", TimeZone: "UTC"})

	// Attempts 1-3 on the created day use the same-day tier.
	wantSameDay := []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute}
	now := start
	for i, want := range wantSameDay {
		state, _, err := s.RecordOutcome(failureEvent("k"))
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if state.Status == domain.RetryStatusExhausted {
			t.Fatalf("exhausted too early at attempt %d", i+1)
		}
		if got := state.NextEligibleAt.Sub(now); got != want {
			t.Fatalf("attempt %d: expected same-day interval %v, got %v", i+1, want, got)
		}
		now = advance(want)
	}
}

func TestNextDayTierAppliesAfterCalendarRollover(t *testing.T) {
	start := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	s, advance := newTestScheduler(t, start)
	s.Register(domain.Target{Key: "k", TimeZone: "UTC"})

	if _, _, err := s.RecordOutcome(failureEvent("k")); err != nil {
		t.Fatalf("attempt 1: %v", err)
	}

	// Cross midnight: the second attempt's interval must come from the
	// next-day tier (1h at index 1), not the same-day tier (15m).
	now := advance(2 * time.Hour)
	state, _, err := s.RecordOutcome(failureEvent("k"))
	if err != nil {
		t.Fatalf("attempt 2: %v", err)
	}
	if got := state.NextEligibleAt.Sub(now); got != time.Hour {
		t.Fatalf("expected next-day tier interval 1h, got %v", got)
	}
}

func TestNextEligibleAtNeverDecreases(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, advance := newTestScheduler(t, start)
	s.Register(domain.Target{Key: "k"})

	var prev time.Time
	for i := 0; i < 3; i++ {
		state, _, err := s.RecordOutcome(failureEvent("k"))
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if state.NextEligibleAt.Before(prev) {
			t.Fatalf("next_eligible_at went backwards: %v < %v", state.NextEligibleAt, prev)
		}
		prev = state.NextEligibleAt
		advance(time.Minute)
	}
}

func TestExhaustsExactlyOnceAtMaxAttempts(t *testing.T) {
	s, _ := newTestScheduler(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	s.Register(domain.Target{Key: "k"})

	// Bring the target to max_attempts-1.
	for i := 0; i < 3; i++ {
		if _, _, err := s.RecordOutcome(failureEvent("k")); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	// Deliver the final attempt's outcome twice with the same id.
	final := failureEvent("k")
	first, _, err := s.RecordOutcome(final)
	if err != nil {
		t.Fatalf("final outcome: %v", err)
	}
	second, _, err := s.RecordOutcome(final)
	if err != nil {
		t.Fatalf("duplicate final outcome: %v", err)
	}

	if first.Status != domain.RetryStatusExhausted || second.Status != domain.RetryStatusExhausted {
		t.Fatalf("expected exhausted, got %s then %s", first.Status, second.Status)
	}
	if second.Attempts != 4 {
		t.Fatalf("attempts overshot max: %d", second.Attempts)
	}
}

func TestCallbackOutcomeReschedules(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(t, start)
	s.Register(domain.Target{Key: "k"})

	callback := start.Add(6 * time.Hour)
	evt := failureEvent("k")
	evt.Outcome = domain.OutcomeCallback
	evt.CallbackTime = &callback

	state, _, err := s.RecordOutcome(evt)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if state.Status != domain.RetryStatusRescheduled {
		t.Fatalf("expected rescheduled, got %s", state.Status)
	}
	if state.ScheduledFor == nil || !state.ScheduledFor.Equal(callback) {
		t.Fatalf("expected explicit callback time %v, got %v", callback, state.ScheduledFor)
	}

	if due := s.Due(start.Add(time.Hour), 10); len(due) != 0 {
		t.Fatal("rescheduled target due before its callback time")
	}
	due := s.Due(callback.Add(time.Minute), 10)
	if len(due) != 1 {
		t.Fatalf("expected target due at callback time, got %d", len(due))
	}
}

func TestCallbackOnFinalAttemptExhausts(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(t, start)
	s.Register(domain.Target{Key: "k"})

	// Burn through all but the last attempt.
	for i := 0; i < 3; i++ {
		if _, _, err := s.RecordOutcome(failureEvent("k")); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	callback := start.Add(6 * time.Hour)
	evt := failureEvent("k")
	evt.Outcome = domain.OutcomeCallback
	evt.CallbackTime = &callback

	state, _, err := s.RecordOutcome(evt)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if state.Status != domain.RetryStatusExhausted {
		t.Fatalf("expected exhausted at max attempts, got %s", state.Status)
	}
	if state.ScheduledFor != nil {
		t.Fatalf("exhausted target must not hold a schedule, got %v", state.ScheduledFor)
	}
}

func TestPauseRemovesFromDueAndResumeRestores(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(t, start)
	s.Register(domain.Target{Key: "k"})

	if err := s.Pause("k"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if due := s.Due(start.Add(time.Hour), 10); len(due) != 0 {
		t.Fatal("paused target reported due")
	}

	if err := s.Resume("k"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if due := s.Due(start.Add(time.Hour), 10); len(due) != 1 {
		t.Fatal("resumed target not due")
	}
}

func TestSweepPrunesOutsideRetention(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, advance := newTestScheduler(t, start)
	s.Register(domain.Target{Key: "old"})

	now := advance(15 * 24 * time.Hour)
	s.Register(domain.Target{Key: "fresh"})

	if removed := s.Sweep(now); removed != 1 {
		t.Fatalf("expected 1 pruned target, got %d", removed)
	}
	if _, ok := s.Get("old"); ok {
		t.Fatal("stale target should be pruned")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatal("fresh target must survive sweep")
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(t, start)
	s.Register(domain.Target{Key: "k"})
	if _, _, err := s.RecordOutcome(failureEvent("k")); err != nil {
		t.Fatalf("record: %v", err)
	}

	snap := s.Snapshot()

	restored, _ := newTestScheduler(t, start.Add(time.Hour))
	restored.Restore(snap)

	state, ok := restored.Get("k")
	if !ok {
		t.Fatal("state missing after restore")
	}
	if state.Attempts != 1 || state.Status != domain.RetryStatusPending {
		t.Fatalf("restored state mismatch: %+v", state)
	}
}
