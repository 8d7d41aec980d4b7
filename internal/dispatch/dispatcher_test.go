package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/acme/outbound-dialer/internal/admission"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/pool"
	"github.com/acme/outbound-dialer/internal/retry"
	"github.com/acme/outbound-dialer/internal/state"
	"github.com/acme/outbound-dialer/internal/throttle"
	"github.com/acme/outbound-dialer/pkg/logger"
)

type startedCall struct {
	attemptID uuid.UUID
	targetKey string
	resource  string
}

type fakeInitiator struct {
	mu    sync.Mutex
	calls []startedCall
}

func (f *fakeInitiator) Start(_ context.Context, target domain.Target, resource domain.Resource) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.calls = append(f.calls, startedCall{attemptID: id, targetKey: target.Key, resource: resource.ID})
	return id, nil
}

func (f *fakeInitiator) started() []startedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startedCall(nil), f.calls...)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []domain.AttemptRecord
}

func (f *fakeHistory) Append(_ context.Context, record domain.AttemptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

type denyLocker struct{}

func (denyLocker) TryLock(context.Context) (bool, error) { return false, nil }
func (denyLocker) Unlock(context.Context) error          { return nil }

type testRig struct {
	dispatcher *Dispatcher
	scheduler  *retry.Scheduler
	guard      *admission.Guard
	selector   *pool.Selector
	initiator  *fakeInitiator
	history    *fakeHistory
}

func newTestRig(t *testing.T, store state.Store, locker TickLocker) *testRig {
	t.Helper()
	log := logger.Nop()

	scheduler, err := retry.NewScheduler(retry.Config{
		MaxAttempts: 3,
		SameDay:     []time.Duration{time.Minute, 5 * time.Minute},
		NextDay:     []time.Duration{time.Hour},
		Older:       []time.Duration{2 * time.Hour},
		MinDelay:    time.Second,
		Retention:   24 * time.Hour,
		SuccessSet:  map[domain.Outcome]struct{}{domain.OutcomeAnswered: {}},
	}, log)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	selector, err := pool.NewSelector(pool.Config{
		Resources: []domain.Resource{
			{ID: "line-a", Number: "+12125550001", AreaCode: "212"},
			{ID: "line-b", Number: "+13105550002", AreaCode: "310"},
		},
	}, log)
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}

	guard := admission.NewGuard(admission.Config{
		PerDayCap:      5,
		RetryVoicemail: true,
		RetryNoAnswer:  true,
	}, log)

	gate, err := throttle.NewLimiter(1000, time.Millisecond)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	initiator := &fakeInitiator{}
	history := &fakeHistory{}

	dispatcher, err := New(Config{
		TickInterval: 10 * time.Millisecond,
		MaxBatchSize: 10,
		BlockedDefer: time.Minute,
	}, Deps{
		Scheduler: scheduler,
		Guard:     guard,
		Selector:  selector,
		Gate:      gate,
		Initiator: initiator,
		Store:     store,
		History:   history,
		Locker:    locker,
	}, log)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	return &testRig{
		dispatcher: dispatcher,
		scheduler:  scheduler,
		guard:      guard,
		selector:   selector,
		initiator:  initiator,
		history:    history,
	}
}

func TestTickDispatchesDueTarget(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	target := domain.Target{Key: "2125550100", LeadID: uuid.New(), TimeZone: "UTC"}
	rig.scheduler.Register(target)

	if err := rig.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	calls := rig.initiator.started()
	if len(calls) != 1 {
		t.Fatalf("expected 1 started attempt, got %d", len(calls))
	}
	if calls[0].targetKey != target.Key {
		t.Fatalf("expected attempt toward %s, got %s", target.Key, calls[0].targetKey)
	}

	rec := rig.guard.Record(target)
	if rec.ActiveAttemptID != calls[0].attemptID {
		t.Fatalf("expected guard to hold attempt %s, got %s", calls[0].attemptID, rec.ActiveAttemptID)
	}
}

func TestTickSkippedWhenLeaderLockDenied(t *testing.T) {
	rig := newTestRig(t, nil, denyLocker{})
	rig.scheduler.Register(domain.Target{Key: "2125550100"})

	if err := rig.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if calls := rig.initiator.started(); len(calls) != 0 {
		t.Fatalf("expected no attempts without the leader lock, got %d", len(calls))
	}
}

func TestTickQueuesTargetWithAttemptInFlight(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	target := domain.Target{Key: "2125550100"}
	rig.scheduler.Register(target)

	if err := rig.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := rig.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	if calls := rig.initiator.started(); len(calls) != 1 {
		t.Fatalf("expected in-flight target to stay queued, got %d attempts", len(calls))
	}

	st, ok := rig.scheduler.Get(target.Key)
	if !ok {
		t.Fatalf("expected state for %s", target.Key)
	}
	if !st.NextEligibleAt.After(time.Now().Add(-time.Millisecond)) {
		t.Fatalf("expected queued target to be deferred, next eligible %v", st.NextEligibleAt)
	}
}

func TestHandleOutcomeFlowsThroughAllComponents(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	target := domain.Target{Key: "2125550100"}
	rig.scheduler.Register(target)

	if err := rig.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	call := rig.initiator.started()[0]

	evt := domain.OutcomeEvent{
		AttemptID:  call.attemptID,
		TargetKey:  target.Key,
		ResourceID: call.resource,
		Outcome:    domain.OutcomeNoAnswer,
		Duration:   20 * time.Second,
		OccurredAt: time.Now().UTC(),
	}
	if err := rig.dispatcher.HandleOutcome(context.Background(), evt); err != nil {
		t.Fatalf("handle outcome: %v", err)
	}

	st, _ := rig.scheduler.Get(target.Key)
	if st.Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", st.Attempts)
	}
	if st.Status != domain.RetryStatusPending {
		t.Fatalf("expected pending status, got %s", st.Status)
	}

	var total int64
	for _, rec := range rig.selector.Stats() {
		total += rec.TotalAttempts
	}
	if total != 1 {
		t.Fatalf("expected selector to see 1 attempt, got %d", total)
	}

	rec := rig.guard.Record(target)
	if rec.ActiveAttemptID != uuid.Nil {
		t.Fatalf("expected attempt lock cleared, still %s", rec.ActiveAttemptID)
	}

	rig.history.mu.Lock()
	defer rig.history.mu.Unlock()
	if len(rig.history.records) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(rig.history.records))
	}
	if rig.history.records[0].Outcome != domain.OutcomeNoAnswer {
		t.Fatalf("expected no_answer in history, got %s", rig.history.records[0].Outcome)
	}
}

func TestHandleOutcomeDuplicateDeliveryNotDoubleCounted(t *testing.T) {
	rig := newTestRig(t, nil, nil)
	target := domain.Target{Key: "2125550100"}
	rig.scheduler.Register(target)

	if err := rig.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	call := rig.initiator.started()[0]

	evt := domain.OutcomeEvent{
		AttemptID:  call.attemptID,
		TargetKey:  target.Key,
		ResourceID: call.resource,
		Outcome:    domain.OutcomeNoAnswer,
		Duration:   15 * time.Second,
		OccurredAt: time.Now().UTC(),
	}
	for i := 0; i < 2; i++ {
		if err := rig.dispatcher.HandleOutcome(context.Background(), evt); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	st, _ := rig.scheduler.Get(target.Key)
	if st.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", st.Attempts)
	}

	// The redelivered failure must not skew resource health: one underlying
	// attempt means one window sample and one streak step.
	for _, rec := range rig.selector.Stats() {
		if rec.Resource.ID != call.resource {
			continue
		}
		if rec.TotalAttempts != 1 {
			t.Fatalf("resource attempts double-counted: %d", rec.TotalAttempts)
		}
		if rec.Streak != 1 {
			t.Fatalf("failure streak double-counted: %d", rec.Streak)
		}
		if len(rec.Window) != 1 {
			t.Fatalf("expected 1 window sample, got %d", len(rec.Window))
		}
	}

	rig.history.mu.Lock()
	defer rig.history.mu.Unlock()
	if len(rig.history.records) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(rig.history.records))
	}
}

func TestHandleOutcomeUnknownTargetDropped(t *testing.T) {
	rig := newTestRig(t, nil, nil)

	evt := domain.OutcomeEvent{
		AttemptID: uuid.New(),
		TargetKey: "9995550000",
		Outcome:   domain.OutcomeBusy,
	}
	if err := rig.dispatcher.HandleOutcome(context.Background(), evt); err != nil {
		t.Fatalf("expected unknown-target outcome to be dropped, got %v", err)
	}
}

func TestFlushAndRestoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := state.NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	rig := newTestRig(t, store, nil)
	target := domain.Target{Key: "2125550100"}
	rig.scheduler.Register(target)
	if err := rig.dispatcher.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	call := rig.initiator.started()[0]
	evt := domain.OutcomeEvent{
		AttemptID:  call.attemptID,
		TargetKey:  target.Key,
		ResourceID: call.resource,
		Outcome:    domain.OutcomeBusy,
		OccurredAt: time.Now().UTC(),
	}
	if err := rig.dispatcher.HandleOutcome(context.Background(), evt); err != nil {
		t.Fatalf("handle outcome: %v", err)
	}
	if err := rig.dispatcher.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	fresh := newTestRig(t, store, nil)
	if err := fresh.dispatcher.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	st, ok := fresh.scheduler.Get(target.Key)
	if !ok {
		t.Fatalf("expected restored state for %s", target.Key)
	}
	if st.Attempts != 1 {
		t.Fatalf("expected 1 attempt after restore, got %d", st.Attempts)
	}

	rec := fresh.guard.Record(target)
	if rec.ActiveAttemptID != uuid.Nil {
		t.Fatalf("expected restore to clear attempt locks, got %s", rec.ActiveAttemptID)
	}
}

func TestRunStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	rig := newTestRig(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- rig.dispatcher.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}
