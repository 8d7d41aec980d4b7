package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/admission"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/pool"
	"github.com/acme/outbound-dialer/internal/retry"
	"github.com/acme/outbound-dialer/internal/state"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

func newTestService(t *testing.T, history state.AttemptHistory) *Service {
	t.Helper()
	log := logger.Nop()

	scheduler, err := retry.NewScheduler(retry.Config{
		MaxAttempts: 4,
		SameDay:     []time.Duration{5 * time.Minute},
		NextDay:     []time.Duration{30 * time.Minute},
		Older:       []time.Duration{2 * time.Hour},
		MinDelay:    time.Minute,
		Retention:   14 * 24 * time.Hour,
		SuccessSet:  map[domain.Outcome]struct{}{domain.OutcomeAnswered: {}},
	}, log)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	selector, err := pool.NewSelector(pool.Config{
		Resources: []domain.Resource{{ID: "line-a", Number: "+12125550001", AreaCode: "212"}},
	}, log)
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}

	guard := admission.NewGuard(admission.Config{PerDayCap: 6}, log)
	return NewService(scheduler, guard, selector, history, log)
}

func TestRegisterTargetNormalizesNumber(t *testing.T) {
	svc := newTestService(t, nil)

	state, err := svc.RegisterTarget(context.Background(), RegisterTargetInput{
		PhoneNumber: "+1 (212) 555-0100",
		Name:        "Ada",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if state.Target.Key != "2125550100" {
		t.Fatalf("expected normalized key 2125550100, got %s", state.Target.Key)
	}
	if state.Target.LeadID == uuid.Nil {
		t.Fatal("expected a lead id to be assigned")
	}
}

func TestRegisterTargetCollapsesDuplicateLeads(t *testing.T) {
	svc := newTestService(t, nil)

	first, err := svc.RegisterTarget(context.Background(), RegisterTargetInput{PhoneNumber: "2125550100", Name: "Ada"})
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, err := svc.RegisterTarget(context.Background(), RegisterTargetInput{PhoneNumber: "1-212-555-0100", Name: "Ada L."})
	if err != nil {
		t.Fatalf("second register: %v", err)
	}

	if second.Target.Key != first.Target.Key {
		t.Fatalf("expected leads to collapse onto %s, got %s", first.Target.Key, second.Target.Key)
	}
	if second.Target.Name != "Ada L." {
		t.Fatalf("expected metadata refresh, got name %s", second.Target.Name)
	}
	if second.Attempts != first.Attempts {
		t.Fatalf("expected attempt count preserved, got %d", second.Attempts)
	}
}

func TestRegisterTargetRejectsInvalidNumber(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.RegisterTarget(context.Background(), RegisterTargetInput{PhoneNumber: "12ab"})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTargetLookupUnknownNumber(t *testing.T) {
	svc := newTestService(t, nil)

	_, err := svc.Target(context.Background(), "2125550199")
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.RegisterTarget(ctx, RegisterTargetInput{PhoneNumber: "2125550100"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.Pause(ctx, "2125550100"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	view, err := svc.Target(ctx, "2125550100")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if view.State.Status != domain.RetryStatusPaused {
		t.Fatalf("expected paused, got %s", view.State.Status)
	}

	if err := svc.Resume(ctx, "2125550100"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	view, err = svc.Target(ctx, "2125550100")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if view.State.Status == domain.RetryStatusPaused {
		t.Fatal("expected pause lifted")
	}
}

func TestCheckDialAllowsFreshTarget(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.RegisterTarget(ctx, RegisterTargetInput{PhoneNumber: "2125550100"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.CheckDial(ctx, "2125550100"); err != nil {
		t.Fatalf("expected dialable target, got %v", err)
	}
}

func TestCheckDialBlockedTarget(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.RegisterTarget(ctx, RegisterTargetInput{PhoneNumber: "2125550100"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.Block(ctx, "2125550100", "subscriber request"); err != nil {
		t.Fatalf("block: %v", err)
	}

	err := svc.CheckDial(ctx, "2125550100")
	if !apperrors.Is(err, apperrors.ErrBlocked) {
		t.Fatalf("expected blocked sentinel, got %v", err)
	}
}

func TestCheckDialQueuedWhileAttemptInFlight(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	st, err := svc.RegisterTarget(ctx, RegisterTargetInput{PhoneNumber: "2125550100"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	svc.guard.RecordStart(st.Target, uuid.New())

	err = svc.CheckDial(ctx, "2125550100")
	if !apperrors.Is(err, apperrors.ErrQueued) {
		t.Fatalf("expected queued sentinel, got %v", err)
	}
}

func TestCheckDialExhaustedTarget(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	st, err := svc.RegisterTarget(ctx, RegisterTargetInput{PhoneNumber: "2125550100"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 4; i++ {
		evt := domain.OutcomeEvent{
			AttemptID: uuid.New(),
			TargetKey: st.Target.Key,
			Outcome:   domain.OutcomeNoAnswer,
		}
		if _, _, err := svc.scheduler.RecordOutcome(evt); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	err = svc.CheckDial(ctx, "2125550100")
	if !apperrors.Is(err, apperrors.ErrExhausted) {
		t.Fatalf("expected exhausted sentinel, got %v", err)
	}
}

type listingHistory struct {
	records []domain.AttemptRecord
}

func (h *listingHistory) Append(_ context.Context, record domain.AttemptRecord) error {
	h.records = append(h.records, record)
	return nil
}

func (h *listingHistory) ListByTargetDay(_ context.Context, targetKey string, _ time.Time) ([]domain.AttemptRecord, error) {
	var out []domain.AttemptRecord
	for _, rec := range h.records {
		if rec.TargetKey == targetKey {
			out = append(out, rec)
		}
	}
	return out, nil
}

func TestAttemptsUnavailableWithoutReadableHistory(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.RegisterTarget(ctx, RegisterTargetInput{PhoneNumber: "2125550100"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := svc.Attempts(ctx, "2125550100", time.Now())
	if !apperrors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("expected unavailable sentinel, got %v", err)
	}
}

func TestAttemptsListsTargetDayRecords(t *testing.T) {
	history := &listingHistory{}
	svc := newTestService(t, history)
	ctx := context.Background()

	st, err := svc.RegisterTarget(ctx, RegisterTargetInput{PhoneNumber: "2125550100"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := history.Append(ctx, domain.AttemptRecord{
		ID:        uuid.New(),
		TargetKey: st.Target.Key,
		Outcome:   domain.OutcomeBusy,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := svc.Attempts(ctx, "2125550100", time.Now())
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != domain.OutcomeBusy {
		t.Fatalf("expected one busy attempt, got %+v", records)
	}
}

func TestBlockReflectsInAdmissionView(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.RegisterTarget(ctx, RegisterTargetInput{PhoneNumber: "2125550100"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.Block(ctx, "2125550100", "subscriber request"); err != nil {
		t.Fatalf("block: %v", err)
	}

	view, err := svc.Target(ctx, "2125550100")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if !view.Admission.Blocked || view.Admission.BlockReason != "subscriber request" {
		t.Fatalf("expected manual block recorded, got %+v", view.Admission)
	}

	if err := svc.Unblock(ctx, "2125550100"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	view, err = svc.Target(ctx, "2125550100")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if view.Admission.Blocked {
		t.Fatal("expected block cleared")
	}
}
