package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/admission"
	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/pool"
	"github.com/acme/outbound-dialer/internal/retry"
	"github.com/acme/outbound-dialer/internal/state"
	"github.com/acme/outbound-dialer/internal/telephony"
	"github.com/acme/outbound-dialer/internal/throttle"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Config governs the dispatch loop.
type Config struct {
	TickInterval  time.Duration
	MaxBatchSize  int
	BlockedDefer  time.Duration
	FlushInterval time.Duration
	SweepInterval time.Duration
}

// Dispatcher drives the scheduling core: each tick drains the due queue
// through the admission guard, resource selector and throughput gate, then
// hands admitted attempts to the telephony initiator. Outcomes flow back in
// through HandleOutcome.
type Dispatcher struct {
	cfg       Config
	scheduler *retry.Scheduler
	guard     *admission.Guard
	selector  *pool.Selector
	gate      *throttle.Limiter
	initiator telephony.Initiator
	store     state.Store
	history   state.AttemptHistory
	locker    TickLocker
	log       *logger.Logger

	targets *keyedMutex
	flushCh chan struct{}

	now func() time.Time
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Scheduler *retry.Scheduler
	Guard     *admission.Guard
	Selector  *pool.Selector
	Gate      *throttle.Limiter
	Initiator telephony.Initiator
	Store     state.Store
	History   state.AttemptHistory
	Locker    TickLocker
}

// New constructs a dispatcher.
func New(cfg Config, deps Deps, log *logger.Logger) (*Dispatcher, error) {
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("dispatcher: tick interval must be positive")
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	history := deps.History
	if history == nil {
		history = state.NopHistory{}
	}
	return &Dispatcher{
		cfg:       cfg,
		scheduler: deps.Scheduler,
		guard:     deps.Guard,
		selector:  deps.Selector,
		gate:      deps.Gate,
		initiator: deps.Initiator,
		store:     deps.Store,
		history:   history,
		locker:    deps.Locker,
		log:       log.Named("dispatcher"),
		targets:   newKeyedMutex(),
		flushCh:   make(chan struct{}, 1),
		now:       time.Now,
	}, nil
}

// Restore loads the last snapshot into the in-memory components. Call before
// Run; attempts that were in flight at crash time come back unlocked.
func (d *Dispatcher) Restore(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	snap, err := d.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: restore: %w", err)
	}
	d.scheduler.Restore(snap.RetryStates)
	d.selector.Restore(snap.Resources, snap.Affinities)
	d.guard.Restore(snap.Admissions)
	d.log.Info("state restored",
		zap.Int("retry_states", len(snap.RetryStates)),
		zap.Int("resources", len(snap.Resources)),
		zap.Time("saved_at", snap.SavedAt))
	return nil
}

// Run executes the dispatch loop until cancelled. A final flush runs on the
// way out.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	var flushC <-chan time.Time
	if d.store != nil && d.cfg.FlushInterval > 0 {
		flushTicker := time.NewTicker(d.cfg.FlushInterval)
		defer flushTicker.Stop()
		flushC = flushTicker.C
	}

	sweepTicker := time.NewTicker(d.cfg.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := d.Flush(flushCtx); err != nil {
				d.log.Error("final flush failed", zap.Error(err))
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if err := d.tick(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("tick failed", zap.Error(err))
			}
		case <-flushC:
			if err := d.Flush(ctx); err != nil {
				d.log.Error("flush failed", zap.Error(err))
			}
		case <-d.flushCh:
			if err := d.Flush(ctx); err != nil {
				d.log.Error("flush failed", zap.Error(err))
			}
		case <-sweepTicker.C:
			removed := d.scheduler.Sweep(d.now())
			if removed > 0 {
				d.log.Info("swept terminal states", zap.Int("removed", removed))
			}
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) error {
	if d.locker != nil {
		held, err := d.locker.TryLock(ctx)
		if err != nil {
			return err
		}
		if !held {
			d.log.Debug("tick skipped, another instance leads")
			return nil
		}
		defer func() {
			if err := d.locker.Unlock(ctx); err != nil {
				d.log.Warn("tick lock release failed", zap.Error(err))
			}
		}()
	}

	tracer := otel.Tracer("dialer.dispatcher")
	sctx, span := tracer.Start(ctx, "dispatcher.tick")
	defer span.End()

	now := d.now()
	batch := d.scheduler.Due(now, d.cfg.MaxBatchSize)
	span.SetAttributes(attribute.Int("batch.size", len(batch)))
	if len(batch) == 0 {
		return nil
	}
	d.log.Debug("tick started", zap.Int("due", len(batch)))

	dispatched := 0
	for _, st := range batch {
		if err := sctx.Err(); err != nil {
			return err
		}
		ok, err := d.dispatchOne(sctx, tracer, st.Target)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrPoolEmpty) {
				span.RecordError(err)
				d.log.Warn("resource pool exhausted, ending tick early")
				break
			}
			return err
		}
		if ok {
			dispatched++
		}
	}

	span.SetAttributes(attribute.Int("batch.dispatched", dispatched))
	d.log.Info("tick finished", zap.Int("due", len(batch)), zap.Int("dispatched", dispatched))
	return nil
}

// dispatchOne runs one target through the admission pipeline. It reports
// whether an attempt was actually started; errors other than pool exhaustion
// abort the tick.
func (d *Dispatcher) dispatchOne(ctx context.Context, tracer trace.Tracer, target domain.Target) (bool, error) {
	actx, span := tracer.Start(ctx, "dispatcher.attempt", trace.WithAttributes(
		attribute.String("target.key", target.Key),
	))
	defer span.End()

	now := d.now()
	// Earlier targets in the batch may have held the gate long enough for
	// this one's state to change.
	if _, still := d.scheduler.StillDue(target.Key, now); !still {
		span.SetAttributes(attribute.Bool("stale", true))
		return false, nil
	}

	decision := d.guard.Check(target)
	switch decision.Verdict {
	case admission.VerdictBlock:
		span.SetAttributes(attribute.String("verdict", "block"), attribute.String("reason", decision.Reason))
		d.scheduler.Defer(target.Key, now.Add(d.cfg.BlockedDefer))
		d.log.Debug("attempt blocked",
			zap.String("target_key", target.Key),
			zap.String("reason", decision.Reason))
		return false, nil
	case admission.VerdictQueue:
		span.SetAttributes(attribute.String("verdict", "queue"))
		d.scheduler.Defer(target.Key, now.Add(d.cfg.TickInterval))
		return false, nil
	}

	resource, err := d.selector.Select(target.Key)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.String("resource.id", resource.ID))

	waited, err := d.gate.Acquire(actx, target.Key)
	if err != nil {
		return false, err
	}
	if waited > 0 {
		span.SetAttributes(attribute.Int64("gate.waited_ms", waited.Milliseconds()))
		// The gate may have slept; the world can have moved on.
		if _, still := d.scheduler.StillDue(target.Key, d.now()); !still {
			span.SetAttributes(attribute.Bool("stale", true))
			return false, nil
		}
	}

	attemptID, err := d.initiator.Start(actx, target, resource)
	if err != nil {
		span.RecordError(err)
		d.log.Error("initiate attempt failed",
			zap.String("target_key", target.Key),
			zap.String("resource_id", resource.ID),
			zap.Error(err))
		d.scheduler.Defer(target.Key, d.now().Add(d.cfg.TickInterval))
		return false, nil
	}

	d.guard.RecordStart(target, attemptID)
	span.SetAttributes(attribute.String("attempt.id", attemptID.String()))
	d.log.Info("attempt started",
		zap.String("target_key", target.Key),
		zap.String("resource_id", resource.ID),
		zap.String("attempt_id", attemptID.String()))
	return true, nil
}

// HandleOutcome applies one attempt outcome to every component. Outcomes for
// the same target are serialized; unknown targets are dropped with a warning
// so a poisoned event cannot wedge the consumer. Redelivered events merge in
// the scheduler and go no further: fanning a duplicate out to the selector
// would double-count the attempt in the resource's health window.
func (d *Dispatcher) HandleOutcome(ctx context.Context, evt domain.OutcomeEvent) error {
	d.targets.Lock(evt.TargetKey)
	defer d.targets.Unlock(evt.TargetKey)

	st, applied, err := d.scheduler.RecordOutcome(evt)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			d.log.Warn("outcome for unknown target dropped",
				zap.String("target_key", evt.TargetKey),
				zap.String("outcome", string(evt.Outcome)))
			return nil
		}
		return err
	}
	if !applied {
		d.log.Debug("duplicate outcome delivery ignored",
			zap.String("target_key", evt.TargetKey),
			zap.String("attempt_id", evt.AttemptID.String()))
		return nil
	}

	d.selector.RecordOutcome(evt.ResourceID, evt.TargetKey, evt.Outcome)
	d.guard.RecordTerminal(st.Target, evt.AttemptID, evt.Outcome)

	record := domain.AttemptRecord{
		ID:         evt.AttemptID,
		TargetKey:  evt.TargetKey,
		ResourceID: evt.ResourceID,
		StartedAt:  evt.OccurredAt.Add(-evt.Duration),
		Outcome:    evt.Outcome,
		Duration:   evt.Duration,
	}
	if err := d.history.Append(ctx, record); err != nil {
		d.log.Error("append attempt history", zap.Error(err))
	}

	d.log.Info("outcome applied",
		zap.String("target_key", evt.TargetKey),
		zap.String("outcome", string(evt.Outcome)),
		zap.Int("attempts", st.Attempts),
		zap.String("status", string(st.Status)))

	// Terminal transitions and connects are too valuable to lose to a crash
	// between periodic flushes.
	if st.Status.Terminal() || evt.Outcome.Connected() {
		d.requestFlush()
	}
	return nil
}

func (d *Dispatcher) requestFlush() {
	select {
	case d.flushCh <- struct{}{}:
	default:
	}
}

// Flush persists the current in-memory state.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	resources, affinities := d.selector.Snapshot()
	snap := &state.Snapshot{
		RetryStates: d.scheduler.Snapshot(),
		Resources:   resources,
		Affinities:  affinities,
		Admissions:  d.guard.Snapshot(),
		SavedAt:     d.now(),
	}
	if err := d.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("dispatcher: flush: %w", err)
	}
	return nil
}
