package admission

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Verdict is the admission decision for a candidate attempt.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictBlock Verdict = "block"
	VerdictQueue Verdict = "queue"
)

// Decision pairs a verdict with the rule that produced it.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Config holds the admission rules.
type Config struct {
	PerDayCap       int
	DedupWindow     time.Duration
	TransferHold    time.Duration
	NeverRecontact  map[domain.Outcome]struct{}
	RetryVoicemail  bool
	RetryNoAnswer   bool
	DefaultLocation *time.Location
}

// Guard decides whether a target may be dialed right now. It owns one
// AdmissionRecord per target per rolling day (in the target's time zone) and
// is the only component allowed to mutate those records.
type Guard struct {
	mu          sync.Mutex
	cfg         Config
	records     map[string]*domain.AdmissionRecord
	lastAllowed map[string]time.Time
	lastPrune   time.Time
	log         *logger.Logger
	now         func() time.Time
}

// NewGuard constructs an admission guard.
func NewGuard(cfg Config, log *logger.Logger) *Guard {
	if cfg.DefaultLocation == nil {
		cfg.DefaultLocation = time.UTC
	}
	return &Guard{
		cfg:         cfg,
		records:     make(map[string]*domain.AdmissionRecord),
		lastAllowed: make(map[string]time.Time),
		log:         log,
		now:         time.Now,
	}
}

// Check runs the admission ladder, in order: manual block, same-day sticky
// permanent failure, outstanding attempt, daily ceiling, dedup window,
// never-recontact outcome rules. Anything else is allowed and stamps the
// dedup window.
func (g *Guard) Check(target domain.Target) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneDedupLocked(now)
	d := g.checkLocked(g.recordLocked(target, now), target.Key, now)
	if d.Verdict == VerdictAllow {
		g.lastAllowed[target.Key] = now
	}
	return d
}

// Inspect runs the admission ladder without stamping the dedup window, so an
// eligibility lookup cannot block the dispatch that follows it.
func (g *Guard) Inspect(target domain.Target) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	return g.checkLocked(g.recordLocked(target, now), target.Key, now)
}

func (g *Guard) checkLocked(rec *domain.AdmissionRecord, key string, now time.Time) Decision {
	if rec.Blocked {
		return Decision{Verdict: VerdictBlock, Reason: "manually blocked: " + rec.BlockReason}
	}

	if rec.StickyOutcome != "" {
		return Decision{Verdict: VerdictBlock, Reason: "permanent failure today: " + string(rec.StickyOutcome)}
	}

	if rec.ActiveAttemptID != uuid.Nil {
		if !rec.HoldUntil.IsZero() && !now.Before(rec.HoldUntil) {
			// Transfer hold expired without a superseding attempt.
			rec.ActiveAttemptID = uuid.Nil
			rec.HoldUntil = time.Time{}
		} else {
			return Decision{Verdict: VerdictQueue, Reason: "attempt in flight"}
		}
	}

	if g.cfg.PerDayCap > 0 && len(rec.AttemptIDs) >= g.cfg.PerDayCap {
		return Decision{Verdict: VerdictBlock, Reason: "daily attempt ceiling reached"}
	}

	if g.cfg.DedupWindow > 0 {
		if last, ok := g.lastAllowed[key]; ok && now.Sub(last) < g.cfg.DedupWindow {
			return Decision{Verdict: VerdictBlock, Reason: "duplicate request inside dedup window"}
		}
	}

	if rec.LastOutcome != "" {
		if _, never := g.cfg.NeverRecontact[rec.LastOutcome]; never {
			return Decision{Verdict: VerdictBlock, Reason: "never-recontact outcome: " + string(rec.LastOutcome)}
		}
		if rec.LastOutcome == domain.OutcomeVoicemail && !g.cfg.RetryVoicemail {
			return Decision{Verdict: VerdictBlock, Reason: "voicemail re-contact disabled"}
		}
		if rec.LastOutcome == domain.OutcomeNoAnswer && !g.cfg.RetryNoAnswer {
			return Decision{Verdict: VerdictBlock, Reason: "no-answer re-contact disabled"}
		}
	}

	return Decision{Verdict: VerdictAllow}
}

// pruneDedupLocked drops dedup stamps past their window, bounding the map.
// Runs at most once per window.
func (g *Guard) pruneDedupLocked(now time.Time) {
	if g.cfg.DedupWindow <= 0 || now.Sub(g.lastPrune) < g.cfg.DedupWindow {
		return
	}
	for key, at := range g.lastAllowed {
		if now.Sub(at) >= g.cfg.DedupWindow {
			delete(g.lastAllowed, key)
		}
	}
	g.lastPrune = now
}

// RecordStart marks an attempt as outstanding for the target.
func (g *Guard) RecordStart(target domain.Target, attemptID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec := g.recordLocked(target, now)
	rec.ActiveAttemptID = attemptID
	rec.ActiveSince = now
	rec.HoldUntil = time.Time{}
	rec.AttemptIDs = append(rec.AttemptIDs, attemptID)
}

// RecordTerminal applies an attempt's terminal outcome. Transfer-class
// outcomes keep the active lock alive for the configured hold window because
// a downstream human may still be engaged with the subscriber; the lock
// self-clears on the next Check after the window unless superseded.
func (g *Guard) RecordTerminal(target domain.Target, attemptID uuid.UUID, outcome domain.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec := g.recordLocked(target, now)
	rec.LastOutcome = outcome
	if outcome.Permanent() {
		rec.StickyOutcome = outcome
	}

	if rec.ActiveAttemptID != attemptID {
		// A newer attempt superseded this one; leave its lock alone.
		return
	}
	if outcome.Transfer() && g.cfg.TransferHold > 0 {
		rec.HoldUntil = now.Add(g.cfg.TransferHold)
		return
	}
	rec.ActiveAttemptID = uuid.Nil
	rec.HoldUntil = time.Time{}
}

// Block sets the manual block flag for the target's current day record.
func (g *Guard) Block(target domain.Target, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.recordLocked(target, g.now())
	rec.Blocked = true
	rec.BlockReason = reason
	g.log.Info("admission: target manually blocked",
		zap.String("target_key", target.Key), zap.String("reason", reason))
}

// Unblock clears the manual block flag.
func (g *Guard) Unblock(target domain.Target) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.recordLocked(target, g.now())
	rec.Blocked = false
	rec.BlockReason = ""
}

// Record returns a copy of the target's current admission record.
func (g *Guard) Record(target domain.Target) domain.AdmissionRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.recordLocked(target, g.now())
	out := *rec
	out.AttemptIDs = append([]uuid.UUID(nil), rec.AttemptIDs...)
	return out
}

// recordLocked fetches the target's record, rotating it at the day boundary.
// The last observed outcome carries across rotation; sticky flags, counters
// and manual blocks do not.
func (g *Guard) recordLocked(target domain.Target, now time.Time) *domain.AdmissionRecord {
	day := domain.DayKey(now, target.Location(g.cfg.DefaultLocation))
	rec, ok := g.records[target.Key]
	if ok && rec.Day == day {
		return rec
	}

	fresh := &domain.AdmissionRecord{TargetKey: target.Key, Day: day}
	if ok {
		fresh.LastOutcome = rec.LastOutcome
	}
	g.records[target.Key] = fresh
	return fresh
}

// Snapshot exports admission records for persistence.
func (g *Guard) Snapshot() []domain.AdmissionRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]domain.AdmissionRecord, 0, len(g.records))
	for _, rec := range g.records {
		cp := *rec
		cp.AttemptIDs = append([]uuid.UUID(nil), rec.AttemptIDs...)
		out = append(out, cp)
	}
	return out
}

// Restore loads persisted records. Outstanding attempt locks are cleared:
// after a restart no previously dispatched attempt is still in flight from
// this process, and the outcome path re-establishes state regardless.
func (g *Guard) Restore(records []domain.AdmissionRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, saved := range records {
		cp := saved
		cp.ActiveAttemptID = uuid.Nil
		cp.HoldUntil = time.Time{}
		g.records[saved.TargetKey] = &cp
	}
}
