package domain

import (
	"time"

	"github.com/google/uuid"
)

// RetryStatus enumerates lifecycle states of a target's retry state machine.
type RetryStatus string

const (
	RetryStatusPending     RetryStatus = "pending"
	RetryStatusRescheduled RetryStatus = "rescheduled"
	RetryStatusCompleted   RetryStatus = "completed"
	RetryStatusExhausted   RetryStatus = "exhausted"
	RetryStatusPaused      RetryStatus = "paused"
)

// Terminal reports whether automatic scheduling has ended for this status.
func (s RetryStatus) Terminal() bool {
	return s == RetryStatusCompleted || s == RetryStatusExhausted
}

// AttemptRecord captures one dispatch attempt. Immutable once recorded.
type AttemptRecord struct {
	ID         uuid.UUID     `json:"id"`
	TargetKey  string        `json:"target_key"`
	ResourceID string        `json:"resource_id"`
	StartedAt  time.Time     `json:"started_at"`
	Outcome    Outcome       `json:"outcome"`
	Duration   time.Duration `json:"duration"`
}

// RetryState is the durable per-target state machine.
//
// Invariants: Attempts < MaxAttempts while Status is pending or rescheduled;
// NextEligibleAt never decreases across successive failures.
type RetryState struct {
	Target         Target      `json:"target"`
	Attempts       int         `json:"attempts"`
	Status         RetryStatus `json:"status"`
	NextEligibleAt time.Time   `json:"next_eligible_at"`
	ScheduledFor   *time.Time  `json:"scheduled_for,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAttemptID  uuid.UUID   `json:"last_attempt_id"`
	Outcomes       []Outcome   `json:"outcomes"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Resource is an originating identity (outbound number) in the dial pool.
type Resource struct {
	ID       string `json:"id"`
	Number   string `json:"number"`
	AreaCode string `json:"area_code"`
}

// ResourceSample is one window entry of a resource's recent history.
type ResourceSample struct {
	At        time.Time `json:"at"`
	Connected bool      `json:"connected"`
}

// ResourceRecord tracks per-resource health used by the pool selector.
type ResourceRecord struct {
	Resource      Resource         `json:"resource"`
	Window        []ResourceSample `json:"window"`
	PickupRate    float64          `json:"pickup_rate"`
	Streak        int              `json:"streak"`
	TotalAttempts int64            `json:"total_attempts"`
	LastUsedAt    time.Time        `json:"last_used_at"`
	CooldownUntil time.Time        `json:"cooldown_until"`
}

// OnCooldown reports whether the resource is excluded from selection at t.
func (r ResourceRecord) OnCooldown(t time.Time) bool {
	return !r.CooldownUntil.IsZero() && t.Before(r.CooldownUntil)
}

// AffinityRecord remembers the last resource that reached a target; it only
// biases selection, never gates admission.
type AffinityRecord struct {
	TargetKey  string    `json:"target_key"`
	ResourceID string    `json:"resource_id"`
	Calls      int       `json:"calls"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// AdmissionRecord is the per-target, rolling-daily admission ledger.
type AdmissionRecord struct {
	TargetKey       string      `json:"target_key"`
	Day             string      `json:"day"`
	AttemptIDs      []uuid.UUID `json:"attempt_ids"`
	ActiveAttemptID uuid.UUID   `json:"active_attempt_id"`
	ActiveSince     time.Time   `json:"active_since"`
	HoldUntil       time.Time   `json:"hold_until"`
	StickyOutcome   Outcome     `json:"sticky_outcome,omitempty"`
	LastOutcome     Outcome     `json:"last_outcome,omitempty"`
	Blocked         bool        `json:"blocked"`
	BlockReason     string      `json:"block_reason,omitempty"`
}

// DayKey formats t in loc as a rolling-day bucket key.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
