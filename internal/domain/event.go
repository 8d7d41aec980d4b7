package domain

import (
	"time"

	"github.com/google/uuid"
)

// OutcomeEvent is the asynchronous terminal report for one dial attempt,
// delivered by the outcome source and fanned out by the dispatcher. Events
// may be delivered more than once; consumers must treat the attempt id as an
// idempotency key.
type OutcomeEvent struct {
	AttemptID    uuid.UUID
	TargetKey    string
	ResourceID   string
	Outcome      Outcome
	CallbackTime *time.Time
	Duration     time.Duration
	OccurredAt   time.Time
}
