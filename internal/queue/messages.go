package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
)

// OutcomeMessage is the wire form of a completed attempt's result, produced
// by the telephony provider (or the webhook relay) and consumed by the
// scheduling core.
type OutcomeMessage struct {
	AttemptID    uuid.UUID  `json:"attempt_id"`
	TargetKey    string     `json:"target_key"`
	ResourceID   string     `json:"resource_id"`
	Outcome      string     `json:"outcome"`
	CallbackTime *time.Time `json:"callback_time,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// Event converts the message to its domain form.
func (m OutcomeMessage) Event() domain.OutcomeEvent {
	return domain.OutcomeEvent{
		AttemptID:    m.AttemptID,
		TargetKey:    m.TargetKey,
		ResourceID:   m.ResourceID,
		Outcome:      domain.Outcome(m.Outcome),
		CallbackTime: m.CallbackTime,
		Duration:     time.Duration(m.DurationMs) * time.Millisecond,
		OccurredAt:   m.OccurredAt,
	}
}

// NewOutcomeMessage converts a domain event to its wire form.
func NewOutcomeMessage(evt domain.OutcomeEvent) OutcomeMessage {
	return OutcomeMessage{
		AttemptID:    evt.AttemptID,
		TargetKey:    evt.TargetKey,
		ResourceID:   evt.ResourceID,
		Outcome:      string(evt.Outcome),
		CallbackTime: evt.CallbackTime,
		DurationMs:   int64(evt.Duration / time.Millisecond),
		OccurredAt:   evt.OccurredAt,
	}
}
