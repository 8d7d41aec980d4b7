package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
)

type outcomeWebhookRequest struct {
	AttemptID    uuid.UUID  `json:"attempt_id"`
	PhoneNumber  string     `json:"phone_number"`
	ResourceID   string     `json:"resource_id"`
	Outcome      string     `json:"outcome"`
	CallbackTime *time.Time `json:"callback_time,omitempty"`
	DurationMs   int64      `json:"duration_ms"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// outcomeWebhook accepts provider callbacks and forwards them to the outcome
// topic. Validation here is minimal shape checking; semantic handling
// belongs to the consumer.
func (h *HandlerSet) outcomeWebhook(ctx *fiber.Ctx) error {
	var req outcomeWebhookRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.Outcome == "" {
		return fiber.NewError(http.StatusBadRequest, "outcome is required")
	}

	key, err := domain.NormalizeNumber(req.PhoneNumber)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid phone_number")
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	evt := domain.OutcomeEvent{
		AttemptID:    req.AttemptID,
		TargetKey:    key,
		ResourceID:   req.ResourceID,
		Outcome:      domain.Outcome(req.Outcome),
		CallbackTime: req.CallbackTime,
		Duration:     time.Duration(req.DurationMs) * time.Millisecond,
		OccurredAt:   occurredAt,
	}

	if err := h.sink.Publish(ctx.Context(), evt); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusAccepted)
}
