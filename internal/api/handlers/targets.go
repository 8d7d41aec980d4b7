package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-dialer/internal/domain"
	dialersvc "github.com/acme/outbound-dialer/internal/service/dialer"
)

type registerTargetRequest struct {
	PhoneNumber string    `json:"phone_number"`
	LeadID      uuid.UUID `json:"lead_id"`
	Name        string    `json:"name"`
	Locale      string    `json:"locale"`
	TimeZone    string    `json:"time_zone"`
}

type blockTargetRequest struct {
	Reason string `json:"reason"`
}

type admissionResponse struct {
	Day           string           `json:"day"`
	AttemptsToday int              `json:"attempts_today"`
	ActiveAttempt string           `json:"active_attempt,omitempty"`
	Blocked       bool             `json:"blocked"`
	BlockReason   string           `json:"block_reason,omitempty"`
	LastOutcome   domain.Outcome   `json:"last_outcome,omitempty"`
	StickyOutcome domain.Outcome   `json:"sticky_outcome,omitempty"`
}

type targetResponse struct {
	Key            string             `json:"key"`
	LeadID         uuid.UUID          `json:"lead_id"`
	Name           string             `json:"name,omitempty"`
	Locale         string             `json:"locale,omitempty"`
	TimeZone       string             `json:"time_zone,omitempty"`
	Attempts       int                `json:"attempts"`
	Status         domain.RetryStatus `json:"status"`
	NextEligibleAt time.Time          `json:"next_eligible_at"`
	ScheduledFor   *time.Time         `json:"scheduled_for,omitempty"`
	Outcomes       []domain.Outcome   `json:"outcomes"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Admission      *admissionResponse `json:"admission,omitempty"`
}

func newTargetResponse(state domain.RetryState, admission *domain.AdmissionRecord) targetResponse {
	resp := targetResponse{
		Key:            state.Target.Key,
		LeadID:         state.Target.LeadID,
		Name:           state.Target.Name,
		Locale:         state.Target.Locale,
		TimeZone:       state.Target.TimeZone,
		Attempts:       state.Attempts,
		Status:         state.Status,
		NextEligibleAt: state.NextEligibleAt,
		ScheduledFor:   state.ScheduledFor,
		Outcomes:       state.Outcomes,
		CreatedAt:      state.CreatedAt,
		UpdatedAt:      state.UpdatedAt,
	}
	if admission != nil {
		ar := admissionResponse{
			Day:           admission.Day,
			AttemptsToday: len(admission.AttemptIDs),
			Blocked:       admission.Blocked,
			BlockReason:   admission.BlockReason,
			LastOutcome:   admission.LastOutcome,
			StickyOutcome: admission.StickyOutcome,
		}
		if admission.ActiveAttemptID != uuid.Nil {
			ar.ActiveAttempt = admission.ActiveAttemptID.String()
		}
		resp.Admission = &ar
	}
	return resp
}

func (h *HandlerSet) registerTarget(ctx *fiber.Ctx) error {
	var req registerTargetRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.PhoneNumber == "" {
		return fiber.NewError(http.StatusBadRequest, "phone_number is required")
	}

	state, err := h.dialer.RegisterTarget(ctx.Context(), dialersvc.RegisterTargetInput{
		PhoneNumber: req.PhoneNumber,
		LeadID:      req.LeadID,
		Name:        req.Name,
		Locale:      req.Locale,
		TimeZone:    req.TimeZone,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(newTargetResponse(state, nil))
}

func (h *HandlerSet) getTarget(ctx *fiber.Ctx) error {
	view, err := h.dialer.Target(ctx.Context(), ctx.Params("key"))
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(newTargetResponse(view.State, &view.Admission))
}

type attemptResponse struct {
	ID         uuid.UUID      `json:"id"`
	ResourceID string         `json:"resource_id"`
	StartedAt  time.Time      `json:"started_at"`
	Outcome    domain.Outcome `json:"outcome"`
	DurationMs int64          `json:"duration_ms"`
}

func (h *HandlerSet) targetAttempts(ctx *fiber.Ctx) error {
	at := time.Now()
	if day := ctx.Query("day"); day != "" {
		parsed, err := time.Parse("2006-01-02", day)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "day must be YYYY-MM-DD")
		}
		at = parsed
	}

	records, err := h.dialer.Attempts(ctx.Context(), ctx.Params("key"), at)
	if err != nil {
		return translateError(err)
	}

	out := make([]attemptResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, attemptResponse{
			ID:         rec.ID,
			ResourceID: rec.ResourceID,
			StartedAt:  rec.StartedAt,
			Outcome:    rec.Outcome,
			DurationMs: rec.Duration.Milliseconds(),
		})
	}
	return ctx.JSON(out)
}

func (h *HandlerSet) targetEligibility(ctx *fiber.Ctx) error {
	if err := h.dialer.CheckDial(ctx.Context(), ctx.Params("key")); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) pauseTarget(ctx *fiber.Ctx) error {
	if err := h.dialer.Pause(ctx.Context(), ctx.Params("key")); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) resumeTarget(ctx *fiber.Ctx) error {
	if err := h.dialer.Resume(ctx.Context(), ctx.Params("key")); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) blockTarget(ctx *fiber.Ctx) error {
	var req blockTargetRequest
	if err := ctx.BodyParser(&req); err != nil && len(ctx.Body()) > 0 {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.dialer.Block(ctx.Context(), ctx.Params("key"), req.Reason); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) unblockTarget(ctx *fiber.Ctx) error {
	if err := h.dialer.Unblock(ctx.Context(), ctx.Params("key")); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}
