package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/app"
	dialersvc "github.com/acme/outbound-dialer/internal/service/dialer"
)

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	container *app.Container
	dialer    *dialersvc.Service
	sink      app.OutcomeSink
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(ctx context.Context, container *app.Container) (*HandlerSet, error) {
	services, err := container.Services(ctx)
	if err != nil {
		return nil, err
	}
	core, err := container.Core(ctx)
	if err != nil {
		return nil, err
	}
	return &HandlerSet{
		container: container,
		dialer:    services.Dialer,
		sink:      core.Sink,
	}, nil
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	targets := v1.Group("/targets")
	targets.Post("/", h.registerTarget)
	targets.Get("/:key", h.getTarget)
	targets.Get("/:key/attempts", h.targetAttempts)
	targets.Get("/:key/eligibility", h.targetEligibility)
	targets.Post("/:key/pause", h.pauseTarget)
	targets.Post("/:key/resume", h.resumeTarget)
	targets.Post("/:key/block", h.blockTarget)
	targets.Post("/:key/unblock", h.unblockTarget)

	v1.Get("/pool", h.poolStats)

	app.Post("/webhooks/outcome", h.outcomeWebhook)
}

// RegisterRelay wires only the webhook intake routes; used by the relay
// binary, which bridges provider callbacks to the outcome topic.
func (h *HandlerSet) RegisterRelay(app *fiber.App) {
	app.Get("/healthz", h.health)
	app.Post("/webhooks/outcome", h.outcomeWebhook)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.container.Logger.Error("request failed", zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.Context(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)

	if h.container.Postgres != nil {
		if err := h.container.Postgres.DB().PingContext(healthCtx); err != nil {
			errs["postgres"] = err.Error()
		}
	}
	if h.container.Redis != nil {
		if err := h.container.Redis.Inner().Ping(healthCtx).Err(); err != nil {
			errs["redis"] = err.Error()
		}
	}
	if h.container.Scylla != nil {
		if err := h.container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(healthCtx).Exec(); err != nil {
			errs["scylla"] = err.Error()
		}
	}

	status := fiber.StatusOK
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
	}

	return ctx.Status(status).JSON(fiber.Map{"status": "ok", "errors": errs})
}
