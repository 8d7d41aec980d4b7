package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

type resourceStatsResponse struct {
	ID            string     `json:"id"`
	Number        string     `json:"number"`
	AreaCode      string     `json:"area_code,omitempty"`
	PickupRate    float64    `json:"pickup_rate"`
	Streak        int        `json:"streak"`
	TotalAttempts int64      `json:"total_attempts"`
	WindowSize    int        `json:"window_size"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

type poolStatsResponse struct {
	Resources []resourceStatsResponse `json:"resources"`
}

func (h *HandlerSet) poolStats(ctx *fiber.Ctx) error {
	records := h.dialer.PoolStats(ctx.Context())

	resp := poolStatsResponse{Resources: make([]resourceStatsResponse, 0, len(records))}
	for _, rec := range records {
		item := resourceStatsResponse{
			ID:            rec.Resource.ID,
			Number:        rec.Resource.Number,
			AreaCode:      rec.Resource.AreaCode,
			PickupRate:    rec.PickupRate,
			Streak:        rec.Streak,
			TotalAttempts: rec.TotalAttempts,
			WindowSize:    len(rec.Window),
		}
		if !rec.LastUsedAt.IsZero() {
			t := rec.LastUsedAt
			item.LastUsedAt = &t
		}
		if !rec.CooldownUntil.IsZero() {
			t := rec.CooldownUntil
			item.CooldownUntil = &t
		}
		resp.Resources = append(resp.Resources, item)
	}

	return ctx.JSON(resp)
}
