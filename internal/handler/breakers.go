package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/resilience"
	"github.com/voltscope/api/pkg/response"
)

// BreakerHandler exposes circuit breaker state for operators
type BreakerHandler struct {
	breakers *resilience.BreakerSet
}

func NewBreakerHandler(breakers *resilience.BreakerSet) *BreakerHandler {
	return &BreakerHandler{breakers: breakers}
}

// List handles GET /api/admin/breakers
// @Summary      List circuit breakers
// @Tags         Admin
// @Produce      json
// @Success      200 {array} model.BreakerView
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/breakers [get]
func (h *BreakerHandler) List(c *fiber.Ctx) error {
	snaps := h.breakers.Snapshots(c.Context())
	views := make([]model.BreakerView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, breakerView(snap))
	}
	return response.OK(c, views)
}

// Reset handles POST /api/admin/breakers/:key/reset
// @Summary      Reset a circuit breaker
// @Description  Force a breaker closed after the underlying dependency has recovered.
// @Tags         Admin
// @Produce      json
// @Param        key path string true "Breaker key"
// @Success      200 {object} model.BreakerView
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/admin/breakers/{key}/reset [post]
func (h *BreakerHandler) Reset(c *fiber.Ctx) error {
	key := c.Params("key")
	breaker := h.breakers.Get(key)
	if breaker == nil {
		return response.NotFound(c, "Unknown breaker")
	}

	if err := breaker.Reset(c.Context()); err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, breakerView(breaker.Snapshot(c.Context())))
}

func breakerView(snap *resilience.BreakerSnapshot) model.BreakerView {
	view := model.BreakerView{
		Key:                 snap.Key,
		State:               snap.State,
		ConsecutiveFailures: snap.ConsecutiveFailures,
	}
	if !snap.OpenUntil.IsZero() {
		t := snap.OpenUntil
		view.OpenUntil = &t
	}
	return view
}
