package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/voltscope/api/internal/service"
	"github.com/voltscope/api/internal/store"
	"github.com/voltscope/api/pkg/response"
)

// RecordHandler serves completed analysis records
type RecordHandler struct {
	service *service.AnalysisService
}

func NewRecordHandler(svc *service.AnalysisService) *RecordHandler {
	return &RecordHandler{service: svc}
}

// Get handles GET /api/records/:recordId
// @Summary      Get analysis record
// @Description  Fetch one completed analysis, with a signed URL for the archived snapshot when available.
// @Tags         Records
// @Produce      json
// @Param        recordId path string true "Record ID"
// @Success      200 {object} service.RecordView
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/records/{recordId} [get]
func (h *RecordHandler) Get(c *fiber.Ctx) error {
	recordID := c.Params("recordId")
	if recordID == "" {
		return response.ValidationError(c, "Record ID is required", nil)
	}

	view, err := h.service.GetRecord(c.Context(), recordID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return response.NotFound(c, "Record not found")
	}
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, view)
}
