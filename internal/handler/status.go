package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/service"
	"github.com/voltscope/api/pkg/response"
)

// StatusHandler serves job status polls
type StatusHandler struct {
	service   *service.StatusService
	validator *validator.Validate
}

func NewStatusHandler(svc *service.StatusService, v *validator.Validate) *StatusHandler {
	return &StatusHandler{
		service:   svc,
		validator: v,
	}
}

// Batch handles POST /api/jobs/status
// @Summary      Batch job status
// @Description  Resolve the status of up to 100 jobs in one call. Unknown ids yield not_found entries.
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.JobStatusRequest true "Job ids"
// @Success      200 {object} model.JobStatusResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/status [post]
func (h *StatusHandler) Batch(c *fiber.Ctx) error {
	var req model.JobStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Statuses(c.Context(), req.IDs)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Get handles GET /api/jobs/:jobId
// @Summary      Single job status
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusView
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *StatusHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	view, err := h.service.Status(c.Context(), jobID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, view)
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
