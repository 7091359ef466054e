package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/service"
	"github.com/voltscope/api/pkg/response"
)

// SystemHandler manages registered battery installations
type SystemHandler struct {
	service   *service.SystemService
	validator *validator.Validate
}

func NewSystemHandler(svc *service.SystemService, v *validator.Validate) *SystemHandler {
	return &SystemHandler{
		service:   svc,
		validator: v,
	}
}

// Register handles POST /api/systems
// @Summary      Register system
// @Description  Register a battery installation. Re-registering the same device id updates it in place.
// @Tags         Systems
// @Accept       json
// @Produce      json
// @Param        request body model.RegisterSystemRequest true "System details"
// @Success      201 {object} model.System
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/systems [post]
func (h *SystemHandler) Register(c *fiber.Ctx) error {
	var req model.RegisterSystemRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	sys, err := h.service.Register(c.Context(), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Created(c, sys)
}

// List handles GET /api/systems
// @Summary      List systems
// @Tags         Systems
// @Produce      json
// @Success      200 {array} model.System
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/systems [get]
func (h *SystemHandler) List(c *fiber.Ctx) error {
	systems, err := h.service.List(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, systems)
}
