package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/loopforge/exporter/internal/middleware"
	"github.com/loopforge/exporter/internal/model"
	"github.com/loopforge/exporter/internal/service"
	"github.com/loopforge/exporter/pkg/logger"
	"github.com/loopforge/exporter/pkg/response"
)

type ExportHandler struct {
	service *service.ExportService
	log     *logger.Logger
}

func NewExportHandler(svc *service.ExportService, log *logger.Logger) *ExportHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &ExportHandler{
		service: svc,
		log:     log.WithComponent("export-handler"),
	}
}

// Submit handles POST /api/exports
// @Summary      Submit video export
// @Description  Queue a render-and-encode job for a fragment shader
// @Tags         Export
// @Accept       json
// @Produce      json
// @Param        request body model.ExportRequest true "Export request"
// @Success      202 {object} model.SubmitResult
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/exports [post]
func (h *ExportHandler) Submit(c *fiber.Ctx) error {
	var req model.ExportRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	result, err := h.service.Submit(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return h.submitError(c, result, err)
	}

	return response.Accepted(c, result)
}

// Batch handles POST /api/exports/batch
// @Summary      Submit batch export
// @Description  Queue one export job per artwork with shared encode settings
// @Tags         Export
// @Accept       json
// @Produce      json
// @Param        request body model.BatchExportRequest true "Batch export request"
// @Success      202 {object} model.BatchExportResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/exports/batch [post]
func (h *ExportHandler) Batch(c *fiber.Ctx) error {
	var req model.BatchExportRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	result, err := h.service.SubmitBatch(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return h.submitError(c, nil, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/exports/status/:jobId and GET /status/:jobId
// @Summary      Get export status
// @Description  Poll the status of an export job
// @Tags         Export
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.StatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Router       /status/{jobId} [get]
func (h *ExportHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Status(c.UserContext(), jobID, middleware.GetUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		h.log.Error("status lookup failed", "job_id", jobID, "error", err)
		return response.ServiceError(c, "Failed to load job")
	}

	return response.OK(c, result)
}

func (h *ExportHandler) submitError(c *fiber.Ctx, result *model.SubmitResult, err error) error {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	case errors.Is(err, service.ErrQueueUnavailable):
		details := fiber.Map{}
		if result != nil {
			details["jobId"] = result.JobID
		}
		return response.QueueUnavailable(c, details)
	default:
		h.log.Error("submit failed", "error", err)
		return response.ServiceError(c, "Failed to create export job")
	}
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
