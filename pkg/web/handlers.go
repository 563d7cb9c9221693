// Package web provides the HTTP handlers for the runner's REST API.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/services"
)

// FeedResolver lazily resolves the event feed. The runner backs it with a
// deferred feature, so the feed only starts recording once somebody asks.
type FeedResolver func(ctx context.Context) (*services.Feed, error)

type APIHandlers struct {
	instances  *services.Instance
	operations *services.Operation
	runtime    *services.Runtime
	feed       FeedResolver
	validator  *validator.Validate
}

func NewAPIHandlers(
	instances *services.Instance,
	operations *services.Operation,
	runtime *services.Runtime,
	feed FeedResolver,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		instances:  instances,
		operations: operations,
		runtime:    runtime,
		feed:       feed,
		validator:  validator,
	}
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	req, err := h.parseListWorkflowsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.instances.List(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"instances":     result.Instances,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

// parseListWorkflowsRequest parses and validates query parameters for
// listing workflow instances.
func (h *APIHandlers) parseListWorkflowsRequest(c fiber.Ctx) (*services.ListInstancesRequest, error) {
	req := &services.ListInstancesRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	req.EntityKey = c.Query("entity_key")

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.WorkflowStatus(statusStr)
		req.Status = &status
	}

	req.SortBy = c.Query("sort_by")
	req.SortOrder = c.Query("sort_order")

	return req, nil
}

func (h *APIHandlers) StartWorkflow(c fiber.Ctx) error {
	var req StartInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.instances.Start(c.Context(), req.EntityKey, req.InstanceID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	instance, err := h.instances.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) AdvanceWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	instance, err := h.instances.Advance(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) ReportProgress(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var req ProgressRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.instances.UpdateProgress(c.Context(), id, req.Percent, req.Message); err != nil {
		return handleServiceError(c, err)
	}

	instance, err := h.instances.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	if err := h.instances.Cancel(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	instance, err := h.instances.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) RollbackWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	// An empty body rolls back to the first step.
	var req RollbackRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	instance, err := h.instances.Rollback(c.Context(), id, req.ToStep)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) ExecuteOperation(c fiber.Ctx) error {
	var req ExecuteOperationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	operation, err := h.operations.Execute(c.Context(), services.ExecuteOperationRequest{
		Kind:    req.Kind,
		Targets: req.Targets,
		Params:  req.Params,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(operation)
}

func (h *APIHandlers) GetOperations(c fiber.Ctx) error {
	operations := h.operations.List()

	return c.JSON(fiber.Map{
		"operations":  operations,
		"total_count": len(operations),
	})
}

func (h *APIHandlers) GetOperation(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Operation ID is required")
	}

	operation, err := h.operations.FetchByID(id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(operation)
}

func (h *APIHandlers) CancelOperation(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Operation ID is required")
	}

	if err := h.operations.Cancel(id); err != nil {
		return handleServiceError(c, err)
	}

	operation, err := h.operations.FetchByID(id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(operation)
}

func (h *APIHandlers) CleanupOperations(c fiber.Ctx) error {
	var req CleanupRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	olderThan, err := time.ParseDuration(req.OlderThan)
	if err != nil {
		return badRequest(c, "Invalid older_than duration: "+err.Error())
	}

	removed, err := h.operations.Cleanup(olderThan)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"removed": removed})
}

func (h *APIHandlers) GetComponents(c fiber.Ctx) error {
	degraded, degradedComponents := h.runtime.Degraded()

	return c.JSON(fiber.Map{
		"components":          h.runtime.Components(),
		"degraded":            degraded,
		"degraded_components": degradedComponents,
	})
}

func (h *APIHandlers) LoadComponent(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Component ID is required")
	}

	component, err := h.runtime.LoadComponent(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(component)
}

func (h *APIHandlers) DisableComponent(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Component ID is required")
	}

	if err := h.runtime.DisableComponent(id); err != nil {
		return handleServiceError(c, err)
	}

	component, err := h.runtime.Component(id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(component)
}

func (h *APIHandlers) RunPhase(c fiber.Ctx) error {
	phase := c.Params("phase")
	if phase == "" {
		return badRequest(c, "Phase is required")
	}

	result, err := h.runtime.RunPhase(c.Context(), phase)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetFeatures(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"features": h.runtime.Features()})
}

func (h *APIHandlers) ResolveFeature(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Feature ID is required")
	}

	force := false

	if forceStr := c.Query("force"); forceStr != "" {
		parsed, err := strconv.ParseBool(forceStr)
		if err != nil {
			return badRequest(c, "Invalid force parameter: "+err.Error())
		}

		force = parsed
	}

	feature, err := h.runtime.ResolveFeature(c.Context(), id, force)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(feature)
}

func (h *APIHandlers) ResolveByTrigger(c fiber.Ctx) error {
	trigger := c.Params("trigger")
	if trigger == "" {
		return badRequest(c, "Trigger is required")
	}

	resolutions, err := h.runtime.ResolveByTrigger(c.Context(), trigger)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"trigger":     trigger,
		"resolutions": resolutions,
	})
}

func (h *APIHandlers) GetRecoveryAttempts(c fiber.Ctx) error {
	limit := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid limit parameter: "+err.Error())
		}

		limit = parsed
	}

	attempts, err := h.runtime.RecoveryHistory(c.Context(), c.Query("component"), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"attempts": attempts})
}

func (h *APIHandlers) GetEvents(c fiber.Ctx) error {
	if h.feed == nil {
		return unavailable(c, "event feed disabled")
	}

	feed, err := h.feed(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	limit := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid limit parameter: "+err.Error())
		}

		limit = parsed
	}

	return c.JSON(fiber.Map{
		"events": feed.Recent(limit),
		"total":  feed.Total(),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.instances.HealthCheck(c.Context())
	degraded, degradedComponents := h.runtime.Degraded()

	status := "healthy"
	message := "Runner is healthy"
	httpStatus := http.StatusOK

	switch {
	case !repOk:
		status = "unhealthy"
		message = "Runner is unhealthy"
		httpStatus = http.StatusInternalServerError
	case degraded:
		// Degraded mode keeps serving, the status just says so.
		status = "degraded"
		message = "Runner is in degraded mode"
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository":          repositoryCheck,
			"degraded_components": degradedComponents,
		},
		"timestamp": time.Now().UTC(),
	})
}
