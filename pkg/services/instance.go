package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/persistence"
	"github.com/stagekit/stagekit/pkg/workflow"
)

// Instance serves workflow instances to the API, combining the live engine
// state with the persisted history.
type Instance struct {
	engine      *workflow.Engine
	persistence persistence.Persistence
}

// NewInstance creates a new instance service.
func NewInstance(engine *workflow.Engine, persistence persistence.Persistence) *Instance {
	return &Instance{
		engine:      engine,
		persistence: persistence,
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Instance) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListInstancesRequest contains options for listing instances.
type ListInstancesRequest struct {
	// Pagination
	Limit  int `validate:"min=1,max=100"`
	Offset int `validate:"min=0"`

	// Filtering
	EntityKey string
	Status    *models.WorkflowStatus

	// Sorting
	SortBy    string `validate:"omitempty,oneof=created_at updated_at entity_key"`
	SortOrder string `validate:"omitempty,oneof=asc desc"`
}

// ListInstancesResponse contains the result of listing instances.
type ListInstancesResponse struct {
	Instances   []*models.WorkflowInstance `json:"instances"`
	HasNextPage bool                       `json:"has_next_page"`
}

// List retrieves persisted instances with filtering, sorting and pagination.
// The default order is newest first by creation time.
func (s *Instance) List(ctx context.Context, req ListInstancesRequest) (*ListInstancesResponse, error) {
	if err := s.validateListInstancesRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	// Fetch one extra row to detect a following page.
	opts := persistence.ListOptions{
		Status:    req.Status,
		EntityKey: req.EntityKey,
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
		Limit:     req.Limit + 1,
		Offset:    req.Offset,
	}

	page, err := s.persistence.Instances().List(ctx, opts)
	if err != nil {
		if persistence.IsInvalidSortField(err) {
			return nil, NewValidationError("List", "INVALID_SORT_FIELD", err.Error(), ErrInvalidSortField)
		}

		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	hasNextPage := len(page) > req.Limit
	if hasNextPage {
		page = page[:req.Limit]
	}

	return &ListInstancesResponse{
		Instances:   page,
		HasNextPage: hasNextPage,
	}, nil
}

// validateListInstancesRequest validates and sets defaults for the request.
func (s *Instance) validateListInstancesRequest(req *ListInstancesRequest) error {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	req.EntityKey = strings.TrimSpace(req.EntityKey)

	if req.SortBy == "" {
		req.SortBy = "created_at"
	}

	if req.SortOrder == "" {
		req.SortOrder = "desc"
	}

	allowedSorts := []string{"created_at", "updated_at", "entity_key"}
	if !slices.Contains(allowedSorts, req.SortBy) {
		return NewValidationError(
			"validateListInstancesRequest",
			"INVALID_SORT_FIELD",
			fmt.Sprintf("invalid sort field '%s', allowed: %s", req.SortBy, strings.Join(allowedSorts, ", ")),
			ErrInvalidSortField,
		)
	}

	if req.SortOrder != "asc" && req.SortOrder != "desc" {
		return NewValidationError(
			"validateListInstancesRequest",
			"INVALID_SORT_ORDER",
			fmt.Sprintf("invalid sort order '%s', allowed: asc, desc", req.SortOrder),
			ErrInvalidSortOrder,
		)
	}

	if req.Status != nil {
		allowedStatuses := []models.WorkflowStatus{
			models.WorkflowStatusRunning,
			models.WorkflowStatusComplete,
			models.WorkflowStatusFailed,
			models.WorkflowStatusCancelled,
		}

		if !slices.Contains(allowedStatuses, *req.Status) {
			return NewValidationError(
				"validateListInstancesRequest",
				"INVALID_STATUS",
				fmt.Sprintf("invalid status '%s'", *req.Status),
				ErrInvalidStatus,
			)
		}
	}

	return nil
}

// FetchByID retrieves an instance, preferring the live engine state over the
// persisted document.
func (s *Instance) FetchByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	instance, err := s.engine.Get(id)
	if err == nil {
		return instance, nil
	}

	if !errors.Is(err, workflow.ErrWorkflowNotFound) {
		return nil, err
	}

	instance, err = s.persistence.Instances().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if instance == nil {
		return nil, workflow.ErrWorkflowNotFound
	}

	return instance, nil
}

// Start begins or resumes the workflow for an entity and returns the
// instance.
func (s *Instance) Start(ctx context.Context, entityKey, instanceID string) (*models.WorkflowInstance, error) {
	entityKey = strings.TrimSpace(entityKey)
	if entityKey == "" {
		return nil, NewValidationError("Start", "EMPTY_ENTITY_KEY", "entity key is required", ErrEmptyEntityKey)
	}

	id, err := s.engine.Start(ctx, entityKey, instanceID)
	if err != nil {
		return nil, err
	}

	return s.engine.Get(id)
}

// Advance runs the instance's next step and returns the resulting state.
func (s *Instance) Advance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	if _, err := s.engine.Advance(ctx, id); err != nil {
		return nil, err
	}

	return s.engine.Get(id)
}

// UpdateProgress reports progress for the step currently in flight.
func (s *Instance) UpdateProgress(ctx context.Context, id string, percent float64, message string) error {
	return s.engine.UpdateProgress(ctx, id, percent, message)
}

// Cancel stops the instance.
func (s *Instance) Cancel(ctx context.Context, id string) error {
	return s.engine.Cancel(ctx, id)
}

// Rollback rewinds the instance to a step and returns the resulting state.
func (s *Instance) Rollback(ctx context.Context, id, toStep string) (*models.WorkflowInstance, error) {
	if err := s.engine.Rollback(ctx, id, toStep); err != nil {
		return nil, err
	}

	return s.engine.Get(id)
}

// Cleanup removes terminal instances older than the retention window.
func (s *Instance) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, NewValidationError("Cleanup", "INVALID_RETENTION", "retention must not be negative", ErrInvalidRequest)
	}

	return s.engine.Cleanup(ctx, olderThan), nil
}
