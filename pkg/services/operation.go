package services

import (
	"context"
	"strings"
	"time"

	"github.com/stagekit/stagekit/pkg/bulk"
	"github.com/stagekit/stagekit/pkg/models"
)

// Operation serves bulk operations to the API.
type Operation struct {
	coordinator *bulk.Coordinator
}

// NewOperation creates a new operation service.
func NewOperation(coordinator *bulk.Coordinator) *Operation {
	return &Operation{
		coordinator: coordinator,
	}
}

// ExecuteOperationRequest submits one bulk operation.
type ExecuteOperationRequest struct {
	Kind    string         `validate:"required"`
	Targets []string       `validate:"required,min=1"`
	Params  map[string]any
}

// Execute starts a bulk operation and returns its initial state.
func (s *Operation) Execute(ctx context.Context, req ExecuteOperationRequest) (*models.BulkOperation, error) {
	req.Kind = strings.TrimSpace(req.Kind)
	if req.Kind == "" {
		return nil, NewValidationError("Execute", "EMPTY_KIND", "operation kind is required", ErrInvalidRequest)
	}

	id, err := s.coordinator.Execute(ctx, req.Kind, req.Targets, req.Params)
	if err != nil {
		return nil, err
	}

	return s.coordinator.Get(id)
}

// FetchByID retrieves one operation.
func (s *Operation) FetchByID(id string) (*models.BulkOperation, error) {
	return s.coordinator.Get(id)
}

// List returns every tracked operation, newest first.
func (s *Operation) List() []*models.BulkOperation {
	return s.coordinator.List()
}

// Cancel stops dispatching the operation's remaining targets.
func (s *Operation) Cancel(id string) error {
	return s.coordinator.Cancel(id)
}

// Wait blocks until the operation settles.
func (s *Operation) Wait(ctx context.Context, id string) error {
	return s.coordinator.Wait(ctx, id)
}

// Cleanup drops finished operations older than the retention window.
func (s *Operation) Cleanup(olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, NewValidationError("Cleanup", "INVALID_RETENTION", "retention must not be negative", ErrInvalidRequest)
	}

	return s.coordinator.Cleanup(olderThan), nil
}
