// Package persistence provides the storage abstraction for workflow instances
// and recovery attempt history.
package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/stagekit/stagekit/pkg/models"
)

// ListOptions filters, orders and pages instance listings.
type ListOptions struct {
	Status    *models.WorkflowStatus
	EntityKey string

	// SortBy picks the ordering field ("created_at", "updated_at" or
	// "entity_key"; empty means created_at). SortOrder is "asc" or "desc";
	// anything else sorts descending.
	SortBy    string
	SortOrder string

	Limit  int
	Offset int
}

// SortField validates and defaults the sort field. The allowlist is shared
// by every store so a rejected field fails the same way everywhere.
func (o ListOptions) SortField() (string, error) {
	field := o.SortBy
	if field == "" {
		field = "created_at"
	}

	switch field {
	case "created_at", "updated_at", "entity_key":
		return field, nil
	}

	return "", fmt.Errorf("sort field %q: %w", o.SortBy, ErrInvalidSortField)
}

// SortDescending reports whether the listing runs newest or highest first.
// Descending is the default; only an explicit "asc" flips it.
func (o ListOptions) SortDescending() bool {
	return !strings.EqualFold(o.SortOrder, "asc")
}

// InstanceRepository stores workflow instances as documents keyed by id.
// GetByID returns (nil, nil) when no document exists.
type InstanceRepository interface {
	Save(ctx context.Context, instance *models.WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	List(ctx context.Context, opts ListOptions) ([]*models.WorkflowInstance, error)
	ListActive(ctx context.Context) ([]*models.WorkflowInstance, error)
	Delete(ctx context.Context, id string) error
}

// AttemptRepository keeps the append-only recovery attempt history.
type AttemptRepository interface {
	Append(ctx context.Context, attempt *models.RecoveryAttempt) error
	List(ctx context.Context, limit int) ([]*models.RecoveryAttempt, error)
	ListByComponent(ctx context.Context, componentID string) ([]*models.RecoveryAttempt, error)
}

type Persistence interface {
	Instances() InstanceRepository
	Attempts() AttemptRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
