package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/persistence"
)

// InstanceRepository handles workflow instance database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

const instanceColumns = `
			id
		  , entity_key
		  , definition
		  , status
		  , current_step
		  , progress
		  , error
		  , steps
		  , metadata
		  , created_at
		  , updated_at
`

// Save upserts the full instance document.
func (r *InstanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	instance.UpdatedAt = time.Now().UTC()

	stepsJSON, err := json.Marshal(instance.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	metadataJSON, err := json.Marshal(instance.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO workflow_instances (id, entity_key, definition,
status, current_step, progress, error, steps, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			entity_key = EXCLUDED.entity_key,
			definition = EXCLUDED.definition,
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			progress = EXCLUDED.progress,
			error = EXCLUDED.error,
			steps = EXCLUDED.steps,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		instance.EntityKey,
		instance.Definition,
		instance.Status,
		instance.CurrentStep,
		instance.Progress,
		nullableString(instance.Error),
		stepsJSON,
		metadataJSON,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, err)
	}

	return nil
}

// GetByID returns an instance by its ID, or (nil, nil) when absent.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	instance, err := r.scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	return instance, nil
}

// List returns instances matching the options, ordered per the sort options
// (newest first by default).
func (r *InstanceRepository) List(ctx context.Context, opts persistence.ListOptions) ([]*models.WorkflowInstance, error) {
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, persistence.ErrInvalidListOptions
	}

	// The sort field comes from the allowlist, never from raw input, so it is
	// safe to splice into the query.
	sortBy, err := opts.SortField()
	if err != nil {
		return nil, err
	}

	direction := "ASC"
	if opts.SortDescending() {
		direction = "DESC"
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE 1=1`

	args := make([]any, 0, 4)

	if opts.Status != nil {
		args = append(args, *opts.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	if opts.EntityKey != "" {
		args = append(args, opts.EntityKey)
		query += fmt.Sprintf(" AND entity_key = $%d", len(args))
	}

	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, direction)

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return r.queryInstances(ctx, query, args...)
}

// ListActive returns every instance that is not in a terminal state, oldest
// first so restore order matches creation order.
func (r *InstanceRepository) ListActive(ctx context.Context) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE status IN ($1, $2)
		ORDER BY created_at
	`

	return r.queryInstances(ctx, query, models.WorkflowStatusRunning, models.WorkflowStatusFailed)
}

// Delete removes an instance row. Deleting a missing row is not an error.
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM workflow_instances WHERE id = $1", id)
	if err != nil {
		return persistence.NewInstanceError("Delete", id, err)
	}

	return nil
}

func (r *InstanceRepository) queryInstances(ctx context.Context, query string, args ...any) ([]*models.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		instance, err := r.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *InstanceRepository) scanInstance(row rowScanner) (*models.WorkflowInstance, error) {
	var (
		instance     models.WorkflowInstance
		errorMessage sql.NullString
		stepsJSON    []byte
		metadataJSON []byte
	)

	err := row.Scan(
		&instance.ID,
		&instance.EntityKey,
		&instance.Definition,
		&instance.Status,
		&instance.CurrentStep,
		&instance.Progress,
		&errorMessage,
		&stepsJSON,
		&metadataJSON,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.Error = errorMessage.String

	err = json.Unmarshal(stepsJSON, &instance.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	if len(metadataJSON) > 0 {
		err = json.Unmarshal(metadataJSON, &instance.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &instance, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
