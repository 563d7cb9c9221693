package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/stagekit/stagekit/pkg/models"
)

// AttemptRepository handles recovery attempt database operations.
type AttemptRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAttemptRepository creates a new attempt repository.
func NewAttemptRepository(db *sql.DB, logger *slog.Logger) *AttemptRepository {
	return &AttemptRepository{db: db, logger: logger}
}

const attemptColumns = `
			id
		  , component_id
		  , action
		  , kind
		  , outcome
		  , message
		  , error
		  , started_at
		  , finished_at
`

// Append records one attempt. The history is append-only; rows are never
// updated.
func (r *AttemptRepository) Append(ctx context.Context, attempt *models.RecoveryAttempt) error {
	query := `
		INSERT INTO recovery_attempts (id, component_id, action, kind, outcome, message, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.ComponentID,
		nullableString(attempt.Action),
		nullableString(attempt.Kind),
		attempt.Outcome,
		nullableString(attempt.Message),
		nullableString(attempt.Error),
		attempt.StartedAt,
		attempt.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append recovery attempt %s: %w", attempt.ID, err)
	}

	return nil
}

// List returns the most recent attempts, newest first, up to limit. A limit
// of zero or less returns everything.
func (r *AttemptRepository) List(ctx context.Context, limit int) ([]*models.RecoveryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM recovery_attempts ORDER BY started_at DESC`

	args := make([]any, 0, 1)

	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return r.queryAttempts(ctx, query, args...)
}

// ListByComponent returns every recorded attempt for one component, oldest
// first.
func (r *AttemptRepository) ListByComponent(ctx context.Context, componentID string) ([]*models.RecoveryAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM recovery_attempts
		WHERE component_id = $1
		ORDER BY started_at
	`

	return r.queryAttempts(ctx, query, componentID)
}

func (r *AttemptRepository) queryAttempts(ctx context.Context, query string, args ...any) ([]*models.RecoveryAttempt, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery attempts: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	attempts := make([]*models.RecoveryAttempt, 0)

	for rows.Next() {
		var (
			attempt      models.RecoveryAttempt
			action       sql.NullString
			kind         sql.NullString
			message      sql.NullString
			errorMessage sql.NullString
		)

		err := rows.Scan(
			&attempt.ID,
			&attempt.ComponentID,
			&action,
			&kind,
			&attempt.Outcome,
			&message,
			&errorMessage,
			&attempt.StartedAt,
			&attempt.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recovery attempt: %w", err)
		}

		attempt.Action = action.String
		attempt.Kind = kind.String
		attempt.Message = message.String
		attempt.Error = errorMessage.String

		attempts = append(attempts, &attempt)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating recovery attempts: %w", err)
	}

	return attempts, nil
}
