package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/stagekit/stagekit/pkg/models"
)

// AttemptRepository appends recovery attempts to a JSON-lines log. A torn
// tail line from an interrupted write is skipped on read.
type AttemptRepository struct {
	mu     sync.Mutex
	root   string
	logger *slog.Logger
}

// NewAttemptRepository creates a new attempt repository.
func NewAttemptRepository(root string, logger *slog.Logger) *AttemptRepository {
	return &AttemptRepository{root: root, logger: logger}
}

func (ar *AttemptRepository) logPath() string {
	return path.Join(ar.root, "attempts.jsonl")
}

// Append records one attempt at the end of the log.
func (ar *AttemptRepository) Append(_ context.Context, attempt *models.RecoveryAttempt) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	err := os.MkdirAll(ar.root, 0750)
	if err != nil {
		return fmt.Errorf("failed to create attempts directory: %w", err)
	}

	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt %s: %w", attempt.ID, err)
	}

	file, err := os.OpenFile(ar.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open attempts log: %w", err)
	}

	defer func() {
		err := file.Close()
		if err != nil {
			ar.logger.Error("failed to close attempts log", "error", err)
		}
	}()

	_, err = file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("failed to append attempt %s: %w", attempt.ID, err)
	}

	return nil
}

// List returns the most recent attempts, newest first, up to limit. A limit
// of zero or less returns everything.
func (ar *AttemptRepository) List(ctx context.Context, limit int) ([]*models.RecoveryAttempt, error) {
	attempts, err := ar.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	// Reverse into newest-first order.
	for i, j := 0, len(attempts)-1; i < j; i, j = i+1, j-1 {
		attempts[i], attempts[j] = attempts[j], attempts[i]
	}

	if limit > 0 && len(attempts) > limit {
		attempts = attempts[:limit]
	}

	return attempts, nil
}

// ListByComponent returns every recorded attempt for one component, oldest
// first.
func (ar *AttemptRepository) ListByComponent(ctx context.Context, componentID string) ([]*models.RecoveryAttempt, error) {
	all, err := ar.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	attempts := make([]*models.RecoveryAttempt, 0, len(all))

	for _, attempt := range all {
		if attempt.ComponentID == componentID {
			attempts = append(attempts, attempt)
		}
	}

	return attempts, nil
}

func (ar *AttemptRepository) loadAll(_ context.Context) ([]*models.RecoveryAttempt, error) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	file, err := os.Open(ar.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.RecoveryAttempt{}, nil
		}

		return nil, fmt.Errorf("failed to open attempts log: %w", err)
	}

	defer func() {
		err := file.Close()
		if err != nil {
			ar.logger.Error("failed to close attempts log", "error", err)
		}
	}()

	var attempts []*models.RecoveryAttempt

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var attempt models.RecoveryAttempt

		err := json.Unmarshal(line, &attempt)
		if err != nil {
			ar.logger.Warn("Skipping undecodable attempt record", "error", err)

			continue
		}

		attempts = append(attempts, &attempt)
	}

	err = scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to read attempts log: %w", err)
	}

	return attempts, nil
}
