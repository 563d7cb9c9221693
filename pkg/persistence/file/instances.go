package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/persistence"
)

// InstanceRepository stores one JSON document per workflow instance under
// <root>/instances. A document that cannot be decoded counts as no prior
// state: startup reload must survive partially-written files.
type InstanceRepository struct {
	mu     sync.Mutex
	root   string
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(root string, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{root: root, logger: logger}
}

func (ir *InstanceRepository) dir() string {
	return path.Join(ir.root, "instances")
}

// Save writes the full instance document, creating the directory on first use.
func (ir *InstanceRepository) Save(_ context.Context, instance *models.WorkflowInstance) error {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	err := os.MkdirAll(ir.dir(), 0750)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, fmt.Errorf("failed to create instances directory: %w", err))
	}

	instance.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, fmt.Errorf("failed to marshal instance: %w", err))
	}

	filePath := path.Join(ir.dir(), instance.ID+".json")

	return os.WriteFile(filePath, data, 0600)
}

// GetByID retrieves an instance by its ID. Missing and undecodable documents
// both return (nil, nil).
func (ir *InstanceRepository) GetByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	filePath := filepath.Clean(path.Join(ir.dir(), id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, persistence.NewInstanceError("GetByID", id, fmt.Errorf("failed to read instance: %w", err))
	}

	var instance models.WorkflowInstance

	err = json.Unmarshal(body, &instance)
	if err != nil {
		ir.logger.Warn("Discarding undecodable instance document", "id", id, "error", err)

		return nil, nil
	}

	return &instance, nil
}

// List returns instances matching the options, ordered per the sort options
// (newest first by default).
func (ir *InstanceRepository) List(ctx context.Context, opts persistence.ListOptions) ([]*models.WorkflowInstance, error) {
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, persistence.ErrInvalidListOptions
	}

	sortBy, err := opts.SortField()
	if err != nil {
		return nil, err
	}

	all, err := ir.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowInstance, 0, len(all))

	for _, instance := range all {
		if opts.Status != nil && instance.Status != *opts.Status {
			continue
		}

		if opts.EntityKey != "" && instance.EntityKey != opts.EntityKey {
			continue
		}

		filtered = append(filtered, instance)
	}

	sortInstances(filtered, sortBy, opts.SortDescending())

	if opts.Offset >= len(filtered) {
		return []*models.WorkflowInstance{}, nil
	}

	end := len(filtered)
	if opts.Limit > 0 && opts.Offset+opts.Limit < end {
		end = opts.Offset + opts.Limit
	}

	return filtered[opts.Offset:end], nil
}

// sortInstances orders instances in place by an allowlisted field.
func sortInstances(instances []*models.WorkflowInstance, sortBy string, descending bool) {
	sort.Slice(instances, func(i, j int) bool {
		var less bool

		switch sortBy {
		case "updated_at":
			less = instances[i].UpdatedAt.Before(instances[j].UpdatedAt)
		case "entity_key":
			less = instances[i].EntityKey < instances[j].EntityKey
		default:
			less = instances[i].CreatedAt.Before(instances[j].CreatedAt)
		}

		if descending {
			return !less
		}

		return less
	})
}

// ListActive returns every instance that is not in a terminal state.
func (ir *InstanceRepository) ListActive(ctx context.Context) ([]*models.WorkflowInstance, error) {
	all, err := ir.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*models.WorkflowInstance, 0, len(all))

	for _, instance := range all {
		if !instance.IsTerminal() {
			active = append(active, instance)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	return active, nil
}

// Delete removes an instance document. Deleting a missing document is not an
// error.
func (ir *InstanceRepository) Delete(_ context.Context, id string) error {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	filePath := path.Join(ir.dir(), id+".json")

	err := os.Remove(filePath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return persistence.NewInstanceError("Delete", id, fmt.Errorf("failed to delete instance: %w", err))
	}

	return nil
}

func (ir *InstanceRepository) loadAll(ctx context.Context) ([]*models.WorkflowInstance, error) {
	if _, err := os.Stat(ir.dir()); os.IsNotExist(err) {
		return []*models.WorkflowInstance{}, nil
	}

	root := os.DirFS(ir.dir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list instance files: %w", err)
	}

	instances := make([]*models.WorkflowInstance, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		id := file[:len(file)-5] // Remove .json extension

		instance, err := ir.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if instance != nil {
			instances = append(instances, instance)
		}
	}

	return instances, nil
}
