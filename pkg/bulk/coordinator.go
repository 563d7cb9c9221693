// Package bulk runs one registered task across many targets with a bounded
// worker pool, tracking per-target results and aggregate counters so callers
// can watch an operation converge. Operations live in memory and are purged
// by an explicit retention cleanup.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/stagekit/stagekit/pkg/eventbus"
	"github.com/stagekit/stagekit/pkg/events"
	"github.com/stagekit/stagekit/pkg/faults"
	"github.com/stagekit/stagekit/pkg/log"
	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/retry"
)

// ErrOperationNotFound is returned when no tracked operation matches the id.
var ErrOperationNotFound = errors.New("bulk operation not found")

// DefaultMaxWorkers bounds the pool when the coordinator is built without an
// explicit worker budget.
const DefaultMaxWorkers = 4

// TaskHandler processes a single target. It must honor context cancellation.
type TaskHandler func(ctx context.Context, target string, params map[string]any) error

type registration struct {
	schema  map[string]any
	handler TaskHandler
}

type operation struct {
	op        *models.BulkOperation
	cancelled bool
	elapsed   time.Duration
	done      chan struct{}
}

// Coordinator fans a task out over targets. The pool for each operation is
// sized min(maxWorkers, len(targets)); counters and results are guarded by
// the coordinator mutex and always satisfy completed == successful + failed.
type Coordinator struct {
	runnerID    string
	maxWorkers  int
	timeout     time.Duration
	retryPolicy retry.Policy
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger

	mu         sync.Mutex
	operations map[string]*operation

	handlersMu sync.RWMutex
	handlers   map[string]registration
}

// NewCoordinator creates a coordinator with the given worker budget. A
// non-positive budget falls back to DefaultMaxWorkers.
func NewCoordinator(runnerID string, maxWorkers int, eventBus eventbus.EventPublisher) *Coordinator {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}

	return &Coordinator{
		runnerID:   runnerID,
		maxWorkers: maxWorkers,
		eventBus:   eventBus,
		logger:     log.WithModule("bulk-coordinator"),
		operations: make(map[string]*operation),
		handlers:   make(map[string]registration),
	}
}

// WithTargetTimeout bounds how long a single target may run, retries
// included. Zero means no bound.
func (c *Coordinator) WithTargetTimeout(timeout time.Duration) *Coordinator {
	c.timeout = timeout

	return c
}

// WithRetryPolicy sets the per-target retry policy. The zero policy gives
// every target a single attempt.
func (c *Coordinator) WithRetryPolicy(policy retry.Policy) *Coordinator {
	c.retryPolicy = policy

	return c
}

// RegisterHandler binds a task handler to an operation kind. A non-empty
// schema is enforced against the params of every execute call for that kind.
func (c *Coordinator) RegisterHandler(kind string, schema map[string]any, handler TaskHandler) error {
	if kind == "" {
		return faults.New(faults.KindValidationFailed, "bulk", "register_handler", "kind must not be empty")
	}

	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.handlers[kind] = registration{schema: schema, handler: handler}

	return nil
}

// Execute validates the request, starts the worker pool in the background and
// returns the operation id. Use Wait or Get to follow the operation.
func (c *Coordinator) Execute(ctx context.Context, kind string, targets []string, params map[string]any) (string, error) {
	reg, ok := c.registration(kind)
	if !ok {
		return "", faults.New(faults.KindHandlerMissing, "bulk", "execute",
			fmt.Sprintf("no handler registered for kind %q", kind))
	}

	if len(targets) == 0 {
		return "", faults.New(faults.KindValidationFailed, "bulk", "execute", "targets must not be empty")
	}

	if err := validateParams(reg.schema, params); err != nil {
		return "", faults.Wrap(faults.KindValidationFailed, "bulk", "execute", err)
	}

	op := &models.BulkOperation{
		ID:        uuid.New().String(),
		Kind:      kind,
		Targets:   slices.Clone(targets),
		Status:    models.BulkStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	state := &operation{op: op, done: make(chan struct{})}

	c.mu.Lock()
	c.operations[op.ID] = state
	c.mu.Unlock()

	workers := min(c.maxWorkers, len(targets))

	c.logger.InfoContext(ctx, "Bulk operation started",
		"operation_id", op.ID, "kind", kind, "targets", len(targets), "workers", workers)
	c.publish(ctx, op.ID, events.OperationStarted{
		BaseEvent: c.baseEvent(events.OperationStartedEvent, op.ID),
		Kind:      kind,
		Targets:   len(targets),
	})

	feed := make(chan string)

	go func() {
		defer close(feed)

		for _, target := range targets {
			if c.isCancelled(state) {
				return
			}

			select {
			case feed <- target:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for target := range feed {
				// Drain without running once cancelled so the
				// feeder never blocks.
				if c.isCancelled(state) {
					continue
				}

				c.runTarget(ctx, state, reg.handler, target, params)
			}
		}()
	}

	go func() {
		wg.Wait()
		c.finish(ctx, state)
	}()

	return op.ID, nil
}

// Cancel marks the operation cancelled. Workers stop picking up targets;
// targets already running finish and are counted. Cancelling a terminal
// operation is a no-op.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.operations[id]
	if !ok {
		return ErrOperationNotFound
	}

	if state.op.IsTerminal() {
		return nil
	}

	state.cancelled = true

	return nil
}

// Wait blocks until the operation reaches a terminal status or the context is
// done.
func (c *Coordinator) Wait(ctx context.Context, id string) error {
	c.mu.Lock()
	state, ok := c.operations[id]
	c.mu.Unlock()

	if !ok {
		return ErrOperationNotFound
	}

	select {
	case <-state.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a snapshot of one operation.
func (c *Coordinator) Get(id string) (*models.BulkOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.operations[id]
	if !ok {
		return nil, ErrOperationNotFound
	}

	return state.op.Clone(), nil
}

// List returns snapshots of every tracked operation, newest first.
func (c *Coordinator) List() []*models.BulkOperation {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := make([]*models.BulkOperation, 0, len(c.operations))
	for _, state := range c.operations {
		list = append(list, state.op.Clone())
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].StartedAt.After(list[j].StartedAt)
	})

	return list
}

// Cleanup drops terminal operations that finished before the retention
// window. It returns the number of operations removed.
func (c *Coordinator) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0

	for id, state := range c.operations {
		if !state.op.IsTerminal() || state.op.FinishedAt == nil {
			continue
		}

		if state.op.FinishedAt.Before(cutoff) {
			delete(c.operations, id)

			removed++
		}
	}

	if removed > 0 {
		c.logger.Info("Cleaned up finished bulk operations", "count", removed)
	}

	return removed
}

func (c *Coordinator) runTarget(ctx context.Context, state *operation, handler TaskHandler, target string, params map[string]any) {
	c.mu.Lock()
	state.op.CurrentTarget = target
	c.mu.Unlock()

	start := time.Now()

	runCtx := ctx

	if c.timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err := c.retryPolicy.Do(runCtx, func(runCtx context.Context) error {
		return handler(runCtx, target, params)
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = faults.Wrap(faults.KindTimeout, "bulk", target, err)
	}

	duration := time.Since(start)
	result := models.TaskResult{
		Target:     target,
		Success:    err == nil,
		Duration:   duration,
		FinishedAt: time.Now().UTC(),
	}

	if err != nil {
		result.Error = err.Error()

		c.logger.WarnContext(ctx, "Bulk target failed",
			"operation_id", state.op.ID, "target", target, "error", err)
	}

	c.mu.Lock()

	op := state.op
	op.Results = append(op.Results, result)
	op.Completed++

	if err == nil {
		op.Successful++
	} else {
		op.Failed++
	}

	state.elapsed += duration
	remaining := op.Total() - op.Completed

	if remaining > 0 {
		average := state.elapsed / time.Duration(op.Completed)
		op.EstimatedLeft = average * time.Duration(remaining)
	} else {
		op.EstimatedLeft = 0
	}

	progress := events.OperationProgress{
		BaseEvent:     c.baseEvent(events.OperationProgressEvent, op.ID),
		Kind:          op.Kind,
		Completed:     op.Completed,
		Successful:    op.Successful,
		Failed:        op.Failed,
		Total:         op.Total(),
		CurrentTarget: target,
		EstimatedLeft: op.EstimatedLeft,
	}

	c.mu.Unlock()

	c.publish(ctx, op.ID, progress)
}

func (c *Coordinator) finish(ctx context.Context, state *operation) {
	now := time.Now().UTC()

	c.mu.Lock()

	op := state.op

	switch {
	case state.cancelled:
		op.Status = models.BulkStatusCancelled
	case op.Failed == 0:
		op.Status = models.BulkStatusCompleted
	case op.Successful == 0:
		op.Status = models.BulkStatusFailed
	default:
		op.Status = models.BulkStatusPartial
	}

	op.CurrentTarget = ""
	op.EstimatedLeft = 0
	op.FinishedAt = &now

	completed := events.OperationCompleted{
		BaseEvent:  c.baseEvent(events.OperationCompletedEvent, op.ID),
		Kind:       op.Kind,
		Status:     op.Status,
		Successful: op.Successful,
		Failed:     op.Failed,
		Duration:   now.Sub(op.StartedAt),
	}
	summary := []any{
		"operation_id", op.ID,
		"status", op.Status,
		"successful", op.Successful,
		"failed", op.Failed,
	}

	c.mu.Unlock()

	c.publish(ctx, op.ID, completed)
	c.logger.InfoContext(ctx, "Bulk operation finished", summary...)
	close(state.done)
}

func (c *Coordinator) isCancelled(state *operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return state.cancelled
}

func (c *Coordinator) registration(kind string) (registration, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()

	reg, ok := c.handlers[kind]

	return reg, ok
}

func (c *Coordinator) baseEvent(eventType events.EventType, operationID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, operationID)
	base.RunnerID = c.runnerID

	return base
}

func (c *Coordinator) publish(ctx context.Context, key string, event eventbus.Event) {
	if c.eventBus == nil {
		return
	}

	if err := c.eventBus.Publish(ctx, key, event); err != nil {
		c.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// validateParams checks params against a JSON schema expressed as a Go map.
// An empty schema accepts anything.
func validateParams(schema, params map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(params)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("params validation errors: %s", strings.Join(details, "; "))
	}

	return nil
}
