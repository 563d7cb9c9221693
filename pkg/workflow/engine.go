// Package workflow implements the staged execution engine. One engine owns
// every instance of a single workflow definition, runs registered step
// handlers in order, persists each state change so instances survive a
// process restart, and publishes lifecycle events for observers.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagekit/stagekit/pkg/eventbus"
	"github.com/stagekit/stagekit/pkg/events"
	"github.com/stagekit/stagekit/pkg/faults"
	"github.com/stagekit/stagekit/pkg/log"
	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/persistence"
	"github.com/stagekit/stagekit/pkg/recovery"
	"github.com/stagekit/stagekit/pkg/retry"
)

// StepRecoverer rescues a step whose handler failed after every retry. It is
// satisfied by recovery.Coordinator; steps look up chains by their step name.
type StepRecoverer interface {
	Recover(ctx context.Context, componentID string, cause error, hints recovery.Hints) (*recovery.ActionResult, error)
}

// Engine drives workflow instances through the steps of a single definition.
// All state transitions happen under the engine mutex; step handlers,
// rollback handlers and event publishing run outside of it.
type Engine struct {
	runnerID   string
	definition *models.WorkflowDefinition
	repo       persistence.InstanceRepository
	eventBus   eventbus.EventPublisher
	logger     *slog.Logger

	retryPolicy retry.Policy
	recoverer   StepRecoverer

	mu        sync.Mutex
	instances map[string]*models.WorkflowInstance

	handlersMu sync.RWMutex
	handlers   map[string]StepHandler
	rollbacks  map[string]RollbackHandler
}

// NewEngine creates an engine for the given definition. The zero-value retry
// policy gives every step a single attempt per advance; use WithRetryPolicy
// to absorb transient failures inside the advance call instead.
func NewEngine(runnerID string, definition *models.WorkflowDefinition, repo persistence.InstanceRepository, eventBus eventbus.EventPublisher) (*Engine, error) {
	if err := definition.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		runnerID:   runnerID,
		definition: definition,
		repo:       repo,
		eventBus:   eventBus,
		logger:     log.WithModule("workflow-engine").With("definition", definition.Name),
		instances:  make(map[string]*models.WorkflowInstance),
		handlers:   make(map[string]StepHandler),
		rollbacks:  make(map[string]RollbackHandler),
	}, nil
}

// WithRetryPolicy sets the policy applied to step handler failures within a
// single advance call.
func (e *Engine) WithRetryPolicy(policy retry.Policy) *Engine {
	e.retryPolicy = policy

	return e
}

// WithRecovery hands exhausted step failures to the given recoverer before
// they settle into Failed. A Success or PartialSuccess remediation completes
// the step with the remediation message as its result.
func (e *Engine) WithRecovery(recoverer StepRecoverer) *Engine {
	e.recoverer = recoverer

	return e
}

// RegisterHandler binds a handler to a named step of the definition.
func (e *Engine) RegisterHandler(step string, handler StepHandler) error {
	if _, ok := e.stepSpec(step); !ok {
		return faults.New(faults.KindValidationFailed, "workflow", "register_handler",
			fmt.Sprintf("step %q is not part of definition %q", step, e.definition.Name))
	}

	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	e.handlers[step] = handler

	return nil
}

// RegisterRollback binds a rollback handler to a named step of the definition.
func (e *Engine) RegisterRollback(step string, handler RollbackHandler) error {
	if _, ok := e.stepSpec(step); !ok {
		return faults.New(faults.KindValidationFailed, "workflow", "register_rollback",
			fmt.Sprintf("step %q is not part of definition %q", step, e.definition.Name))
	}

	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	e.rollbacks[step] = handler

	return nil
}

// Start creates an instance at the first step and returns its id. When the id
// is empty the entity key acts as the idempotency key: an active instance for
// the same entity is returned instead of creating a second one.
func (e *Engine) Start(ctx context.Context, entityKey, id string) (string, error) {
	if entityKey == "" {
		return "", faults.New(faults.KindValidationFailed, "workflow", "start", "entity key must not be empty")
	}

	e.mu.Lock()

	if id != "" {
		if existing, ok := e.instances[id]; ok && !existing.IsTerminal() {
			e.mu.Unlock()

			return existing.ID, nil
		}
	} else {
		for _, existing := range e.instances {
			if existing.EntityKey == entityKey && !existing.IsTerminal() {
				e.mu.Unlock()

				return existing.ID, nil
			}
		}

		id = uuid.New().String()
	}

	instance := models.NewWorkflowInstance(id, entityKey, e.definition)
	e.instances[id] = instance
	snapshot := instance.Clone()
	e.mu.Unlock()

	if err := e.repo.Save(ctx, snapshot); err != nil {
		e.mu.Lock()
		delete(e.instances, id)
		e.mu.Unlock()

		return "", fmt.Errorf("failed to persist new workflow instance: %w", err)
	}

	e.logger.InfoContext(ctx, "Workflow started", "workflow_id", id, "entity_key", entityKey)
	e.publish(ctx, id, events.WorkflowStarted{
		BaseEvent:  e.baseEvent(events.WorkflowStartedEvent, id),
		EntityKey:  entityKey,
		Definition: e.definition.Name,
	})

	return id, nil
}

// Advance executes the current step and reports whether the workflow is
// complete. A current step that already finished only moves the pointer.
// Handler failures are retried per the engine retry policy before the step
// settles into Failed; a failed instance stays restorable and a later advance
// runs the failed step again.
func (e *Engine) Advance(ctx context.Context, id string) (bool, error) {
	stepName, complete, err := e.claimStep(ctx, id)
	if err != nil {
		return false, err
	}

	if stepName == "" {
		return complete, nil
	}

	for attempt := 1; ; attempt++ {
		stepErr := e.runStep(ctx, id, stepName)
		if stepErr == nil {
			return e.completeStep(ctx, id, stepName)
		}

		if errors.Is(stepErr, ErrWorkflowCancelled) || errors.Is(stepErr, ErrWorkflowNotFound) {
			return false, stepErr
		}

		// Nothing ran, so there is no step state to fail.
		if faults.IsHandlerMissing(stepErr) {
			return false, stepErr
		}

		if !e.retryPolicy.ShouldRetry(attempt) {
			if result := e.recoverStep(ctx, id, stepName, stepErr); result != nil {
				e.noteRecovery(id, stepName, result.Message)

				return e.completeStep(ctx, id, stepName)
			}

			return false, e.failStep(ctx, id, stepName, stepErr)
		}

		e.logger.WarnContext(ctx, "Step attempt failed, retrying",
			"workflow_id", id, "step", stepName, "attempt", attempt, "error", stepErr)

		if err := retry.Sleep(ctx, e.retryPolicy.Delay(attempt)); err != nil {
			return false, e.failStep(ctx, id, stepName, stepErr)
		}

		if e.statusOf(id) == models.WorkflowStatusCancelled {
			return false, ErrWorkflowCancelled
		}
	}
}

// UpdateProgress records handler progress for the step currently in flight.
// Calls for a step that is not in progress are dropped.
func (e *Engine) UpdateProgress(ctx context.Context, id string, percent float64, message string) error {
	e.mu.Lock()

	instance, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()

		return ErrWorkflowNotFound
	}

	step := instance.Current()
	if step == nil || step.Status != models.StepStatusInProgress {
		e.mu.Unlock()

		return nil
	}

	if percent < 0 {
		percent = 0
	}

	if percent > 100 {
		percent = 100
	}

	step.Progress = percent
	step.Message = message
	instance.RecomputeProgress()
	instance.UpdatedAt = time.Now().UTC()

	stepName := step.Name
	overall := instance.Progress
	snapshot := instance.Clone()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.publish(ctx, id, events.ProgressUpdated{
		BaseEvent: e.baseEvent(events.ProgressUpdatedEvent, id),
		Step:      stepName,
		Percent:   percent,
		Message:   message,
		Overall:   overall,
	})

	return nil
}

// Cancel stops an instance from dispatching further work. An in-flight
// handler is not interrupted; its result is discarded when it returns.
// Cancelling an already cancelled instance is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()

	instance, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()

		return ErrWorkflowNotFound
	}

	switch instance.Status {
	case models.WorkflowStatusCancelled:
		e.mu.Unlock()

		return nil
	case models.WorkflowStatusComplete:
		e.mu.Unlock()

		return ErrWorkflowCompleted
	}

	now := time.Now().UTC()

	var stepName string

	if step := instance.Current(); step != nil && step.Status != models.StepStatusCompleted {
		step.Status = models.StepStatusCancelled
		step.FinishedAt = &now
		stepName = step.Name
	}

	instance.Status = models.WorkflowStatusCancelled
	instance.UpdatedAt = now
	snapshot := instance.Clone()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.logger.InfoContext(ctx, "Workflow cancelled", "workflow_id", id, "step", stepName)
	e.publish(ctx, id, events.WorkflowCancelled{
		BaseEvent: e.baseEvent(events.WorkflowCancelledEvent, id),
		Step:      stepName,
	})

	return nil
}

// Rollback undoes completed steps in reverse order down to toStep inclusive,
// invoking registered rollback handlers along the way, then moves the pointer
// back so toStep runs again. Steps before toStep are untouched. An empty
// toStep rolls back to the first step.
func (e *Engine) Rollback(ctx context.Context, id, toStep string) error {
	e.mu.Lock()

	instance, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()

		return ErrWorkflowNotFound
	}

	switch instance.Status {
	case models.WorkflowStatusCancelled:
		e.mu.Unlock()

		return ErrWorkflowCancelled
	case models.WorkflowStatusComplete:
		e.mu.Unlock()

		return ErrWorkflowCompleted
	}

	if toStep == "" {
		toStep = instance.Steps[0].Name
	}

	target := instance.StepIndex(toStep)
	if target < 0 {
		e.mu.Unlock()

		return faults.New(faults.KindValidationFailed, "workflow", "rollback",
			fmt.Sprintf("step %q is not part of definition %q", toStep, e.definition.Name))
	}

	if step := instance.Current(); step != nil && step.Status == models.StepStatusInProgress {
		e.mu.Unlock()

		return ErrStepInFlight
	}

	// Collect the undo plan under the lock, run the handlers outside of it.
	type undo struct {
		name    string
		payload map[string]any
		run     bool
		changed bool
	}

	plan := make([]undo, 0, len(instance.Steps)-target)

	for i := len(instance.Steps) - 1; i >= target; i-- {
		step := instance.Steps[i]
		plan = append(plan, undo{
			name:    step.Name,
			payload: step.RollbackPayload,
			run:     step.Status == models.StepStatusCompleted,
			changed: step.Status != models.StepStatusPending,
		})
	}

	entityKey := instance.EntityKey
	metadata := instance.Metadata
	e.mu.Unlock()

	reset := make([]string, 0, len(plan))

	for _, u := range plan {
		if u.run {
			if handler := e.rollbackHandler(u.name); handler != nil {
				step := StepContext{
					WorkflowID: id,
					EntityKey:  entityKey,
					Step:       u.name,
					Metadata:   metadata,
					Payload:    u.payload,
				}

				if err := handler(ctx, step); err != nil {
					e.logger.WarnContext(ctx, "Rollback handler failed, resetting step anyway",
						"workflow_id", id, "step", u.name, "error", err)
				}
			}
		}

		if u.changed {
			reset = append(reset, u.name)
		}
	}

	e.mu.Lock()

	instance, ok = e.instances[id]
	if !ok {
		e.mu.Unlock()

		return ErrWorkflowNotFound
	}

	for i := len(instance.Steps) - 1; i >= target; i-- {
		instance.Steps[i].Reset()
	}

	instance.CurrentStep = target
	instance.Status = models.WorkflowStatusRunning
	instance.Error = ""
	instance.RecomputeProgress()
	instance.UpdatedAt = time.Now().UTC()
	snapshot := instance.Clone()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.logger.InfoContext(ctx, "Workflow rolled back", "workflow_id", id, "to_step", toStep, "steps_reset", len(reset))
	e.publish(ctx, id, events.WorkflowRolledBack{
		BaseEvent:  e.baseEvent(events.WorkflowRolledBackEvent, id),
		ToStep:     toStep,
		StepsReset: reset,
	})

	return nil
}

// Restore loads every non-terminal instance of this definition from the
// store. Steps that were in flight when the process died are reset so a later
// advance runs them again. It returns the number of instances restored.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	stored, err := e.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active instances: %w", err)
	}

	restored := 0

	for _, instance := range stored {
		if instance.Definition != e.definition.Name {
			continue
		}

		if step := instance.Current(); step != nil && step.Status == models.StepStatusInProgress {
			step.Status = models.StepStatusPending
			step.Progress = 0
			step.Message = ""
			step.StartedAt = nil
			instance.RecomputeProgress()
			e.persist(ctx, instance)
		}

		e.mu.Lock()
		e.instances[instance.ID] = instance
		e.mu.Unlock()

		restored++
	}

	if restored > 0 {
		e.logger.InfoContext(ctx, "Restored workflow instances", "count", restored)
	}

	return restored, nil
}

// Cleanup deletes terminal instances whose last update is older than the
// retention window. It returns the number of instances removed.
func (e *Engine) Cleanup(ctx context.Context, olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	stored, err := e.repo.List(ctx, persistence.ListOptions{})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to list instances for cleanup", "error", err)

		return 0
	}

	removed := 0

	for _, instance := range stored {
		if instance.Definition != e.definition.Name {
			continue
		}

		if !instance.IsTerminal() || !instance.UpdatedAt.Before(cutoff) {
			continue
		}

		if err := e.repo.Delete(ctx, instance.ID); err != nil {
			e.logger.WarnContext(ctx, "Failed to delete expired instance", "workflow_id", instance.ID, "error", err)

			continue
		}

		e.mu.Lock()
		delete(e.instances, instance.ID)
		e.mu.Unlock()

		removed++
	}

	if removed > 0 {
		e.logger.InfoContext(ctx, "Cleaned up terminal instances", "count", removed)
	}

	return removed
}

// Get returns a snapshot of one tracked instance.
func (e *Engine) Get(id string) (*models.WorkflowInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	instance, ok := e.instances[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}

	return instance.Clone(), nil
}

// List returns snapshots of every tracked instance, newest first.
func (e *Engine) List() []*models.WorkflowInstance {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := make([]*models.WorkflowInstance, 0, len(e.instances))
	for _, instance := range e.instances {
		list = append(list, instance.Clone())
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	return list
}

// claimStep decides what the next advance should do. It returns the name of
// the step to run, or an empty name with the completion flag when no handler
// needs to run.
func (e *Engine) claimStep(ctx context.Context, id string) (string, bool, error) {
	e.mu.Lock()

	instance, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()

		return "", false, ErrWorkflowNotFound
	}

	switch instance.Status {
	case models.WorkflowStatusComplete:
		e.mu.Unlock()

		return "", true, nil
	case models.WorkflowStatusCancelled:
		e.mu.Unlock()

		return "", false, ErrWorkflowCancelled
	}

	step := instance.Current()
	if step == nil {
		complete := e.finishLocked(instance)
		snapshot := instance.Clone()
		e.mu.Unlock()

		e.persist(ctx, snapshot)

		return "", complete, nil
	}

	switch step.Status {
	case models.StepStatusInProgress:
		e.mu.Unlock()

		return "", false, ErrStepInFlight
	case models.StepStatusCompleted:
		// The pointer lags behind a finished step. Move it and report
		// success without running anything.
		complete := e.advancePointerLocked(instance)
		instance.UpdatedAt = time.Now().UTC()
		snapshot := instance.Clone()
		e.mu.Unlock()

		e.persist(ctx, snapshot)

		return "", complete, nil
	}

	name := step.Name
	e.mu.Unlock()

	return name, false, nil
}

// runStep executes one attempt of the named step. State transitions to
// Completed or Failed are left to the caller so it can apply the retry
// policy first.
func (e *Engine) runStep(ctx context.Context, id, stepName string) error {
	handler := e.stepHandler(stepName)
	if handler == nil {
		return faults.New(faults.KindHandlerMissing, "workflow", "advance",
			fmt.Sprintf("no handler registered for step %q", stepName))
	}

	step, timeout, err := e.beginAttempt(ctx, id, stepName)
	if err != nil {
		return err
	}

	e.publish(ctx, id, events.StepStarted{
		BaseEvent: e.baseEvent(events.StepStartedEvent, id),
		Step:      stepName,
		Attempt:   step.Attempt,
	})

	step.report = func(percent float64, message string) {
		_ = e.UpdateProgress(ctx, id, percent, message)
	}
	step.stash = func(payload map[string]any) {
		e.stashPayload(id, stepName, payload)
	}

	stepCtx := ctx

	if timeout > 0 {
		var cancel context.CancelFunc

		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := e.invokeHandler(stepCtx, handler, step); err != nil {
		err = faults.Classify("workflow", stepName, err)

		e.publish(ctx, id, events.StepFailed{
			BaseEvent: e.baseEvent(events.StepFailedEvent, id),
			Step:      stepName,
			Error:     err.Error(),
			Attempt:   step.Attempt,
		})

		return err
	}

	return nil
}

// invokeHandler shields the engine from panicking handlers. A panic becomes a
// handler exception fault instead of unwinding through Advance.
func (e *Engine) invokeHandler(ctx context.Context, handler StepHandler, step StepContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "Step handler panicked",
				"workflow_id", step.WorkflowID, "step", step.Step, "panic", r, "stack", string(debug.Stack()))

			err = faults.New(faults.KindHandlerException, "workflow", step.Step,
				fmt.Sprintf("handler panicked: %v", r))
		}
	}()

	return handler(ctx, step)
}

// beginAttempt marks the named step in progress and builds the context its
// handler will receive.
func (e *Engine) beginAttempt(ctx context.Context, id, stepName string) (StepContext, time.Duration, error) {
	e.mu.Lock()

	instance, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()

		return StepContext{}, 0, ErrWorkflowNotFound
	}

	if instance.Status == models.WorkflowStatusCancelled {
		e.mu.Unlock()

		return StepContext{}, 0, ErrWorkflowCancelled
	}

	step := instance.Step(stepName)
	if step == nil {
		e.mu.Unlock()

		return StepContext{}, 0, faults.New(faults.KindValidationFailed, "workflow", "advance",
			fmt.Sprintf("step %q is not part of definition %q", stepName, e.definition.Name))
	}

	now := time.Now().UTC()
	step.Status = models.StepStatusInProgress
	step.Attempts++
	step.Progress = 0
	step.Message = ""
	step.Error = ""
	step.StartedAt = &now
	step.FinishedAt = nil

	instance.Status = models.WorkflowStatusRunning
	instance.Error = ""
	instance.RecomputeProgress()
	instance.UpdatedAt = now

	stepContext := StepContext{
		WorkflowID: id,
		EntityKey:  instance.EntityKey,
		Step:       stepName,
		Attempt:    step.Attempts,
		Metadata:   instance.Metadata,
	}

	snapshot := instance.Clone()
	e.mu.Unlock()

	e.persist(ctx, snapshot)

	var timeout time.Duration
	if spec, ok := e.stepSpec(stepName); ok {
		timeout = spec.Timeout
	}

	return stepContext, timeout, nil
}

// completeStep records a successful attempt and moves the pointer forward.
func (e *Engine) completeStep(ctx context.Context, id, stepName string) (bool, error) {
	e.mu.Lock()

	instance, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()

		return false, ErrWorkflowNotFound
	}

	if instance.Status == models.WorkflowStatusCancelled {
		e.mu.Unlock()

		return false, ErrWorkflowCancelled
	}

	step := instance.Step(stepName)
	now := time.Now().UTC()

	var duration time.Duration
	if step.StartedAt != nil {
		duration = now.Sub(*step.StartedAt)
	}

	step.Status = models.StepStatusCompleted
	step.Progress = 100
	step.FinishedAt = &now

	complete := e.advancePointerLocked(instance)
	instance.UpdatedAt = now

	entityKey := instance.EntityKey
	elapsed := now.Sub(instance.CreatedAt)
	snapshot := instance.Clone()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.logger.InfoContext(ctx, "Step completed", "workflow_id", id, "step", stepName, "duration", duration)
	e.publish(ctx, id, events.StepCompleted{
		BaseEvent: e.baseEvent(events.StepCompletedEvent, id),
		Step:      stepName,
		Duration:  duration,
	})

	if complete {
		e.logger.InfoContext(ctx, "Workflow completed", "workflow_id", id, "entity_key", entityKey)
		e.publish(ctx, id, events.WorkflowCompleted{
			BaseEvent: e.baseEvent(events.WorkflowCompletedEvent, id),
			EntityKey: entityKey,
			Duration:  elapsed,
		})
	}

	return complete, nil
}

// recoverStep hands the exhausted failure to the recoverer, if one is wired.
// A nil result means the failure stands; a missing chain is not an error, it
// just leaves the step to fail.
func (e *Engine) recoverStep(ctx context.Context, id, stepName string, cause error) *recovery.ActionResult {
	if e.recoverer == nil {
		return nil
	}

	result, err := e.recoverer.Recover(ctx, stepName, cause, recovery.Hints{
		Component: stepName,
		Metadata:  map[string]any{"workflow_id": id},
	})
	if err != nil {
		if !errors.Is(err, recovery.ErrChainNotFound) {
			e.logger.WarnContext(ctx, "Step recovery failed",
				"workflow_id", id, "step", stepName, "error", err)
		}

		return nil
	}

	if !result.Recovered() {
		return nil
	}

	e.logger.InfoContext(ctx, "Step recovered",
		"workflow_id", id, "step", stepName, "outcome", result.Outcome)

	return result
}

// noteRecovery stamps the remediation message onto the step before it is
// completed as recovered.
func (e *Engine) noteRecovery(id, stepName, message string) {
	if message == "" {
		message = "recovered"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	instance, ok := e.instances[id]
	if !ok {
		return
	}

	if step := instance.Step(stepName); step != nil {
		step.Message = message
		step.Error = ""
	}
}

// failStep settles the step into Failed after the retry policy is exhausted
// and returns the cause for the caller to propagate.
func (e *Engine) failStep(ctx context.Context, id, stepName string, cause error) error {
	e.mu.Lock()

	instance, ok := e.instances[id]
	if !ok {
		e.mu.Unlock()

		return ErrWorkflowNotFound
	}

	if instance.Status == models.WorkflowStatusCancelled {
		e.mu.Unlock()

		return ErrWorkflowCancelled
	}

	step := instance.Step(stepName)
	now := time.Now().UTC()

	step.Status = models.StepStatusFailed
	step.Error = cause.Error()
	step.FinishedAt = &now

	instance.Status = models.WorkflowStatusFailed
	instance.Error = fmt.Sprintf("step %s: %v", stepName, cause)
	instance.RecomputeProgress()
	instance.UpdatedAt = now

	snapshot := instance.Clone()
	e.mu.Unlock()

	e.persist(ctx, snapshot)
	e.logger.ErrorContext(ctx, "Step failed", "workflow_id", id, "step", stepName, "error", cause)

	return cause
}

func (e *Engine) advancePointerLocked(instance *models.WorkflowInstance) bool {
	instance.CurrentStep++

	if instance.CurrentStep >= len(instance.Steps) {
		return e.finishLocked(instance)
	}

	instance.RecomputeProgress()

	return false
}

func (e *Engine) finishLocked(instance *models.WorkflowInstance) bool {
	instance.Status = models.WorkflowStatusComplete
	instance.Progress = 100
	instance.Error = ""
	instance.UpdatedAt = time.Now().UTC()

	return true
}

func (e *Engine) stashPayload(id, stepName string, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	instance, ok := e.instances[id]
	if !ok {
		return
	}

	if step := instance.Step(stepName); step != nil {
		step.RollbackPayload = payload
	}
}

func (e *Engine) statusOf(id string) models.WorkflowStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	if instance, ok := e.instances[id]; ok {
		return instance.Status
	}

	return ""
}

func (e *Engine) stepHandler(name string) StepHandler {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()

	return e.handlers[name]
}

func (e *Engine) rollbackHandler(name string) RollbackHandler {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()

	return e.rollbacks[name]
}

func (e *Engine) stepSpec(name string) (models.StepSpec, bool) {
	for _, spec := range e.definition.Steps {
		if spec.Name == name {
			return spec, true
		}
	}

	return models.StepSpec{}, false
}

func (e *Engine) baseEvent(eventType events.EventType, workflowID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, workflowID)
	base.RunnerID = e.runnerID

	return base
}

func (e *Engine) persist(ctx context.Context, instance *models.WorkflowInstance) {
	if err := e.repo.Save(ctx, instance); err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist workflow instance", "workflow_id", instance.ID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.eventBus == nil {
		return
	}

	if err := e.eventBus.Publish(ctx, key, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
