// Package recovery turns classified failures into remediation. A failure is
// first matched against generic heuristics keyed by its fault kind, then
// against the failing component's fallback chain; every attempt lands in the
// recovery history regardless of outcome.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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
	"github.com/stagekit/stagekit/pkg/retry"
)

var (
	// ErrChainNotFound is returned when no fallback chain is registered for
	// the component.
	ErrChainNotFound = errors.New("fallback chain not found")

	// ErrNoHeuristic is returned when no heuristic matches the failure kind.
	ErrNoHeuristic = errors.New("no heuristic for failure kind")
)

// ActionResult is what a successful remediation hands back to the caller.
// Value optionally carries a substitute for whatever the failure destroyed,
// such as a replacement directory path.
type ActionResult struct {
	Outcome models.RecoveryOutcome
	Value   any
	Message string
}

// Recovered reports whether the result counts as a usable remediation.
func (r *ActionResult) Recovered() bool {
	return r != nil && r.Outcome != models.OutcomeFailed
}

// ActionFunc executes one fallback action against the failure that
// triggered recovery.
type ActionFunc func(ctx context.Context, cause error) (*ActionResult, error)

// Heuristic is a generic remediation keyed by fault kind rather than by
// component.
type Heuristic func(ctx context.Context, cause error, hints Hints) (*ActionResult, error)

// Hints carries optional context for heuristics, such as the path a failed
// operation was working against.
type Hints struct {
	Component string
	Path      string
	Metadata  map[string]any
}

// ActionSpec declares one fallback action of a chain.
type ActionSpec struct {
	Name     string
	Priority int
	// MaxAttempts caps the action's cumulative attempts across recovery
	// calls. Zero means one attempt.
	MaxAttempts int
	Run         ActionFunc
}

// ChainSpec declares a component's fallback chain.
type ChainSpec struct {
	ComponentID string
	// Critical components escalate an unrecovered failure as a critical
	// fault instead of absorbing it.
	Critical bool
	Actions  []ActionSpec
	// Emergency runs as last resort after every action is exhausted.
	Emergency ActionFunc
}

type chainState struct {
	chain     *models.FallbackChain
	actions   map[string]ActionFunc
	emergency ActionFunc
}

// Coordinator maps failures to remediation and keeps the attempt history.
type Coordinator struct {
	runnerID    string
	retryPolicy retry.Policy
	attempts    persistence.AttemptRepository
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger

	mu     sync.Mutex
	chains map[string]*chainState

	heuristicsMu sync.RWMutex
	heuristics   map[faults.Kind]Heuristic
}

// NewCoordinator creates a recovery coordinator on top of the attempt
// history repository.
func NewCoordinator(runnerID string, attempts persistence.AttemptRepository, eventBus eventbus.EventPublisher) *Coordinator {
	return &Coordinator{
		runnerID:    runnerID,
		retryPolicy: retry.Default(),
		attempts:    attempts,
		eventBus:    eventBus,
		logger:      log.WithModule("recovery-coordinator"),
		chains:      make(map[string]*chainState),
		heuristics:  make(map[faults.Kind]Heuristic),
	}
}

// WithRetryPolicy overrides the delay schedule between successive fallback
// actions.
func (c *Coordinator) WithRetryPolicy(policy retry.Policy) *Coordinator {
	c.retryPolicy = policy

	return c
}

// WithBuiltinHeuristics installs the stock remediations: recreate a missing
// directory (falling back to a temporary one), release memory under
// pressure, and switch to offline mode on timeouts.
func (c *Coordinator) WithBuiltinHeuristics() *Coordinator {
	c.heuristicsMu.Lock()
	defer c.heuristicsMu.Unlock()

	c.heuristics[faults.KindDependencyUnmet] = DirectoryHeuristic
	c.heuristics[faults.KindResourceExhausted] = MemoryHeuristic
	c.heuristics[faults.KindTimeout] = OfflineHeuristic

	return c
}

// RegisterChain adds a component's fallback chain. Actions run in ascending
// priority order.
func (c *Coordinator) RegisterChain(spec ChainSpec) error {
	if spec.ComponentID == "" {
		return faults.New(faults.KindValidationFailed, "recovery", "register_chain", "component id must not be empty")
	}

	if len(spec.Actions) == 0 {
		return faults.New(faults.KindValidationFailed, "recovery", "register_chain",
			fmt.Sprintf("chain for %q has no actions", spec.ComponentID))
	}

	actions := make([]models.FallbackAction, 0, len(spec.Actions))
	runs := make(map[string]ActionFunc, len(spec.Actions))

	for _, action := range spec.Actions {
		if action.Name == "" || action.Run == nil {
			return faults.New(faults.KindValidationFailed, "recovery", "register_chain",
				fmt.Sprintf("chain for %q has an action without name or function", spec.ComponentID))
		}

		if _, dup := runs[action.Name]; dup {
			return faults.New(faults.KindValidationFailed, "recovery", "register_chain",
				fmt.Sprintf("chain for %q repeats action %q", spec.ComponentID, action.Name))
		}

		maxAttempts := action.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}

		actions = append(actions, models.FallbackAction{
			Name:        action.Name,
			Priority:    action.Priority,
			MaxAttempts: maxAttempts,
		})
		runs[action.Name] = action.Run
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority < actions[j].Priority
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.chains[spec.ComponentID]; exists {
		return faults.New(faults.KindValidationFailed, "recovery", "register_chain",
			fmt.Sprintf("chain for %q already registered", spec.ComponentID))
	}

	c.chains[spec.ComponentID] = &chainState{
		chain: &models.FallbackChain{
			ComponentID: spec.ComponentID,
			Critical:    spec.Critical,
			Actions:     actions,
		},
		actions:   runs,
		emergency: spec.Emergency,
	}

	return nil
}

// RegisterHeuristic keys a generic recovery function by fault kind,
// replacing any previous one.
func (c *Coordinator) RegisterHeuristic(kind faults.Kind, fn Heuristic) error {
	if kind == "" || fn == nil {
		return faults.New(faults.KindValidationFailed, "recovery", "register_heuristic",
			"heuristic needs a kind and a function")
	}

	c.heuristicsMu.Lock()
	defer c.heuristicsMu.Unlock()

	c.heuristics[kind] = fn

	return nil
}

// Recover tries the heuristic matching the failure kind first and falls
// through to the component's fallback chain when it misses or fails.
func (c *Coordinator) Recover(ctx context.Context, componentID string, cause error, hints Hints) (*ActionResult, error) {
	if hints.Component == "" {
		hints.Component = componentID
	}

	result, err := c.AttemptAutoRecovery(ctx, cause, hints)
	if err == nil && result.Recovered() {
		return result, nil
	}

	if err != nil && !errors.Is(err, ErrNoHeuristic) {
		c.logger.WarnContext(ctx, "Auto-recovery failed, trying fallback chain",
			"component", componentID, "error", err)
	}

	return c.AttemptRecovery(ctx, componentID, cause)
}

// AttemptAutoRecovery runs the heuristic registered for the failure's kind.
func (c *Coordinator) AttemptAutoRecovery(ctx context.Context, cause error, hints Hints) (*ActionResult, error) {
	kind := faults.KindOf(cause)

	c.heuristicsMu.RLock()
	heuristic, ok := c.heuristics[kind]
	c.heuristicsMu.RUnlock()

	if !ok {
		return nil, ErrNoHeuristic
	}

	started := time.Now().UTC()
	result, err := heuristic(ctx, cause, hints)

	attempt := &models.RecoveryAttempt{
		ID:          uuid.New().String(),
		ComponentID: hints.Component,
		Kind:        string(kind),
		Outcome:     models.OutcomeFailed,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}

	if err != nil {
		attempt.Error = err.Error()
	} else if result != nil {
		attempt.Outcome = result.Outcome
		attempt.Message = result.Message
	}

	c.record(ctx, attempt)

	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "Auto-recovery heuristic applied",
		"kind", kind, "component", hints.Component, "outcome", attempt.Outcome)

	return result, nil
}

// AttemptRecovery walks the component's fallback chain in priority order
// until an action reports success or partial success. Exhausted actions are
// skipped; when everything is spent the emergency handler is the last
// resort.
func (c *Coordinator) AttemptRecovery(ctx context.Context, componentID string, cause error) (*ActionResult, error) {
	c.mu.Lock()

	state, ok := c.chains[componentID]
	if !ok {
		c.mu.Unlock()

		return nil, ErrChainNotFound
	}

	critical := state.chain.Critical
	c.mu.Unlock()

	var lastErr error

	ran := 0

	for {
		name, run, ok := c.claimAction(state)
		if !ok {
			break
		}

		ran++

		if ran > 1 {
			if err := retry.Sleep(ctx, c.retryPolicy.Delay(ran-1)); err != nil {
				return nil, err
			}
		}

		result, err := c.runAction(ctx, componentID, name, run, cause)
		if err != nil {
			lastErr = err

			continue
		}

		if result.Recovered() {
			return result, nil
		}

		lastErr = fmt.Errorf("action %s reported failure", name)
	}

	if state.emergency != nil {
		c.logger.WarnContext(ctx, "Fallback chain exhausted, running emergency handler",
			"component", componentID)

		result, err := c.runAction(ctx, componentID, "emergency", state.emergency, cause)
		if err == nil && result.Recovered() {
			return result, nil
		}

		if err != nil {
			lastErr = err
		}
	}

	if lastErr == nil {
		lastErr = cause
	}

	c.logger.ErrorContext(ctx, "Component recovery failed",
		"component", componentID, "critical", critical, "error", lastErr)

	if critical {
		return nil, faults.Wrap(faults.KindOf(cause), componentID, "recover", lastErr).
			WithSeverity(faults.SeverityCritical)
	}

	return nil, fmt.Errorf("recovery exhausted for component %s: %w", componentID, lastErr)
}

// History returns recorded attempts. A component id narrows the listing to
// that component in the order the attempts ran; without one the global log
// comes back newest first, capped by limit when positive.
func (c *Coordinator) History(ctx context.Context, componentID string, limit int) ([]*models.RecoveryAttempt, error) {
	if c.attempts == nil {
		return nil, nil
	}

	if componentID != "" {
		return c.attempts.ListByComponent(ctx, componentID)
	}

	return c.attempts.List(ctx, limit)
}

// Chains returns snapshots of the registered fallback chains sorted by
// component id.
func (c *Coordinator) Chains() []*models.FallbackChain {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := make([]*models.FallbackChain, 0, len(c.chains))
	for _, state := range c.chains {
		list = append(list, state.chain.Clone())
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].ComponentID < list[j].ComponentID
	})

	return list
}

// claimAction picks the next non-exhausted action by priority and charges
// one attempt to it.
func (c *Coordinator) claimAction(state *chainState) (string, ActionFunc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range state.chain.Actions {
		action := &state.chain.Actions[i]
		if action.Attempts >= action.MaxAttempts {
			continue
		}

		action.Attempts++

		return action.Name, state.actions[action.Name], true
	}

	return "", nil, false
}

// runAction executes one fallback action and records the attempt.
func (c *Coordinator) runAction(ctx context.Context, componentID, name string, run ActionFunc, cause error) (*ActionResult, error) {
	started := time.Now().UTC()
	result, err := run(ctx, cause)

	attempt := &models.RecoveryAttempt{
		ID:          uuid.New().String(),
		ComponentID: componentID,
		Action:      name,
		Outcome:     models.OutcomeFailed,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}

	if err != nil {
		attempt.Error = err.Error()
	} else if result != nil {
		attempt.Outcome = result.Outcome
		attempt.Message = result.Message
	}

	c.record(ctx, attempt)

	if err != nil {
		c.logger.WarnContext(ctx, "Fallback action failed",
			"component", componentID, "action", name, "error", err)

		return nil, err
	}

	return result, nil
}

// record appends one attempt to the history and publishes it. Neither
// failure blocks recovery itself.
func (c *Coordinator) record(ctx context.Context, attempt *models.RecoveryAttempt) {
	if c.attempts != nil {
		if err := c.attempts.Append(ctx, attempt); err != nil {
			c.logger.ErrorContext(ctx, "Failed to record recovery attempt",
				"component", attempt.ComponentID, "error", err)
		}
	}

	if c.eventBus == nil {
		return
	}

	base := events.NewBaseEvent(events.RecoveryAttemptedEvent, attempt.ComponentID)
	base.RunnerID = c.runnerID

	event := events.RecoveryAttempted{
		BaseEvent: base,
		Component: attempt.ComponentID,
		Action:    attempt.Action,
		ErrorKind: attempt.Kind,
		Outcome:   attempt.Outcome,
		Error:     attempt.Error,
	}

	if err := c.eventBus.Publish(ctx, attempt.ComponentID, event); err != nil {
		c.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
