// Package deferred holds features whose construction is expensive enough to
// postpone until something actually needs them. A feature is registered with
// an initializer and a trigger, stays dormant until resolved, and caches the
// instance it produced for every later access.
package deferred

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stagekit/stagekit/pkg/deps"
	"github.com/stagekit/stagekit/pkg/eventbus"
	"github.com/stagekit/stagekit/pkg/events"
	"github.com/stagekit/stagekit/pkg/faults"
	"github.com/stagekit/stagekit/pkg/log"
	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/retry"
)

var (
	// ErrFeatureNotFound is returned when no registered feature matches the id.
	ErrFeatureNotFound = errors.New("feature not found")

	// ErrFeatureInitializing is returned when a resolve finds the feature's
	// initializer already running. Callers retry later instead of blocking.
	ErrFeatureInitializing = errors.New("feature initializing")

	// ErrFeatureUnavailable is returned when an optional feature cannot be
	// produced. Callers degrade gracefully instead of failing.
	ErrFeatureUnavailable = errors.New("feature unavailable")
)

// FeatureSpec describes one deferred feature.
type FeatureSpec struct {
	ID        string
	Trigger   models.FeatureTrigger
	DependsOn []string
	// RetryCount is the number of re-invocations after a failed initializer
	// run, so one resolve cycle runs the initializer at most RetryCount+1
	// times.
	RetryCount int
	// Optional features report ErrFeatureUnavailable on failure instead of
	// propagating the initializer's error.
	Optional bool
	Timeout  time.Duration
	Init     func(ctx context.Context) (any, error)
}

type record struct {
	spec    FeatureSpec
	feat    *models.DeferredFeature
	value   any
	initErr error
}

// Registry tracks deferred features and their cached instances. Resolution
// is cooperative: a resolve that finds another one in flight reports
// ErrFeatureInitializing rather than waiting.
type Registry struct {
	runnerID    string
	retryPolicy retry.Policy
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
	resolver    *deps.Resolver

	mu      sync.Mutex
	records map[string]*record
}

// NewRegistry creates an empty feature registry.
func NewRegistry(runnerID string, eventBus eventbus.EventPublisher) *Registry {
	return &Registry{
		runnerID:    runnerID,
		retryPolicy: retry.Default(),
		eventBus:    eventBus,
		logger:      log.WithModule("deferred-registry"),
		resolver:    deps.NewResolver(),
		records:     make(map[string]*record),
	}
}

// WithRetryPolicy overrides the delay schedule between initializer attempts.
func (r *Registry) WithRetryPolicy(policy retry.Policy) *Registry {
	r.retryPolicy = policy

	return r
}

// Register adds a feature to the registry. Duplicate ids are rejected.
func (r *Registry) Register(spec FeatureSpec) error {
	if spec.ID == "" {
		return faults.New(faults.KindValidationFailed, "deferred", "register", "feature id must not be empty")
	}

	if spec.Init == nil {
		return faults.New(faults.KindValidationFailed, "deferred", "register",
			fmt.Sprintf("feature %q has no initializer", spec.ID))
	}

	if !spec.Trigger.Valid() {
		return faults.New(faults.KindValidationFailed, "deferred", "register",
			fmt.Sprintf("feature %q has unknown trigger %q", spec.ID, spec.Trigger))
	}

	r.mu.Lock()

	if _, exists := r.records[spec.ID]; exists {
		r.mu.Unlock()

		return faults.New(faults.KindValidationFailed, "deferred", "register",
			fmt.Sprintf("feature %q already registered", spec.ID))
	}

	r.records[spec.ID] = &record{
		spec: spec,
		feat: &models.DeferredFeature{
			ID:         spec.ID,
			Trigger:    spec.Trigger,
			DependsOn:  append([]string(nil), spec.DependsOn...),
			RetryCount: spec.RetryCount,
			Optional:   spec.Optional,
			State:      models.FeatureNotInitialized,
		},
	}
	r.mu.Unlock()

	r.resolver.Register(spec.ID, spec.DependsOn...)

	return nil
}

// Resolve returns the feature's instance, initializing it on first access.
// An initialized feature returns its cached instance without re-running the
// initializer; a failed one stays failed until ResolveForce clears it.
func (r *Registry) Resolve(ctx context.Context, id string) (any, error) {
	return r.resolve(ctx, id, false)
}

// ResolveForce clears a sticky failure and re-attempts initialization.
func (r *Registry) ResolveForce(ctx context.Context, id string) (any, error) {
	return r.resolve(ctx, id, true)
}

// ResolveByTrigger resolves every uninitialized feature matching the
// trigger, dependency-first, and reports the per-feature outcomes. Failures
// never abort the batch.
func (r *Registry) ResolveByTrigger(ctx context.Context, trigger models.FeatureTrigger) map[string]error {
	r.mu.Lock()

	var ids []string

	for id, rec := range r.records {
		if rec.feat.Trigger == trigger && rec.feat.State == models.FeatureNotInitialized {
			ids = append(ids, id)
		}
	}

	r.mu.Unlock()

	sort.Strings(ids)

	ordered, err := r.resolver.Order(ids)
	if err != nil {
		// Leave cycle reporting to the per-feature resolves.
		ordered = ids
	}

	r.logger.InfoContext(ctx, "Resolving features by trigger", "trigger", trigger, "features", len(ordered))

	outcomes := make(map[string]error, len(ordered))

	for _, id := range ordered {
		_, resolveErr := r.resolve(ctx, id, false)
		outcomes[id] = resolveErr

		if resolveErr != nil {
			r.logger.WarnContext(ctx, "Feature did not resolve",
				"feature", id, "trigger", trigger, "error", resolveErr)
		}
	}

	return outcomes
}

// Disable parks a feature so resolves report it unavailable. An initializer
// in flight cannot be disabled.
func (r *Registry) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrFeatureNotFound
	}

	if rec.feat.State == models.FeatureInitializing {
		return ErrFeatureInitializing
	}

	rec.feat.State = models.FeatureDisabled
	rec.value = nil

	return nil
}

// Feature returns a snapshot of one registered feature.
func (r *Registry) Feature(id string) (*models.DeferredFeature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrFeatureNotFound
	}

	return rec.feat.Clone(), nil
}

// Features returns snapshots of every registered feature sorted by id.
func (r *Registry) Features() []*models.DeferredFeature {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*models.DeferredFeature, 0, len(r.records))
	for _, rec := range r.records {
		list = append(list, rec.feat.Clone())
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})

	return list
}

func (r *Registry) resolve(ctx context.Context, id string, force bool) (any, error) {
	r.mu.Lock()

	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()

		return nil, ErrFeatureNotFound
	}

	if force && rec.feat.State == models.FeatureFailed {
		rec.feat.State = models.FeatureNotInitialized
		rec.feat.LastError = ""
		rec.initErr = nil
	}

	switch rec.feat.State {
	case models.FeatureInitialized:
		rec.feat.Accesses++
		value := rec.value
		r.mu.Unlock()

		return value, nil

	case models.FeatureInitializing:
		r.mu.Unlock()

		return nil, ErrFeatureInitializing

	case models.FeatureDisabled:
		r.mu.Unlock()

		return nil, ErrFeatureUnavailable

	case models.FeatureFailed:
		optional := rec.feat.Optional
		initErr := rec.initErr
		r.mu.Unlock()

		if optional {
			return nil, ErrFeatureUnavailable
		}

		return nil, initErr
	}

	// This resolve owns the initialization cycle from here on.
	rec.feat.State = models.FeatureInitializing
	spec := rec.spec
	optional := rec.feat.Optional
	r.mu.Unlock()

	if err := r.resolveDependencies(ctx, rec); err != nil {
		// The dependency may become available later, so the feature goes
		// back to dormant instead of sticking in failed.
		r.setState(rec, models.FeatureNotInitialized)

		if optional {
			r.logger.WarnContext(ctx, "Optional feature missing dependency", "feature", id, "error", err)

			return nil, ErrFeatureUnavailable
		}

		return nil, err
	}

	return r.initialize(ctx, rec, spec, optional)
}

// resolveDependencies brings up the feature's prerequisites dependency-first.
func (r *Registry) resolveDependencies(ctx context.Context, rec *record) error {
	order, err := r.resolver.Transitive(rec.spec.ID)
	if err != nil {
		return faults.Wrap(faults.KindDependencyUnmet, "deferred", rec.spec.ID, err)
	}

	for _, dep := range order {
		if _, depErr := r.resolve(ctx, dep, false); depErr != nil {
			return faults.Wrap(faults.KindDependencyUnmet, "deferred", rec.spec.ID,
				fmt.Errorf("dependency %s: %w", dep, depErr))
		}
	}

	return nil
}

// initialize runs the feature's initializer with in-place retries and
// settles the record into its terminal state.
func (r *Registry) initialize(ctx context.Context, rec *record, spec FeatureSpec, optional bool) (any, error) {
	start := time.Now()

	var (
		value   any
		lastErr error
	)

	for attempt := 1; attempt <= spec.RetryCount+1; attempt++ {
		value, lastErr = r.runInit(ctx, rec, attempt)
		if lastErr == nil {
			break
		}

		if attempt <= spec.RetryCount {
			if sleepErr := retry.Sleep(ctx, r.retryPolicy.Delay(attempt)); sleepErr != nil {
				lastErr = sleepErr

				break
			}
		}
	}

	duration := time.Since(start)

	if lastErr == nil {
		r.mu.Lock()
		now := time.Now().UTC()
		rec.value = value
		rec.feat.State = models.FeatureInitialized
		rec.feat.LastError = ""
		rec.feat.InitializedAt = &now
		rec.feat.Accesses++
		attempts := rec.feat.Attempts
		r.mu.Unlock()

		r.logger.InfoContext(ctx, "Feature initialized",
			"feature", spec.ID, "attempts", attempts, "duration", duration)
		r.publish(ctx, spec.ID, events.FeatureInitialized{
			BaseEvent: r.baseEvent(events.FeatureInitializedEvent, spec.ID),
			Feature:   spec.ID,
			Trigger:   spec.Trigger,
			Attempts:  attempts,
			Duration:  duration,
		})

		return value, nil
	}

	r.mu.Lock()
	rec.feat.State = models.FeatureFailed
	rec.feat.LastError = lastErr.Error()
	rec.initErr = lastErr
	attempts := rec.feat.Attempts
	r.mu.Unlock()

	r.logger.ErrorContext(ctx, "Feature failed to initialize",
		"feature", spec.ID, "attempts", attempts, "optional", optional, "error", lastErr)
	r.publish(ctx, spec.ID, events.FeatureFailed{
		BaseEvent: r.baseEvent(events.FeatureFailedEvent, spec.ID),
		Feature:   spec.ID,
		Trigger:   spec.Trigger,
		Error:     lastErr.Error(),
		Attempts:  attempts,
		Optional:  optional,
	})

	if optional {
		return nil, ErrFeatureUnavailable
	}

	return nil, lastErr
}

// runInit executes a single initializer attempt under the feature timeout.
func (r *Registry) runInit(ctx context.Context, rec *record, attempt int) (any, error) {
	r.mu.Lock()
	rec.feat.Attempts++
	r.mu.Unlock()

	initCtx := ctx

	if rec.spec.Timeout > 0 {
		var cancel context.CancelFunc

		initCtx, cancel = context.WithTimeout(ctx, rec.spec.Timeout)
		defer cancel()
	}

	value, err := rec.spec.Init(initCtx)

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = faults.Wrap(faults.KindTimeout, "deferred", rec.spec.ID, err)
	}

	if err != nil {
		r.logger.WarnContext(ctx, "Feature initializer attempt failed",
			"feature", rec.spec.ID, "attempt", attempt, "error", err)
	}

	return value, err
}

func (r *Registry) setState(rec *record, state models.FeatureState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.feat.State = state
}

func (r *Registry) baseEvent(eventType events.EventType, subjectID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, subjectID)
	base.RunnerID = r.runnerID

	return base
}

func (r *Registry) publish(ctx context.Context, key string, event eventbus.Event) {
	if r.eventBus == nil {
		return
	}

	if err := r.eventBus.Publish(ctx, key, event); err != nil {
		r.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
