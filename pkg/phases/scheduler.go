// Package phases schedules background component loading across lifecycle
// windows. Each phase run dispatches its registered components by ascending
// priority through a small worker pool, retries failures by putting them back
// on the queue, and signals a degraded runtime when an essential component
// never loads.
package phases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
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
	// ErrComponentNotFound is returned when no registered component matches the id.
	ErrComponentNotFound = errors.New("component not found")

	// ErrComponentDisabled is returned when a load targets a disabled component.
	ErrComponentDisabled = errors.New("component disabled")

	// ErrComponentLoading is returned when an operation conflicts with a load in flight.
	ErrComponentLoading = errors.New("component load in flight")
)

// DefaultParallelism bounds each phase run when the scheduler is built
// without an explicit worker budget.
const DefaultParallelism = 2

// ComponentSpec describes one loadable component.
type ComponentSpec struct {
	ID        string
	Phase     models.LoadPhase
	Priority  int
	DependsOn []string
	Essential bool
	// RetryCount is the number of re-queues after a failed attempt, so the
	// load function runs at most RetryCount+1 times per cycle.
	RetryCount int
	Timeout    time.Duration
	Load       func(ctx context.Context) error
}

// PhaseResult summarizes one phase run.
type PhaseResult struct {
	Phase              models.LoadPhase
	Loaded             []string
	Failed             []string
	Skipped            []string
	Degraded           bool
	DegradedComponents []string
}

type entry struct {
	spec    ComponentSpec
	comp    *models.LoadableComponent
	loading chan struct{}
	seq     int
}

type queued struct {
	id      string
	attempt int
	delay   time.Duration
	entry   *entry
}

type phaseRun struct {
	mu       sync.Mutex
	pending  int
	loaded   []string
	failed   []string
	degraded []string
	queue    chan *queued
}

var phaseOrder = map[models.LoadPhase]int{
	models.PhaseImmediate:   0,
	models.PhasePostStartup: 1,
	models.PhaseUserIdle:    2,
	models.PhaseOnDemand:    3,
	models.PhaseBackground:  4,
}

// Scheduler owns the registered components and their load state. Phase runs
// and on-demand loads share that state, so a component is never loaded twice.
type Scheduler struct {
	runnerID    string
	parallelism int
	retryPolicy retry.Policy
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
	resolver    *deps.Resolver

	mu          sync.Mutex
	entries     map[string]*entry
	seq         int
	degraded    bool
	degradedIDs []string
}

// NewScheduler creates a scheduler with the given phase-run worker budget. A
// non-positive budget falls back to DefaultParallelism.
func NewScheduler(runnerID string, parallelism int, eventBus eventbus.EventPublisher) *Scheduler {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	return &Scheduler{
		runnerID:    runnerID,
		parallelism: parallelism,
		retryPolicy: retry.Default(),
		eventBus:    eventBus,
		logger:      log.WithModule("phase-scheduler"),
		resolver:    deps.NewResolver(),
		entries:     make(map[string]*entry),
	}
}

// WithRetryPolicy overrides the delay schedule used between re-queued
// attempts. Retry counts stay per component.
func (s *Scheduler) WithRetryPolicy(policy retry.Policy) *Scheduler {
	s.retryPolicy = policy

	return s
}

// Register adds a component to the schedule. Registration is safe to call
// concurrently; duplicate ids and dependency cycles are rejected.
func (s *Scheduler) Register(spec ComponentSpec) error {
	if spec.ID == "" {
		return faults.New(faults.KindValidationFailed, "phases", "register", "component id must not be empty")
	}

	if spec.Load == nil {
		return faults.New(faults.KindValidationFailed, "phases", "register",
			fmt.Sprintf("component %q has no load function", spec.ID))
	}

	if !spec.Phase.Valid() {
		return faults.New(faults.KindValidationFailed, "phases", "register",
			fmt.Sprintf("component %q has unknown phase %q", spec.ID, spec.Phase))
	}

	s.mu.Lock()

	if _, exists := s.entries[spec.ID]; exists {
		s.mu.Unlock()

		return faults.New(faults.KindValidationFailed, "phases", "register",
			fmt.Sprintf("component %q already registered", spec.ID))
	}

	s.resolver.Register(spec.ID, spec.DependsOn...)

	if _, err := s.resolver.Transitive(spec.ID); err != nil {
		s.resolver.Unregister(spec.ID)
		s.mu.Unlock()

		return faults.New(faults.KindValidationFailed, "phases", "register",
			fmt.Sprintf("component %q closes a dependency cycle", spec.ID))
	}

	comp := &models.LoadableComponent{
		ID:        spec.ID,
		Phase:     spec.Phase,
		Priority:  spec.Priority,
		DependsOn: slices.Clone(spec.DependsOn),
		Essential: spec.Essential,
		State:     models.ComponentNotLoaded,
	}
	s.entries[spec.ID] = &entry{spec: spec, comp: comp, seq: s.seq}
	s.seq++
	s.mu.Unlock()

	return nil
}

// RunPhase loads every runnable component of the phase and blocks until the
// run settles. Components with unmet dependencies are skipped for this run;
// load failures never fail the phase, they surface through the result.
func (s *Scheduler) RunPhase(ctx context.Context, phase models.LoadPhase) (*PhaseResult, error) {
	if !phase.Valid() {
		return nil, faults.New(faults.KindValidationFailed, "phases", "run_phase",
			fmt.Sprintf("unknown phase %q", phase))
	}

	runnable, skipped := s.collectRunnable(phase)
	result := &PhaseResult{Phase: phase, Skipped: skipped}

	s.logger.InfoContext(ctx, "Running load phase",
		"phase", phase, "components", len(runnable), "skipped", len(skipped))

	if len(runnable) == 0 {
		s.publishPhaseCompleted(ctx, result)

		return result, nil
	}

	// The queue is sized for the worst case so a re-queue can never block.
	capacity := 0

	for _, q := range runnable {
		if e, ok := s.entry(q.id); ok {
			capacity += e.spec.RetryCount + 1
		}
	}

	run := &phaseRun{pending: len(runnable), queue: make(chan *queued, capacity)}
	for _, q := range runnable {
		run.queue <- q
	}

	var wg sync.WaitGroup

	for range min(s.parallelism, len(runnable)) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for q := range run.queue {
				s.process(ctx, run, q)
			}
		}()
	}

	wg.Wait()

	run.mu.Lock()
	result.Loaded = run.loaded
	result.Failed = run.failed
	result.DegradedComponents = run.degraded
	result.Degraded = len(run.degraded) > 0
	run.mu.Unlock()

	if result.Degraded {
		s.publish(ctx, string(phase), events.RuntimeDegraded{
			BaseEvent:  s.baseEvent(events.RuntimeDegradedEvent, string(phase)),
			Phase:      phase,
			Components: result.DegradedComponents,
		})
	}

	s.publishPhaseCompleted(ctx, result)
	s.logger.InfoContext(ctx, "Load phase finished",
		"phase", phase, "loaded", len(result.Loaded), "failed", len(result.Failed), "degraded", result.Degraded)

	return result, ctx.Err()
}

// LoadNow loads a component synchronously, loading unloaded dependencies
// first. A load already in flight is joined rather than duplicated.
func (s *Scheduler) LoadNow(ctx context.Context, id string) error {
	if _, ok := s.entry(id); !ok {
		return ErrComponentNotFound
	}

	order, err := s.resolver.Transitive(id)
	if err != nil {
		return faults.Wrap(faults.KindDependencyUnmet, "phases", id, err)
	}

	for _, dep := range order {
		if err := s.loadOne(ctx, dep); err != nil {
			return faults.Wrap(faults.KindDependencyUnmet, "phases", id,
				fmt.Errorf("dependency %s: %w", dep, err))
		}
	}

	return s.loadOne(ctx, id)
}

// Disable withdraws a component from scheduling. A load in flight cannot be
// disabled.
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrComponentNotFound
	}

	if e.comp.State == models.ComponentLoading {
		return ErrComponentLoading
	}

	e.comp.State = models.ComponentDisabled

	return nil
}

// Degraded reports whether any essential component has failed, and which.
func (s *Scheduler) Degraded() (bool, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.degraded, slices.Clone(s.degradedIDs)
}

// Component returns a snapshot of one registered component.
func (s *Scheduler) Component(id string) (*models.LoadableComponent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrComponentNotFound
	}

	return e.comp.Clone(), nil
}

// Components returns snapshots of every registered component in phase order,
// then by priority.
func (s *Scheduler) Components() []*models.LoadableComponent {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*models.LoadableComponent, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e.comp.Clone())
	}

	sort.Slice(list, func(i, j int) bool {
		if phaseOrder[list[i].Phase] != phaseOrder[list[j].Phase] {
			return phaseOrder[list[i].Phase] < phaseOrder[list[j].Phase]
		}

		return list[i].Priority < list[j].Priority
	})

	return list
}

// collectRunnable picks the phase's not-yet-loaded components whose
// dependencies are satisfied, ordered by ascending priority with
// registration order breaking ties.
func (s *Scheduler) collectRunnable(phase models.LoadPhase) ([]*queued, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		id       string
		priority int
		seq      int
	}

	var (
		candidates []candidate
		skipped    []string
	)

	isLoaded := func(dep string) bool {
		if d, ok := s.entries[dep]; ok {
			return d.comp.State == models.ComponentLoaded
		}

		return false
	}

	for id, e := range s.entries {
		if e.comp.Phase != phase || e.comp.State != models.ComponentNotLoaded {
			continue
		}

		if missing := s.resolver.Missing(id, isLoaded); len(missing) > 0 {
			s.logger.Debug("Skipping component with unmet dependencies", "component", id, "missing", missing)
			skipped = append(skipped, id)

			continue
		}

		candidates = append(candidates, candidate{id: id, priority: e.comp.Priority, seq: e.seq})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority < candidates[j].priority
		}

		return candidates[i].seq < candidates[j].seq
	})

	sort.Strings(skipped)

	runnable := make([]*queued, 0, len(candidates))
	for _, c := range candidates {
		runnable = append(runnable, &queued{id: c.id, attempt: 1})
	}

	return runnable, skipped
}

// process handles one queue element: first attempts claim the load, re-queued
// attempts already own it. Every element settles the run exactly once or puts
// a successor back on the queue.
func (s *Scheduler) process(ctx context.Context, run *phaseRun, q *queued) {
	if q.delay > 0 {
		if err := retry.Sleep(ctx, q.delay); err != nil {
			if q.entry != nil {
				s.failComponent(ctx, q.entry, err, false)
			}

			s.settle(run, q.id, false)

			return
		}
	}

	if q.entry == nil {
		e, waitCh, already, err := s.beginLoad(q.id)
		if err != nil {
			s.logger.WarnContext(ctx, "Component not runnable", "component", q.id, "error", err)
			s.settle(run, q.id, false)

			return
		}

		if already {
			s.settle(run, q.id, true)

			return
		}

		if waitCh != nil {
			// Another flow owns this load; adopt its outcome.
			select {
			case <-waitCh:
			case <-ctx.Done():
				s.settle(run, q.id, false)

				return
			}

			comp, getErr := s.Component(q.id)
			s.settle(run, q.id, getErr == nil && comp.State == models.ComponentLoaded)

			return
		}

		q.entry = e
	}

	duration, err := s.runLoad(ctx, q.entry)
	if err == nil {
		s.finishLoad(q.entry, nil)
		s.publishLoaded(ctx, q.entry, duration)
		s.settle(run, q.id, true)

		return
	}

	if q.attempt <= q.entry.spec.RetryCount {
		run.queue <- &queued{
			id:      q.id,
			attempt: q.attempt + 1,
			delay:   s.retryPolicy.Delay(q.attempt),
			entry:   q.entry,
		}

		return
	}

	s.failComponent(ctx, q.entry, err, false)
	s.settle(run, q.id, false)
}

// loadOne runs the full load cycle for one component with in-place retries.
func (s *Scheduler) loadOne(ctx context.Context, id string) error {
	e, waitCh, already, err := s.beginLoad(id)
	if err != nil {
		return err
	}

	if already {
		return nil
	}

	if waitCh != nil {
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}

		comp, getErr := s.Component(id)
		if getErr != nil {
			return getErr
		}

		if comp.State == models.ComponentLoaded {
			return nil
		}

		return faults.New(faults.KindHandlerException, "phases", id, comp.LastError)
	}

	var lastErr error

	for attempt := 1; attempt <= e.spec.RetryCount+1; attempt++ {
		duration, loadErr := s.runLoad(ctx, e)
		if loadErr == nil {
			s.finishLoad(e, nil)
			s.publishLoaded(ctx, e, duration)

			return nil
		}

		lastErr = loadErr

		if attempt <= e.spec.RetryCount {
			if sleepErr := retry.Sleep(ctx, s.retryPolicy.Delay(attempt)); sleepErr != nil {
				break
			}
		}
	}

	s.failComponent(ctx, e, lastErr, true)

	return lastErr
}

// beginLoad claims a component for loading. It reports an already-loaded
// component, hands back the wait channel of a load in flight, or transitions
// the component to Loading for the caller to run.
func (s *Scheduler) beginLoad(id string) (*entry, chan struct{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, nil, false, ErrComponentNotFound
	}

	switch e.comp.State {
	case models.ComponentLoaded:
		return e, nil, true, nil
	case models.ComponentDisabled:
		return nil, nil, false, ErrComponentDisabled
	case models.ComponentLoading:
		return e, e.loading, false, nil
	}

	e.comp.State = models.ComponentLoading
	e.loading = make(chan struct{})

	return e, nil, false, nil
}

// runLoad executes a single load attempt under the component timeout.
func (s *Scheduler) runLoad(ctx context.Context, e *entry) (time.Duration, error) {
	s.mu.Lock()
	e.comp.Attempts++
	attempt := e.comp.Attempts
	s.mu.Unlock()

	loadCtx := ctx

	if e.spec.Timeout > 0 {
		var cancel context.CancelFunc

		loadCtx, cancel = context.WithTimeout(ctx, e.spec.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := e.spec.Load(loadCtx)
	duration := time.Since(start)

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = faults.Wrap(faults.KindTimeout, "phases", e.spec.ID, err)
	}

	if err != nil {
		s.logger.WarnContext(ctx, "Component load attempt failed",
			"component", e.spec.ID, "attempt", attempt, "error", err)
	}

	return duration, err
}

// finishLoad records the terminal outcome of a load cycle and releases
// everyone waiting on it.
func (s *Scheduler) finishLoad(e *entry, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cause == nil {
		now := time.Now().UTC()
		e.comp.State = models.ComponentLoaded
		e.comp.LastError = ""
		e.comp.LoadedAt = &now
	} else {
		e.comp.State = models.ComponentFailed
		e.comp.LastError = cause.Error()
	}

	if e.loading != nil {
		close(e.loading)
		e.loading = nil
	}
}

// failComponent settles a load cycle as failed and raises the degraded signal
// for essential components.
func (s *Scheduler) failComponent(ctx context.Context, e *entry, cause error, emitDegraded bool) {
	s.finishLoad(e, cause)

	s.mu.Lock()

	attempts := e.comp.Attempts
	phase := e.comp.Phase
	essential := e.comp.Essential

	if essential {
		s.degraded = true

		if !slices.Contains(s.degradedIDs, e.spec.ID) {
			s.degradedIDs = append(s.degradedIDs, e.spec.ID)
		}
	}

	s.mu.Unlock()

	s.logger.ErrorContext(ctx, "Component failed to load",
		"component", e.spec.ID, "attempts", attempts, "essential", essential, "error", cause)
	s.publish(ctx, e.spec.ID, events.ComponentFailed{
		BaseEvent: s.baseEvent(events.ComponentFailedEvent, e.spec.ID),
		Component: e.spec.ID,
		Phase:     phase,
		Error:     cause.Error(),
		Attempts:  attempts,
		Essential: essential,
	})

	if essential && emitDegraded {
		s.publish(ctx, e.spec.ID, events.RuntimeDegraded{
			BaseEvent:  s.baseEvent(events.RuntimeDegradedEvent, e.spec.ID),
			Phase:      phase,
			Components: []string{e.spec.ID},
		})
	}
}

func (s *Scheduler) settle(run *phaseRun, id string, success bool) {
	essential := s.isEssential(id)

	run.mu.Lock()

	if success {
		run.loaded = append(run.loaded, id)
	} else {
		run.failed = append(run.failed, id)

		if essential {
			run.degraded = append(run.degraded, id)
		}
	}

	run.pending--
	done := run.pending == 0

	run.mu.Unlock()

	if done {
		close(run.queue)
	}
}

func (s *Scheduler) publishLoaded(ctx context.Context, e *entry, duration time.Duration) {
	s.mu.Lock()
	attempts := e.comp.Attempts
	phase := e.comp.Phase
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Component loaded",
		"component", e.spec.ID, "attempts", attempts, "duration", duration)
	s.publish(ctx, e.spec.ID, events.ComponentLoaded{
		BaseEvent: s.baseEvent(events.ComponentLoadedEvent, e.spec.ID),
		Component: e.spec.ID,
		Phase:     phase,
		Attempts:  attempts,
		Duration:  duration,
	})
}

func (s *Scheduler) publishPhaseCompleted(ctx context.Context, result *PhaseResult) {
	s.publish(ctx, string(result.Phase), events.PhaseCompleted{
		BaseEvent: s.baseEvent(events.PhaseCompletedEvent, string(result.Phase)),
		Phase:     result.Phase,
		Loaded:    result.Loaded,
		Failed:    result.Failed,
	})
}

func (s *Scheduler) isEssential(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		return e.comp.Essential
	}

	return false
}

func (s *Scheduler) entry(id string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]

	return e, ok
}

func (s *Scheduler) baseEvent(eventType events.EventType, subjectID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, subjectID)
	base.RunnerID = s.runnerID

	return base
}

func (s *Scheduler) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.eventBus == nil {
		return
	}

	if err := s.eventBus.Publish(ctx, key, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
