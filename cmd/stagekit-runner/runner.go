package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stagekit/stagekit/pkg/bulk"
	"github.com/stagekit/stagekit/pkg/deferred"
	"github.com/stagekit/stagekit/pkg/eventbus"
	"github.com/stagekit/stagekit/pkg/handlers/simulate"
	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/otelhelper"
	"github.com/stagekit/stagekit/pkg/persistence"
	"github.com/stagekit/stagekit/pkg/phases"
	"github.com/stagekit/stagekit/pkg/queue"
	"github.com/stagekit/stagekit/pkg/recovery"
	"github.com/stagekit/stagekit/pkg/retry"
	"github.com/stagekit/stagekit/pkg/services"
	"github.com/stagekit/stagekit/pkg/web"
	"github.com/stagekit/stagekit/pkg/workflow"
)

// Config carries the runner options parsed from the command line.
type Config struct {
	Port            int
	Workers         int
	RedisURL        string
	Queue           string
	CleanupSchedule string
	Retention       time.Duration
	Simulate        bool
	Tracing         bool
}

const simulateStepDelay = 500 * time.Millisecond

// Runner owns the orchestration modules and serves the HTTP API over them.
// Its optional subsystems (queue intake, retention sweep, event feed) are
// registered through the scheduler and registry it ships, so they follow the
// same phase and degraded-mode rules as any other component.
type Runner struct {
	id     string
	logger *slog.Logger
	config Config

	store    persistence.Persistence
	eventBus eventbus.EventBus

	engine      *workflow.Engine
	coordinator *bulk.Coordinator
	scheduler   *phases.Scheduler
	registry    *deferred.Registry
	recovery    *recovery.Coordinator

	tracer trace.Tracer

	mu       sync.Mutex
	consumer *queue.Consumer
	cron     *cron.Cron
}

func NewRunner(
	id string,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	config Config,
	logger *slog.Logger,
) (*Runner, error) {
	engine, err := workflow.NewEngine(id, models.DefaultModuleInstall(), store.Instances(), eventBus)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow engine: %w", err)
	}

	recoveryCoordinator := recovery.NewCoordinator(id, store.Attempts(), eventBus).WithBuiltinHeuristics()
	engine.WithRetryPolicy(retry.Default()).WithRecovery(recoveryCoordinator)

	return &Runner{
		id:          id,
		logger:      logger,
		config:      config,
		store:       store,
		eventBus:    eventBus,
		engine:      engine,
		coordinator: bulk.NewCoordinator(id, config.Workers, eventBus),
		scheduler:   phases.NewScheduler(id, 0, eventBus),
		registry:    deferred.NewRegistry(id, eventBus),
		recovery:    recoveryCoordinator,
	}, nil
}

// Run brings the runner up, serves the API and blocks until SIGINT or
// SIGTERM.
func (r *Runner) Run(ctx context.Context) error {
	if r.config.Tracing {
		tracer, err := otelhelper.NewTracer(ctx, "stagekit-runner")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		r.tracer = tracer
	}

	if r.config.Simulate {
		if err := r.registerSimulationHandlers(); err != nil {
			return fmt.Errorf("failed to register simulation handlers: %w", err)
		}
	}

	if err := r.registerSubsystems(); err != nil {
		return fmt.Errorf("failed to register runner subsystems: %w", err)
	}

	restored, err := r.engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore workflow instances: %w", err)
	}

	if restored > 0 {
		r.logger.InfoContext(ctx, "Restored persisted workflow instances", "count", restored)
	}

	if err := r.eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	r.startPhases(ctx)

	api := NewAPI(r.logger, r.engine, r.coordinator, r.scheduler, r.registry, r.recovery, r.store, r.feedResolver())

	errCh := make(chan error, 1)

	go func() {
		errCh <- api.Start(r.config.Port)
	}()

	r.logger.InfoContext(ctx, "Runner started", "port", r.config.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigChan:
	}

	r.logger.InfoContext(ctx, "Shutting down runner...")
	r.shutdown(ctx, api)

	return nil
}

// startPhases runs the startup load phases and fires the system-ready
// trigger. A degraded outcome is logged, not fatal: the runner keeps serving
// with whatever loaded.
func (r *Runner) startPhases(ctx context.Context) {
	for _, phase := range []models.LoadPhase{models.PhaseImmediate, models.PhasePostStartup} {
		result, err := r.scheduler.RunPhase(ctx, phase)
		if err != nil {
			r.logger.ErrorContext(ctx, "Phase run failed", "phase", phase, "error", err)

			continue
		}

		r.logger.InfoContext(ctx, "Phase completed",
			"phase", phase, "loaded", len(result.Loaded), "failed", len(result.Failed))
	}

	for id, err := range r.registry.ResolveByTrigger(ctx, models.TriggerSystemReady) {
		if err != nil {
			r.logger.WarnContext(ctx, "System-ready feature failed to resolve", "feature", id, "error", err)
		}
	}

	// Background components load once the system is up and serving.
	if _, err := r.scheduler.RunPhase(ctx, models.PhaseBackground); err != nil {
		r.logger.ErrorContext(ctx, "Phase run failed", "phase", models.PhaseBackground, "error", err)
	}

	if degraded, components := r.scheduler.Degraded(); degraded {
		r.logger.WarnContext(ctx, "Runner is degraded", "components", components)
	}
}

// registerSubsystems wires the runner's own optional pieces through the
// scheduler and registry.
func (r *Runner) registerSubsystems() error {
	if r.config.RedisURL != "" {
		spec := phases.ComponentSpec{
			ID:         "queue-intake",
			Phase:      models.PhasePostStartup,
			RetryCount: 2,
			Load:       r.loadQueueIntake,
		}
		if err := r.scheduler.Register(spec); err != nil {
			return err
		}

		reconnect := func(ctx context.Context, _ error) (*recovery.ActionResult, error) {
			if err := r.loadQueueIntake(ctx); err != nil {
				return nil, err
			}

			return &recovery.ActionResult{
				Outcome: models.OutcomeSuccess,
				Message: "queue consumer reconnected",
			}, nil
		}

		if err := r.recovery.RegisterChain(recovery.ChainSpec{
			ComponentID: "queue-intake",
			Actions: []recovery.ActionSpec{
				{Name: "reconnect", MaxAttempts: 3, Run: reconnect},
			},
		}); err != nil {
			return err
		}
	}

	if err := r.scheduler.Register(phases.ComponentSpec{
		ID:    "retention-cron",
		Phase: models.PhaseBackground,
		Load:  r.loadRetentionCron,
	}); err != nil {
		return err
	}

	return r.registry.Register(deferred.FeatureSpec{
		ID:       "event-feed",
		Trigger:  models.TriggerFirstAccess,
		Optional: true,
		Init: func(_ context.Context) (any, error) {
			feed := services.NewFeed(0)
			if err := feed.Attach(r.eventBus); err != nil {
				return nil, err
			}

			return feed, nil
		},
	})
}

// loadQueueIntake connects the Redis consumer and hands submissions to the
// bulk coordinator. The consumer outlives the load call, so it runs on the
// background context and stops through Stop on shutdown.
func (r *Runner) loadQueueIntake(ctx context.Context) error {
	consumer, err := queue.NewConsumer(queue.Config{
		Addr:  strings.TrimPrefix(r.config.RedisURL, "redis://"),
		Queue: r.config.Queue,
	}, r.coordinator.Execute)
	if err != nil {
		return err
	}

	if err := consumer.Start(context.Background()); err != nil {
		return err
	}

	r.mu.Lock()
	old := r.consumer
	r.consumer = consumer
	r.mu.Unlock()

	if old != nil {
		if err := old.Stop(ctx); err != nil {
			r.logger.WarnContext(ctx, "Failed to stop replaced queue consumer", "error", err)
		}
	}

	return nil
}

// loadRetentionCron schedules the periodic sweep of finished instances and
// operations.
func (r *Runner) loadRetentionCron(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := c.AddFunc(r.config.CleanupSchedule, r.sweep)
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", r.config.CleanupSchedule, err)
	}

	c.Start()

	r.mu.Lock()
	old := r.cron
	r.cron = c
	r.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	r.logger.InfoContext(ctx, "Retention sweep scheduled",
		"schedule", r.config.CleanupSchedule, "retention", r.config.Retention)

	return nil
}

func (r *Runner) sweep() {
	ctx := context.Background()

	instances := r.engine.Cleanup(ctx, r.config.Retention)
	operations := r.coordinator.Cleanup(r.config.Retention)

	if instances > 0 || operations > 0 {
		r.logger.InfoContext(ctx, "Retention sweep removed finished work",
			"instances", instances, "operations", operations)
	}
}

// registerSimulationHandlers binds scripted demo handlers, rollbacks
// included, to the default definition and registers a demo bulk kind, so the
// runner is exercisable without external handler code.
func (r *Runner) registerSimulationHandlers() error {
	sim := simulate.New()

	for _, step := range models.DefaultModuleInstall().Steps {
		sim.Script(step.Name, simulate.Outcome{Latency: simulateStepDelay})

		handler := r.wrapStep(step.Name, sim.Handler(step.Name))
		if err := r.engine.RegisterHandler(step.Name, handler); err != nil {
			return err
		}

		if err := r.engine.RegisterRollback(step.Name, sim.RollbackHandler(step.Name)); err != nil {
			return err
		}
	}

	return r.coordinator.RegisterHandler("log", nil, r.wrapTask("log",
		func(ctx context.Context, target string, _ map[string]any) error {
			r.logger.InfoContext(ctx, "Bulk target processed", "target", target)

			return nil
		}))
}

// wrapStep decorates a step handler with a span when tracing is enabled.
func (r *Runner) wrapStep(name string, handler workflow.StepHandler) workflow.StepHandler {
	if r.tracer == nil {
		return handler
	}

	return func(ctx context.Context, step workflow.StepContext) error {
		ctx, span := otelhelper.StartSpan(ctx, r.tracer, "workflow.step",
			attribute.String(otelhelper.WorkflowIDKey, step.WorkflowID),
			attribute.String(otelhelper.EntityKeyKey, step.EntityKey),
			attribute.String(otelhelper.StepNameKey, name),
			attribute.Int(otelhelper.StepAttemptKey, step.Attempt),
		)
		defer span.End()

		err := handler(ctx, step)
		if err != nil {
			otelhelper.SetError(span, err)
		}

		return err
	}
}

// wrapTask decorates a bulk task handler with a span when tracing is enabled.
func (r *Runner) wrapTask(kind string, handler bulk.TaskHandler) bulk.TaskHandler {
	if r.tracer == nil {
		return handler
	}

	return func(ctx context.Context, target string, params map[string]any) error {
		ctx, span := otelhelper.StartSpan(ctx, r.tracer, "operation.task",
			attribute.String(otelhelper.OperationKindKey, kind),
			attribute.String(otelhelper.TargetKey, target),
		)
		defer span.End()

		err := handler(ctx, target, params)
		if err != nil {
			otelhelper.SetError(span, err)
		}

		return err
	}
}

// feedResolver resolves the event feed through the deferred registry, so the
// feed only attaches to the bus once the API is actually asked for events.
func (r *Runner) feedResolver() web.FeedResolver {
	return func(ctx context.Context) (*services.Feed, error) {
		value, err := r.registry.Resolve(ctx, "event-feed")
		if err != nil {
			return nil, err
		}

		feed, ok := value.(*services.Feed)
		if !ok {
			return nil, fmt.Errorf("event feed resolved to unexpected type %T", value)
		}

		return feed, nil
	}
}

func (r *Runner) shutdown(ctx context.Context, api *API) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to shut down API", "error", err)
	}

	r.mu.Lock()
	consumer := r.consumer
	scheduled := r.cron
	r.mu.Unlock()

	if consumer != nil {
		if err := consumer.Stop(shutdownCtx); err != nil {
			r.logger.ErrorContext(ctx, "Failed to stop queue consumer", "error", err)
		}
	}

	if scheduled != nil {
		scheduled.Stop()
	}
}
