// Package main provides the stagekit runner, the orchestration daemon with
// its embedded API server.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/stagekit/stagekit/pkg/bulk"
	"github.com/stagekit/stagekit/pkg/deferred"
	"github.com/stagekit/stagekit/pkg/persistence"
	"github.com/stagekit/stagekit/pkg/phases"
	"github.com/stagekit/stagekit/pkg/recovery"
	"github.com/stagekit/stagekit/pkg/services"
	"github.com/stagekit/stagekit/pkg/web"
	"github.com/stagekit/stagekit/pkg/workflow"
)

type API struct {
	logger      *slog.Logger
	engine      *workflow.Engine
	coordinator *bulk.Coordinator
	scheduler   *phases.Scheduler
	registry    *deferred.Registry
	recovery    *recovery.Coordinator
	store       persistence.Persistence
	feed        web.FeedResolver
	validate    *validator.Validate

	app *fiber.App
}

func NewAPI(
	logger *slog.Logger,
	engine *workflow.Engine,
	coordinator *bulk.Coordinator,
	scheduler *phases.Scheduler,
	registry *deferred.Registry,
	recovery *recovery.Coordinator,
	store persistence.Persistence,
	feed web.FeedResolver,
) *API {
	return &API{
		logger:      logger,
		engine:      engine,
		coordinator: coordinator,
		scheduler:   scheduler,
		registry:    registry,
		recovery:    recovery,
		store:       store,
		feed:        feed,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	if a.app != nil {
		return a.app
	}

	instanceService := services.NewInstance(a.engine, a.store)
	operationService := services.NewOperation(a.coordinator)
	runtimeService := services.NewRuntime(a.scheduler, a.registry, a.recovery)

	handlers := web.NewAPIHandlers(instanceService, operationService, runtimeService, a.feed, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("stagekit runner")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.StartWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Post("/:id/advance", handlers.AdvanceWorkflow)
	w.Post("/:id/progress", handlers.ReportProgress)
	w.Post("/:id/cancel", handlers.CancelWorkflow)
	w.Post("/:id/rollback", handlers.RollbackWorkflow)

	o := app.Group("/operations")
	o.Get("/", handlers.GetOperations)
	o.Post("/", handlers.ExecuteOperation)
	// The cleanup route must come before the id routes or "cleanup" binds as
	// an operation id.
	o.Post("/cleanup", handlers.CleanupOperations)
	o.Get("/:id", handlers.GetOperation)
	o.Post("/:id/cancel", handlers.CancelOperation)

	comp := app.Group("/components")
	comp.Get("/", handlers.GetComponents)
	comp.Post("/:id/load", handlers.LoadComponent)
	comp.Post("/:id/disable", handlers.DisableComponent)

	app.Post("/phases/:phase/run", handlers.RunPhase)

	f := app.Group("/features")
	f.Get("/", handlers.GetFeatures)
	f.Post("/resolve-by-trigger/:trigger", handlers.ResolveByTrigger)
	f.Post("/:id/resolve", handlers.ResolveFeature)

	app.Get("/recovery/attempts", handlers.GetRecoveryAttempts)
	app.Get("/events", handlers.GetEvents)

	app.Get("/health", handlers.HealthCheck)

	a.app = app

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}

func (a *API) Shutdown(ctx context.Context) error {
	if a.app == nil {
		return nil
	}

	return a.app.ShutdownWithContext(ctx)
}
