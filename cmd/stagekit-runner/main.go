package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/stagekit/stagekit/pkg/cmd"
	"github.com/stagekit/stagekit/pkg/log"
)

const (
	defaultPort      = 9090
	defaultWorkers   = 4
	defaultRetention = 7 * 24 * time.Hour
)

func main() {
	command := &cli.Command{
		Name:                  "stagekit-runner",
		EnableShellCompletion: true,
		Usage:                 "Run the staged operation orchestrator and its HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "runner-id",
				Aliases: []string{"id"},
				Usage:   "Custom runner ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("RUNNER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Worker pool size for bulk operations",
				Value:   defaultWorkers,
				Sources: cli.EnvVars("WORKER_COUNT"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis address for the queue intake (intake disabled when empty)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "queue",
				Usage:   "Redis list the queue intake pops requests from",
				Value:   "",
				Sources: cli.EnvVars("QUEUE_NAME"),
			},
			&cli.StringFlag{
				Name:    "cleanup-schedule",
				Usage:   "Cron schedule for the retention sweep",
				Value:   "@hourly",
				Sources: cli.EnvVars("CLEANUP_SCHEDULE"),
			},
			&cli.DurationFlag{
				Name:    "retention",
				Usage:   "How long finished instances and operations are kept",
				Value:   defaultRetention,
				Sources: cli.EnvVars("RETENTION"),
			},
			&cli.BoolFlag{
				Name:    "simulate",
				Usage:   "Register the built-in demo handlers for the default definition",
				Sources: cli.EnvVars("SIMULATE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing for step and task execution",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			runnerID := command.String("runner-id")
			if runnerID == "" {
				runnerID = "runner-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("stagekit-runner").With("runner_id", runnerID)

			logger.InfoContext(ctx, "Initializing stagekit runner")

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger)
			if err != nil {
				return fmt.Errorf("failed to create event bus: %w", err)
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return fmt.Errorf("failed to create persistence: %w", err)
			}

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			runner, err := NewRunner(runnerID, store, eventBus, Config{
				Port:            command.Int("port"),
				Workers:         command.Int("workers"),
				RedisURL:        command.String("redis-url"),
				Queue:           command.String("queue"),
				CleanupSchedule: command.String("cleanup-schedule"),
				Retention:       command.Duration("retention"),
				Simulate:        command.Bool("simulate"),
				Tracing:         command.Bool("tracing"),
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create runner: %w", err)
			}

			return runner.Run(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
