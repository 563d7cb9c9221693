// Package main provides the stagekit admin CLI for inspecting and
// maintaining persisted orchestration state.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/stagekit/stagekit/pkg/cmd"
	"github.com/stagekit/stagekit/pkg/log"
	"github.com/stagekit/stagekit/pkg/persistence"
)

func main() {
	command := &cli.Command{
		Name:                  "stagekit",
		Usage:                 "Inspect and maintain persisted orchestration state",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			InstancesCommand(),
			AttemptsCommand(),
			CleanupCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withStore opens the store named by --database-url, runs fn against it and
// closes it again. Every subcommand goes through here.
func withStore(ctx context.Context, command *cli.Command, fn func(ctx context.Context, store persistence.Persistence) error) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("stagekit")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}

	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	return fn(ctx, store)
}
