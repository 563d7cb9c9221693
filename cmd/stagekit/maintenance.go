package main

import (
	"context"
	"fmt"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/persistence"
)

// AttemptsCommand lists the persisted recovery attempt history.
func AttemptsCommand() *cli.Command {
	return &cli.Command{
		Name:      "attempts",
		Aliases:   []string{"a"},
		Usage:     "List recovery attempts, newest first",
		ArgsUsage: "[component]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of attempts to print",
				Value: defaultListLimit,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withStore(ctx, command, func(ctx context.Context, store persistence.Persistence) error {
				return listAttempts(ctx, command, store)
			})
		},
	}
}

func listAttempts(ctx context.Context, command *cli.Command, store persistence.Persistence) error {
	var (
		attempts []*models.RecoveryAttempt
		err      error
	)

	if component := command.Args().First(); component != "" {
		attempts, err = store.Attempts().ListByComponent(ctx, component)
	} else {
		attempts, err = store.Attempts().List(ctx, command.Int("limit"))
	}

	if err != nil {
		return fmt.Errorf("failed to list recovery attempts: %w", err)
	}

	if len(attempts) == 0 {
		fmt.Println("No recovery attempts found.")

		return nil
	}

	for _, attempt := range attempts {
		fmt.Printf("%s  %-20s  %-16s %-15s %s",
			attempt.StartedAt.Format(time.RFC3339),
			attempt.ComponentID,
			attempt.Action,
			attempt.Outcome,
			attempt.Message,
		)

		if attempt.Error != "" {
			fmt.Printf("  error: %s", attempt.Error)
		}

		fmt.Println()
	}

	return nil
}

// CleanupCommand deletes terminal instances past the retention window.
func CleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Delete terminal workflow instances older than the given age",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:     "older-than",
				Usage:    "Minimum age of the last update, e.g. 168h",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Print what would be removed without deleting anything",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withStore(ctx, command, func(ctx context.Context, store persistence.Persistence) error {
				return cleanupInstances(ctx, command, store)
			})
		},
	}
}

func cleanupInstances(ctx context.Context, command *cli.Command, store persistence.Persistence) error {
	cutoff := time.Now().UTC().Add(-command.Duration("older-than"))
	dryRun := command.Bool("dry-run")

	removed, err := removeExpired(ctx, store, cutoff, dryRun)
	if err != nil {
		return err
	}

	if dryRun {
		fmt.Printf("%d instances would be removed.\n", removed)
	} else {
		fmt.Printf("%d instances removed.\n", removed)
	}

	return nil
}

// removeExpired deletes terminal instances whose last update is before the
// cutoff and reports how many matched. With dryRun it only counts and prints
// them.
func removeExpired(ctx context.Context, store persistence.Persistence, cutoff time.Time, dryRun bool) (int, error) {
	instances, err := store.Instances().List(ctx, persistence.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	removed := 0

	for _, instance := range instances {
		if !instance.IsTerminal() || !instance.UpdatedAt.Before(cutoff) {
			continue
		}

		if dryRun {
			fmt.Printf("Would remove %s (%s, %s, updated %s)\n",
				instance.ID, instance.EntityKey, instance.Status, instance.UpdatedAt.Format(time.RFC3339))

			removed++

			continue
		}

		if err := store.Instances().Delete(ctx, instance.ID); err != nil {
			return removed, fmt.Errorf("failed to delete instance %s: %w", instance.ID, err)
		}

		removed++
	}

	return removed, nil
}
