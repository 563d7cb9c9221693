package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/persistence"
)

const defaultListLimit = 20

// InstancesCommand inspects persisted workflow instances.
func InstancesCommand() *cli.Command {
	return &cli.Command{
		Name:    "instances",
		Aliases: []string{"i"},
		Usage:   "Inspect persisted workflow instances",
		Commands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List workflow instances",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status (running, complete, failed, cancelled)",
					},
					&cli.StringFlag{
						Name:  "entity-key",
						Usage: "Filter by entity key",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of instances to print",
						Value: defaultListLimit,
					},
					&cli.StringFlag{
						Name:  "sort-by",
						Usage: "Sort field (created_at, updated_at, entity_key)",
					},
					&cli.StringFlag{
						Name:  "sort-order",
						Usage: "Sort order (asc, desc)",
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withStore(ctx, command, func(ctx context.Context, store persistence.Persistence) error {
						return listInstances(ctx, command, store)
					})
				},
			},
			{
				Name:      "show",
				Usage:     "Show one workflow instance with its steps",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withStore(ctx, command, func(ctx context.Context, store persistence.Persistence) error {
						return showInstance(ctx, command, store)
					})
				},
			},
		},
	}
}

func listInstances(ctx context.Context, command *cli.Command, store persistence.Persistence) error {
	opts := persistence.ListOptions{
		EntityKey: command.String("entity-key"),
		SortBy:    command.String("sort-by"),
		SortOrder: command.String("sort-order"),
		Limit:     command.Int("limit"),
	}

	if value := command.String("status"); value != "" {
		status, err := parseStatus(value)
		if err != nil {
			return err
		}

		opts.Status = &status
	}

	instances, err := store.Instances().List(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	if len(instances) == 0 {
		fmt.Println("No instances found.")

		return nil
	}

	for _, instance := range instances {
		fmt.Printf("%s  %-10s  %5.1f%%  %-24s %s  updated %s\n",
			instance.ID,
			instance.Status,
			instance.Progress,
			instance.EntityKey,
			instance.Definition,
			instance.UpdatedAt.Format(time.RFC3339),
		)
	}

	return nil
}

func showInstance(ctx context.Context, command *cli.Command, store persistence.Persistence) error {
	id := command.Args().First()
	if id == "" {
		return errors.New("instance id is required")
	}

	instance, err := store.Instances().GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}

	if instance == nil {
		return fmt.Errorf("no instance with id %s", id)
	}

	fmt.Printf("ID:         %s\n", instance.ID)
	fmt.Printf("Entity:     %s\n", instance.EntityKey)
	fmt.Printf("Definition: %s\n", instance.Definition)
	fmt.Printf("Status:     %s\n", instance.Status)
	fmt.Printf("Progress:   %.1f%%\n", instance.Progress)

	if instance.Error != "" {
		fmt.Printf("Error:      %s\n", instance.Error)
	}

	fmt.Printf("Created:    %s\n", instance.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", instance.UpdatedAt.Format(time.RFC3339))
	fmt.Println("Steps:")

	for i, step := range instance.Steps {
		marker := " "
		if i == instance.CurrentStep && !instance.IsTerminal() {
			marker = ">"
		}

		fmt.Printf(" %s %-16s %-12s %5.1f%%  attempts %d", marker, step.Name, step.Status, step.Progress, step.Attempts)

		if step.Error != "" {
			fmt.Printf("  error: %s", step.Error)
		} else if step.Message != "" {
			fmt.Printf("  %s", step.Message)
		}

		fmt.Println()
	}

	return nil
}

func parseStatus(value string) (models.WorkflowStatus, error) {
	switch status := models.WorkflowStatus(value); status {
	case models.WorkflowStatusRunning, models.WorkflowStatusComplete,
		models.WorkflowStatusFailed, models.WorkflowStatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("unknown status %q", value)
	}
}
