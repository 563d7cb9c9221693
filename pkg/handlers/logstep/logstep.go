// Package logstep provides a step handler that logs the step and completes.
// With a delay configured it spreads progress reports across the wait, which
// makes demo runs observable without real work behind them.
package logstep

import (
	"context"
	"log/slog"
	"time"

	"github.com/stagekit/stagekit/pkg/log"
	"github.com/stagekit/stagekit/pkg/retry"
	"github.com/stagekit/stagekit/pkg/workflow"
)

const progressSlices = 4

// New returns a handler that logs the step and completes immediately.
func New(logger *slog.Logger) workflow.StepHandler {
	if logger == nil {
		logger = log.WithModule("logstep")
	}

	return func(ctx context.Context, step workflow.StepContext) error {
		logger.InfoContext(ctx, "Step executed",
			"workflow_id", step.WorkflowID,
			"entity_key", step.EntityKey,
			"step", step.Step,
			"attempt", step.Attempt)

		return nil
	}
}

// NewWithDelay returns a handler that waits for the given delay before
// completing, reporting progress at each quarter of the wait.
func NewWithDelay(logger *slog.Logger, delay time.Duration) workflow.StepHandler {
	if logger == nil {
		logger = log.WithModule("logstep")
	}

	if delay <= 0 {
		return New(logger)
	}

	return func(ctx context.Context, step workflow.StepContext) error {
		logger.InfoContext(ctx, "Step started",
			"workflow_id", step.WorkflowID,
			"entity_key", step.EntityKey,
			"step", step.Step,
			"delay", delay)

		for i := 1; i <= progressSlices; i++ {
			if err := retry.Sleep(ctx, delay/progressSlices); err != nil {
				return err
			}

			step.Report(float64(i)*100/progressSlices, "working")
		}

		logger.InfoContext(ctx, "Step executed",
			"workflow_id", step.WorkflowID, "step", step.Step)

		return nil
	}
}
