// Package simulate provides scripted step handlers for demo runs and tests:
// per-step latency, failures that clear after a number of attempts, and
// rollback accounting.
package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stagekit/stagekit/pkg/log"
	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/retry"
	"github.com/stagekit/stagekit/pkg/workflow"
)

// Outcome scripts how a simulated step behaves. The zero value completes
// immediately.
type Outcome struct {
	// Latency delays the handler before it settles.
	Latency time.Duration

	// FailTimes makes the first N attempts fail before the step succeeds.
	FailTimes int

	// Err is returned for scripted failures. A generic error is used when nil.
	Err error
}

// Simulator hands out step and rollback handlers driven by scripted outcomes
// and counts every invocation.
type Simulator struct {
	logger *slog.Logger

	mu        sync.Mutex
	outcomes  map[string]Outcome
	calls     map[string]int
	rollbacks map[string]int
}

func New() *Simulator {
	return &Simulator{
		logger:    log.WithModule("simulate"),
		outcomes:  make(map[string]Outcome),
		calls:     make(map[string]int),
		rollbacks: make(map[string]int),
	}
}

// Script sets the outcome for a step and returns the simulator for chaining.
func (s *Simulator) Script(step string, outcome Outcome) *Simulator {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outcomes[step] = outcome

	return s
}

// Handler returns the step handler for a named step.
func (s *Simulator) Handler(step string) workflow.StepHandler {
	return func(ctx context.Context, sc workflow.StepContext) error {
		s.mu.Lock()
		s.calls[step]++
		count := s.calls[step]
		outcome := s.outcomes[step]
		s.mu.Unlock()

		if outcome.Latency > 0 {
			if err := retry.Sleep(ctx, outcome.Latency); err != nil {
				return err
			}
		}

		if count <= outcome.FailTimes {
			err := outcome.Err
			if err == nil {
				err = fmt.Errorf("scripted failure %d of %d for step %s", count, outcome.FailTimes, step)
			}

			s.logger.WarnContext(ctx, "Simulated step failed",
				"workflow_id", sc.WorkflowID, "step", step, "attempt", count)

			return err
		}

		sc.Report(100, "simulated")
		sc.Stash(map[string]any{"simulated": true, "attempts": count})
		s.logger.InfoContext(ctx, "Simulated step completed",
			"workflow_id", sc.WorkflowID, "step", step, "attempt", count)

		return nil
	}
}

// RollbackHandler returns a rollback handler that only counts the call.
func (s *Simulator) RollbackHandler(step string) workflow.RollbackHandler {
	return func(ctx context.Context, sc workflow.StepContext) error {
		s.mu.Lock()
		s.rollbacks[step]++
		s.mu.Unlock()

		s.logger.InfoContext(ctx, "Simulated step rolled back",
			"workflow_id", sc.WorkflowID, "step", step)

		return nil
	}
}

// Bind registers a handler and a rollback handler for every step of the
// definition.
func (s *Simulator) Bind(engine *workflow.Engine, definition *models.WorkflowDefinition) error {
	for _, step := range definition.Steps {
		if err := engine.RegisterHandler(step.Name, s.Handler(step.Name)); err != nil {
			return err
		}

		if err := engine.RegisterRollback(step.Name, s.RollbackHandler(step.Name)); err != nil {
			return err
		}
	}

	return nil
}

// Calls reports how many times the step handler ran.
func (s *Simulator) Calls(step string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[step]
}

// Rollbacks reports how many times the step was rolled back.
func (s *Simulator) Rollbacks(step string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rollbacks[step]
}
