package workflow

import "context"

// StepHandler performs the work of a single step. Handlers must honor context
// cancellation and may call Report on the step context to surface progress.
type StepHandler func(ctx context.Context, step StepContext) error

// RollbackHandler undoes the work of a previously completed step. The payload
// stashed during execution, if any, is available on the step context.
type RollbackHandler func(ctx context.Context, step StepContext) error

// StepContext identifies the step being executed and carries the callbacks a
// handler may use while it runs.
type StepContext struct {
	WorkflowID string
	EntityKey  string
	Step       string
	Attempt    int
	Metadata   map[string]any

	// Payload holds the data stashed by the step handler. It is only set
	// when a rollback handler is invoked.
	Payload map[string]any

	report func(percent float64, message string)
	stash  func(payload map[string]any)
}

// Report surfaces handler progress as a percentage plus an optional message.
// Values outside [0, 100] are clamped.
func (s StepContext) Report(percent float64, message string) {
	if s.report != nil {
		s.report(percent, message)
	}
}

// Stash stores a payload the step's rollback handler will receive if the step
// is ever rolled back.
func (s StepContext) Stash(payload map[string]any) {
	if s.stash != nil {
		s.stash(payload)
	}
}
