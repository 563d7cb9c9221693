package workflow

import "errors"

var (
	// ErrWorkflowNotFound is returned when no tracked instance matches the given id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowCancelled is returned when an operation targets a cancelled instance.
	ErrWorkflowCancelled = errors.New("workflow cancelled")

	// ErrWorkflowCompleted is returned when an operation targets a completed instance.
	ErrWorkflowCompleted = errors.New("workflow already completed")

	// ErrStepInFlight is returned when the current step is already executing.
	ErrStepInFlight = errors.New("step already in flight")
)
