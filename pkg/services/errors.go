// Package services exposes the live orchestrators to transport layers:
// request structs with defaults and allowlist validation, calls into the
// engines, and typed errors the web layer can map to status codes.
package services

import (
	"errors"
	"fmt"

	"github.com/stagekit/stagekit/pkg/bulk"
	"github.com/stagekit/stagekit/pkg/deferred"
	"github.com/stagekit/stagekit/pkg/faults"
	"github.com/stagekit/stagekit/pkg/phases"
	"github.com/stagekit/stagekit/pkg/recovery"
	"github.com/stagekit/stagekit/pkg/workflow"
)

// Business logic errors. These indicate client errors (4xx responses).
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidStatus    = errors.New("invalid instance status")
	ErrInvalidSortField = errors.New("invalid sort field")
	ErrInvalidSortOrder = errors.New("invalid sort order")
	ErrInvalidPhase     = errors.New("invalid load phase")
	ErrInvalidTrigger   = errors.New("invalid feature trigger")
	ErrEmptyEntityKey   = errors.New("entity key cannot be empty")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should
// return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidSortOrder) ||
		errors.Is(err, ErrInvalidPhase) ||
		errors.Is(err, ErrInvalidTrigger) ||
		errors.Is(err, ErrEmptyEntityKey) ||
		faults.IsValidationFailed(err) ||
		faults.IsHandlerMissing(err)
}

// IsNotFoundError checks if an error means the subject does not exist and
// should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, workflow.ErrWorkflowNotFound) ||
		errors.Is(err, bulk.ErrOperationNotFound) ||
		errors.Is(err, phases.ErrComponentNotFound) ||
		errors.Is(err, deferred.ErrFeatureNotFound) ||
		errors.Is(err, recovery.ErrChainNotFound)
}

// IsConflictError checks if an error is a state conflict that should return
// HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, workflow.ErrWorkflowCompleted) ||
		errors.Is(err, workflow.ErrWorkflowCancelled) ||
		errors.Is(err, workflow.ErrStepInFlight) ||
		errors.Is(err, phases.ErrComponentLoading) ||
		errors.Is(err, deferred.ErrFeatureInitializing)
}

// IsUnavailableError checks if an error means the subject cannot serve right
// now and should return HTTP 503.
func IsUnavailableError(err error) bool {
	return errors.Is(err, deferred.ErrFeatureUnavailable) ||
		errors.Is(err, phases.ErrComponentDisabled)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
