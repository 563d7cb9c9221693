package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrInstanceNotFound indicates a workflow instance was not found by the given identifier.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrInstanceAlreadyExists indicates an instance with the same identifier already exists.
	ErrInstanceAlreadyExists = errors.New("workflow instance already exists")

	// ErrInvalidListOptions indicates listing was requested with unusable paging or filters.
	ErrInvalidListOptions = errors.New("invalid list options")

	// ErrInvalidSortField indicates listing was requested with a sort field outside the allowlist.
	ErrInvalidSortField = errors.New("invalid sort field")
)

// InstanceError wraps instance-related storage errors with additional context.
type InstanceError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	InstanceID string // Instance ID if applicable
	Err        error  // Underlying error
	Message    string // Additional context message
}

func (e *InstanceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for instance %s: %s (%v)", e.Op, e.InstanceID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewInstanceError creates a new instance error with context.
func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{
		Op:         op,
		InstanceID: instanceID,
		Err:        err,
	}
}

// IsInstanceNotFound checks if an error indicates an instance was not found.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsInvalidSortField checks if an error indicates a rejected sort field.
func IsInvalidSortField(err error) bool {
	return errors.Is(err, ErrInvalidSortField)
}
