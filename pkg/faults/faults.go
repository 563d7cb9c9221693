// Package faults provides the standardized failure taxonomy shared by every
// orchestration module. Failures cross module boundaries as structured Fault
// values carrying a stable id, a human-readable message and recovery
// suggestions, never as bare errors of unknown shape.
package faults

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a failure for recovery lookup and reporting.
type Kind string

const (
	KindHandlerMissing    Kind = "handler_missing"
	KindDependencyUnmet   Kind = "dependency_unmet"
	KindHandlerException  Kind = "handler_exception"
	KindTimeout           Kind = "timeout"
	KindResourceExhausted Kind = "resource_exhausted"
	KindValidationFailed  Kind = "validation_failed"
)

// Severity grades how hard a failure should be surfaced.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Sentinel errors, one per kind, so callers can match with errors.Is without
// depending on the Fault type.
var (
	// ErrHandlerMissing indicates no handler is registered for a step or operation kind.
	ErrHandlerMissing = errors.New("no handler registered")

	// ErrDependencyUnmet indicates a prerequisite is not in a satisfied state.
	ErrDependencyUnmet = errors.New("dependency not satisfied")

	// ErrHandlerException indicates a registered handler returned an error.
	ErrHandlerException = errors.New("handler failed")

	// ErrTimeout indicates a step, component or feature exceeded its configured timeout.
	ErrTimeout = errors.New("operation timed out")

	// ErrResourceExhausted indicates memory, disk or permission pressure.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrValidationFailed indicates input rejected before any work was attempted.
	ErrValidationFailed = errors.New("validation failed")
)

var sentinels = map[Kind]error{
	KindHandlerMissing:    ErrHandlerMissing,
	KindDependencyUnmet:   ErrDependencyUnmet,
	KindHandlerException:  ErrHandlerException,
	KindTimeout:           ErrTimeout,
	KindResourceExhausted: ErrResourceExhausted,
	KindValidationFailed:  ErrValidationFailed,
}

var defaultSeverity = map[Kind]Severity{
	KindHandlerMissing:    SeverityError,
	KindDependencyUnmet:   SeverityWarning,
	KindHandlerException:  SeverityError,
	KindTimeout:           SeverityError,
	KindResourceExhausted: SeverityCritical,
	KindValidationFailed:  SeverityWarning,
}

var defaultSuggestions = map[Kind][]string{
	KindHandlerMissing:    {"register a handler for this step or operation kind before starting"},
	KindDependencyUnmet:   {"load or resolve the missing dependency first", "check the dependency declaration for cycles"},
	KindHandlerException:  {"inspect the handler error and retry the operation"},
	KindTimeout:           {"increase the configured timeout", "check for a stalled external call"},
	KindResourceExhausted: {"free disk space or memory", "retry once resources are released"},
	KindValidationFailed:  {"correct the rejected input and resubmit"},
}

// Fault is a classified failure with enough context for the presentation
// layer to render actionable guidance without knowing the failing module.
type Fault struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Severity    Severity  `json:"severity"`
	Component   string    `json:"component,omitempty"`
	Op          string    `json:"op"`
	Message     string    `json:"message"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Err         error     `json:"-"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// New creates a fault of the given kind with its default severity and
// recovery suggestions.
func New(kind Kind, component, op, message string) *Fault {
	return &Fault{
		ID:          uuid.New().String(),
		Kind:        kind,
		Severity:    defaultSeverity[kind],
		Component:   component,
		Op:          op,
		Message:     message,
		Suggestions: defaultSuggestions[kind],
		OccurredAt:  time.Now().UTC(),
	}
}

// Wrap creates a fault around an underlying cause, classifying it by kind.
func Wrap(kind Kind, component, op string, err error) *Fault {
	fault := New(kind, component, op, "")
	if err != nil {
		fault.Message = err.Error()
	}

	fault.Err = err

	return fault
}

func (f *Fault) Error() string {
	target := f.Component
	if target == "" {
		target = "orchestrator"
	}

	if f.Err != nil && f.Message != f.Err.Error() {
		return fmt.Sprintf("%s failed for %s: %s (%v)", f.Op, target, f.Message, f.Err)
	}

	return fmt.Sprintf("%s failed for %s: %s", f.Op, target, f.Message)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Is matches the sentinel for the fault's kind as well as anything the
// underlying cause matches.
func (f *Fault) Is(target error) bool {
	if sentinel, ok := sentinels[f.Kind]; ok && errors.Is(sentinel, target) {
		return true
	}

	return errors.Is(f.Err, target)
}

// WithSeverity overrides the kind's default severity.
func (f *Fault) WithSeverity(severity Severity) *Fault {
	f.Severity = severity

	return f
}

// WithErr attaches the underlying cause.
func (f *Fault) WithErr(err error) *Fault {
	f.Err = err

	return f
}

// WithSuggestions replaces the default recovery suggestions.
func (f *Fault) WithSuggestions(suggestions ...string) *Fault {
	f.Suggestions = suggestions

	return f
}

// Classify converts an arbitrary error into a Fault attributed to a
// component and operation. Errors that already are faults pass through
// unchanged; everything else is wrapped under its KindOf classification.
func Classify(component, op string, err error) *Fault {
	if err == nil {
		return nil
	}

	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}

	return Wrap(KindOf(err), component, op, err)
}

// KindOf classifies an arbitrary error. Faults report their own kind; plain
// errors are matched against the sentinels and common stdlib causes, and
// anything unrecognized counts as a handler exception.
func KindOf(err error) Kind {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Kind
	}

	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.ENOSPC) {
		return KindResourceExhausted
	}

	return KindHandlerException
}

// SeverityOf reports the severity carried by err, or the default for its
// classified kind.
func SeverityOf(err error) Severity {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Severity
	}

	return defaultSeverity[KindOf(err)]
}

// IsHandlerMissing checks if an error indicates a missing handler.
func IsHandlerMissing(err error) bool {
	return errors.Is(err, ErrHandlerMissing)
}

// IsDependencyUnmet checks if an error indicates an unsatisfied prerequisite.
func IsDependencyUnmet(err error) bool {
	return errors.Is(err, ErrDependencyUnmet)
}

// IsTimeout checks if an error indicates an exceeded timeout, including bare
// context deadline errors.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsResourceExhausted checks if an error indicates resource pressure.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// IsValidationFailed checks if an error indicates rejected input.
func IsValidationFailed(err error) bool {
	return errors.Is(err, ErrValidationFailed)
}

// IsCritical checks if a failure must be escalated rather than absorbed.
func IsCritical(err error) bool {
	return SeverityOf(err) == SeverityCritical
}
