// Package models defines the core domain models for staged operation orchestration.
package models

import (
	"errors"
	"time"
)

// StepStatus represents the lifecycle state of a single workflow step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusCancelled  StepStatus = "cancelled"
)

// WorkflowStatus represents the overall lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusComplete  WorkflowStatus = "complete"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// StepState tracks the execution state of one step within a workflow instance.
// Status moves forward only, except during rollback which resets a completed
// step back to pending and clears its timestamps and progress.
type StepState struct {
	Name            string         `json:"name"`
	Status          StepStatus     `json:"status"`
	Progress        float64        `json:"progress"`
	Message         string         `json:"message,omitempty"`
	Error           string         `json:"error,omitempty"`
	Attempts        int            `json:"attempts"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	RollbackPayload map[string]any `json:"rollback_payload,omitempty"`
}

// Reset returns the step to pending, clearing everything a completed run left
// behind. Used by rollback.
func (s *StepState) Reset() {
	s.Status = StepStatusPending
	s.Progress = 0
	s.Message = ""
	s.Error = ""
	s.StartedAt = nil
	s.FinishedAt = nil
	s.RollbackPayload = nil
}

// WorkflowInstance is the persisted record of one entity moving through an
// ordered sequence of named steps. It is owned by the workflow engine and
// mutated only through its advance, rollback and cancel operations.
type WorkflowInstance struct {
	ID          string         `json:"id"`
	EntityKey   string         `json:"entity_key"`
	Definition  string         `json:"definition"`
	Steps       []*StepState   `json:"steps"`
	CurrentStep int            `json:"current_step"`
	Status      WorkflowStatus `json:"status"`
	Progress    float64        `json:"progress"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewWorkflowInstance builds a running instance positioned at the first step
// of the given definition, with every step pending.
func NewWorkflowInstance(id, entityKey string, definition *WorkflowDefinition) *WorkflowInstance {
	now := time.Now().UTC()

	steps := make([]*StepState, 0, len(definition.Steps))
	for _, spec := range definition.Steps {
		steps = append(steps, &StepState{
			Name:   spec.Name,
			Status: StepStatusPending,
		})
	}

	return &WorkflowInstance{
		ID:          id,
		EntityKey:   entityKey,
		Definition:  definition.Name,
		Steps:       steps,
		CurrentStep: 0,
		Status:      WorkflowStatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Current returns the step the instance is positioned at, or nil when the
// sequence is exhausted.
func (w *WorkflowInstance) Current() *StepState {
	if w.CurrentStep < 0 || w.CurrentStep >= len(w.Steps) {
		return nil
	}

	return w.Steps[w.CurrentStep]
}

// Step returns the state for the named step, or nil if the definition has no
// such step.
func (w *WorkflowInstance) Step(name string) *StepState {
	for _, s := range w.Steps {
		if s.Name == name {
			return s
		}
	}

	return nil
}

// StepIndex returns the position of the named step, or -1 if absent.
func (w *WorkflowInstance) StepIndex(name string) int {
	for i, s := range w.Steps {
		if s.Name == name {
			return i
		}
	}

	return -1
}

// RecomputeProgress folds per-step progress into the overall percentage:
// completed steps count as whole units, the in-progress step contributes
// fractionally.
func (w *WorkflowInstance) RecomputeProgress() {
	if len(w.Steps) == 0 {
		w.Progress = 0

		return
	}

	done := 0.0

	for _, s := range w.Steps {
		switch s.Status {
		case StepStatusCompleted:
			done++
		case StepStatusInProgress:
			done += s.Progress / 100
		}
	}

	w.Progress = done / float64(len(w.Steps)) * 100
}

// IsTerminal reports whether the instance can never advance again. Failed is
// deliberately not terminal: a failed instance is kept restorable so a later
// advance can retry the failed step.
func (w *WorkflowInstance) IsTerminal() bool {
	return w.Status == WorkflowStatusComplete || w.Status == WorkflowStatusCancelled
}

// Clone returns a deep copy safe to hand to callers while the engine keeps
// mutating the original under its lock.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	clone := *w

	clone.Steps = make([]*StepState, 0, len(w.Steps))
	for _, step := range w.Steps {
		s := *step

		if step.StartedAt != nil {
			started := *step.StartedAt
			s.StartedAt = &started
		}

		if step.FinishedAt != nil {
			finished := *step.FinishedAt
			s.FinishedAt = &finished
		}

		if step.RollbackPayload != nil {
			s.RollbackPayload = make(map[string]any, len(step.RollbackPayload))
			for k, v := range step.RollbackPayload {
				s.RollbackPayload[k] = v
			}
		}

		clone.Steps = append(clone.Steps, &s)
	}

	if w.Metadata != nil {
		clone.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			clone.Metadata[k] = v
		}
	}

	return &clone
}

// StepSpec names one stage of a workflow definition and bounds how long its
// handler may run.
type StepSpec struct {
	Name    string        `json:"name"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// WorkflowDefinition is the ordered, fixed step sequence an instance is
// created from. Step order is total; conditional skips are expressed by the
// handler reporting success trivially.
type WorkflowDefinition struct {
	Name  string     `json:"name"`
	Steps []StepSpec `json:"steps"`
}

var ErrInvalidDefinition = errors.New("invalid workflow definition")

// Validate checks the definition is non-empty and step names are unique.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" || len(d.Steps) == 0 {
		return ErrInvalidDefinition
	}

	seen := make(map[string]bool, len(d.Steps))

	for _, spec := range d.Steps {
		if spec.Name == "" || seen[spec.Name] {
			return ErrInvalidDefinition
		}

		seen[spec.Name] = true
	}

	return nil
}

// DefaultModuleInstall is the stock five-stage module lifecycle.
func DefaultModuleInstall() *WorkflowDefinition {
	return &WorkflowDefinition{
		Name: "module-install",
		Steps: []StepSpec{
			{Name: "Download", Timeout: 10 * time.Minute},
			{Name: "Validate", Timeout: 2 * time.Minute},
			{Name: "Install", Timeout: 5 * time.Minute},
			{Name: "Configure", Timeout: 2 * time.Minute},
			{Name: "Enable", Timeout: 1 * time.Minute},
		},
	}
}
