package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkflowInstance_StartsAtFirstStep(t *testing.T) {
	instance := NewWorkflowInstance("wf-1", "modA", DefaultModuleInstall())

	assert.Equal(t, "wf-1", instance.ID)
	assert.Equal(t, "modA", instance.EntityKey)
	assert.Equal(t, WorkflowStatusRunning, instance.Status)
	assert.Equal(t, 0, instance.CurrentStep)
	require.Len(t, instance.Steps, 5)

	for _, step := range instance.Steps {
		assert.Equal(t, StepStatusPending, step.Status)
	}

	require.NotNil(t, instance.Current())
	assert.Equal(t, "Download", instance.Current().Name)
}

func TestWorkflowInstance_Current_ExhaustedSequence(t *testing.T) {
	instance := NewWorkflowInstance("wf-1", "modA", DefaultModuleInstall())
	instance.CurrentStep = len(instance.Steps)

	assert.Nil(t, instance.Current())
}

func TestWorkflowInstance_StepLookup(t *testing.T) {
	instance := NewWorkflowInstance("wf-1", "modA", DefaultModuleInstall())

	require.NotNil(t, instance.Step("Install"))
	assert.Equal(t, 2, instance.StepIndex("Install"))
	assert.Nil(t, instance.Step("Reticulate"))
	assert.Equal(t, -1, instance.StepIndex("Reticulate"))
}

func TestWorkflowInstance_RecomputeProgress(t *testing.T) {
	instance := NewWorkflowInstance("wf-1", "modA", DefaultModuleInstall())

	instance.Steps[0].Status = StepStatusCompleted
	instance.Steps[1].Status = StepStatusCompleted
	instance.Steps[2].Status = StepStatusInProgress
	instance.Steps[2].Progress = 50
	instance.CurrentStep = 2

	instance.RecomputeProgress()

	// 2 completed + half of the third, out of 5 steps.
	assert.InDelta(t, 50.0, instance.Progress, 0.001)
}

func TestWorkflowInstance_RecomputeProgress_AllCompleted(t *testing.T) {
	instance := NewWorkflowInstance("wf-1", "modA", DefaultModuleInstall())

	for _, step := range instance.Steps {
		step.Status = StepStatusCompleted
		step.Progress = 100
	}

	instance.RecomputeProgress()

	assert.InDelta(t, 100.0, instance.Progress, 0.001)
}

func TestWorkflowInstance_IsTerminal(t *testing.T) {
	instance := NewWorkflowInstance("wf-1", "modA", DefaultModuleInstall())

	assert.False(t, instance.IsTerminal())

	instance.Status = WorkflowStatusFailed
	assert.False(t, instance.IsTerminal(), "failed instances stay restorable")

	instance.Status = WorkflowStatusComplete
	assert.True(t, instance.IsTerminal())

	instance.Status = WorkflowStatusCancelled
	assert.True(t, instance.IsTerminal())
}

func TestStepState_Reset(t *testing.T) {
	now := time.Now().UTC()
	step := &StepState{
		Name:            "Install",
		Status:          StepStatusCompleted,
		Progress:        100,
		Message:         "done",
		Attempts:        2,
		StartedAt:       &now,
		FinishedAt:      &now,
		RollbackPayload: map[string]any{"path": "/tmp/modA"},
	}

	step.Reset()

	assert.Equal(t, StepStatusPending, step.Status)
	assert.Zero(t, step.Progress)
	assert.Empty(t, step.Message)
	assert.Nil(t, step.StartedAt)
	assert.Nil(t, step.FinishedAt)
	assert.Nil(t, step.RollbackPayload)
	assert.Equal(t, 2, step.Attempts, "attempt history survives a reset")
}

func TestWorkflowDefinition_Validate(t *testing.T) {
	tests := []struct {
		name       string
		definition WorkflowDefinition
		wantErr    bool
	}{
		{
			name:       "valid",
			definition: *DefaultModuleInstall(),
			wantErr:    false,
		},
		{
			name:       "missing name",
			definition: WorkflowDefinition{Steps: []StepSpec{{Name: "Download"}}},
			wantErr:    true,
		},
		{
			name:       "no steps",
			definition: WorkflowDefinition{Name: "empty"},
			wantErr:    true,
		},
		{
			name: "duplicate step names",
			definition: WorkflowDefinition{
				Name:  "dup",
				Steps: []StepSpec{{Name: "Download"}, {Name: "Download"}},
			},
			wantErr: true,
		},
		{
			name: "unnamed step",
			definition: WorkflowDefinition{
				Name:  "anon",
				Steps: []StepSpec{{Name: ""}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.definition.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDefinition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultModuleInstall_StepOrder(t *testing.T) {
	definition := DefaultModuleInstall()

	names := make([]string, 0, len(definition.Steps))
	for _, spec := range definition.Steps {
		names = append(names, spec.Name)
	}

	assert.Equal(t, []string{"Download", "Validate", "Install", "Configure", "Enable"}, names)
}

func TestBulkOperation_Total(t *testing.T) {
	op := &BulkOperation{Targets: []string{"a", "b", "c"}}

	assert.Equal(t, 3, op.Total())
}

func TestBulkOperation_IsTerminal(t *testing.T) {
	op := &BulkOperation{Status: BulkStatusRunning}
	assert.False(t, op.IsTerminal())

	for _, status := range []BulkStatus{BulkStatusCompleted, BulkStatusFailed, BulkStatusCancelled, BulkStatusPartial} {
		op.Status = status
		assert.True(t, op.IsTerminal(), string(status))
	}
}

func TestBulkOperation_Clone_Isolation(t *testing.T) {
	finished := time.Now().UTC()
	op := &BulkOperation{
		ID:         "op-1",
		Kind:       "enable",
		Targets:    []string{"a", "b"},
		Status:     BulkStatusRunning,
		Results:    []TaskResult{{Target: "a", Success: true}},
		Completed:  1,
		Successful: 1,
		FinishedAt: &finished,
	}

	clone := op.Clone()

	op.Targets[0] = "mutated"
	op.Results[0].Target = "mutated"
	*op.FinishedAt = finished.Add(time.Hour)

	assert.Equal(t, "a", clone.Targets[0])
	assert.Equal(t, "a", clone.Results[0].Target)
	assert.Equal(t, finished, *clone.FinishedAt)
}
