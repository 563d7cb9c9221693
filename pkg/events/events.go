// Package events defines the lifecycle notifications emitted by the
// orchestration modules. The core never calls presentation code directly; it
// publishes these events and lets subscribers decide how to render them.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/stagekit/stagekit/pkg/models"
)

type EventType string

const Topic = "stagekit.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow lifecycle events.
	WorkflowStartedEvent    EventType = "workflow.started"
	StepStartedEvent        EventType = "workflow.step.started"
	StepCompletedEvent      EventType = "workflow.step.completed"
	StepFailedEvent         EventType = "workflow.step.failed"
	ProgressUpdatedEvent    EventType = "workflow.progress"
	WorkflowCompletedEvent  EventType = "workflow.completed"
	WorkflowCancelledEvent  EventType = "workflow.cancelled"
	WorkflowRolledBackEvent EventType = "workflow.rolled_back"

	// Bulk operation events.
	OperationStartedEvent   EventType = "operation.started"
	OperationProgressEvent  EventType = "operation.progress"
	OperationCompletedEvent EventType = "operation.completed"

	// Phased loading events.
	PhaseCompletedEvent  EventType = "phase.completed"
	ComponentLoadedEvent EventType = "component.loaded"
	ComponentFailedEvent EventType = "component.failed"
	RuntimeDegradedEvent EventType = "runtime.degraded"

	// Deferred feature events.
	FeatureInitializedEvent EventType = "feature.initialized"
	FeatureFailedEvent      EventType = "feature.failed"

	// Recovery events.
	RecoveryAttemptedEvent EventType = "recovery.attempted"
)

// AllTypes returns every event type, for subscribers that want the full
// lifecycle stream.
func AllTypes() []EventType {
	return []EventType{
		WorkflowStartedEvent,
		StepStartedEvent,
		StepCompletedEvent,
		StepFailedEvent,
		ProgressUpdatedEvent,
		WorkflowCompletedEvent,
		WorkflowCancelledEvent,
		WorkflowRolledBackEvent,
		OperationStartedEvent,
		OperationProgressEvent,
		OperationCompletedEvent,
		PhaseCompletedEvent,
		ComponentLoadedEvent,
		ComponentFailedEvent,
		RuntimeDegradedEvent,
		FeatureInitializedEvent,
		FeatureFailedEvent,
		RecoveryAttemptedEvent,
	}
}

// BaseEvent carries the fields common to every notification. SubjectID is the
// id of whatever the event is about: a workflow instance, a bulk operation, a
// component, a feature or a phase.
type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SubjectID string         `json:"subject_id"`
	RunnerID  string         `json:"runner_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type WorkflowStarted struct {
	BaseEvent

	EntityKey  string `json:"entity_key"`
	Definition string `json:"definition"`
}

func (w WorkflowStarted) GetType() EventType {
	return WorkflowStartedEvent
}

type StepStarted struct {
	BaseEvent

	Step    string `json:"step"`
	Attempt int    `json:"attempt"`
}

func (s StepStarted) GetType() EventType {
	return StepStartedEvent
}

type StepCompleted struct {
	BaseEvent

	Step     string        `json:"step"`
	Duration time.Duration `json:"duration"`
}

func (s StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

type StepFailed struct {
	BaseEvent

	Step    string `json:"step"`
	Error   string `json:"error"`
	Attempt int    `json:"attempt"`
}

func (s StepFailed) GetType() EventType {
	return StepFailedEvent
}

type ProgressUpdated struct {
	BaseEvent

	Step    string  `json:"step"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
	Overall float64 `json:"overall"`
}

func (p ProgressUpdated) GetType() EventType {
	return ProgressUpdatedEvent
}

type WorkflowCompleted struct {
	BaseEvent

	EntityKey string        `json:"entity_key"`
	Duration  time.Duration `json:"duration"`
}

func (w WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

type WorkflowCancelled struct {
	BaseEvent

	Step string `json:"step,omitempty"`
}

func (w WorkflowCancelled) GetType() EventType {
	return WorkflowCancelledEvent
}

type WorkflowRolledBack struct {
	BaseEvent

	ToStep     string   `json:"to_step"`
	StepsReset []string `json:"steps_reset"`
}

func (w WorkflowRolledBack) GetType() EventType {
	return WorkflowRolledBackEvent
}

// Bulk operation events

type OperationStarted struct {
	BaseEvent

	Kind    string `json:"kind"`
	Targets int    `json:"targets"`
}

func (o OperationStarted) GetType() EventType {
	return OperationStartedEvent
}

type OperationProgress struct {
	BaseEvent

	Kind          string        `json:"kind"`
	Completed     int           `json:"completed"`
	Successful    int           `json:"successful"`
	Failed        int           `json:"failed"`
	Total         int           `json:"total"`
	CurrentTarget string        `json:"current_target,omitempty"`
	EstimatedLeft time.Duration `json:"estimated_left,omitempty"`
}

func (o OperationProgress) GetType() EventType {
	return OperationProgressEvent
}

type OperationCompleted struct {
	BaseEvent

	Kind       string            `json:"kind"`
	Status     models.BulkStatus `json:"status"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Duration   time.Duration     `json:"duration"`
}

func (o OperationCompleted) GetType() EventType {
	return OperationCompletedEvent
}

// Phased loading events

type PhaseCompleted struct {
	BaseEvent

	Phase  models.LoadPhase `json:"phase"`
	Loaded []string         `json:"loaded,omitempty"`
	Failed []string         `json:"failed,omitempty"`
}

func (p PhaseCompleted) GetType() EventType {
	return PhaseCompletedEvent
}

type ComponentLoaded struct {
	BaseEvent

	Component string           `json:"component"`
	Phase     models.LoadPhase `json:"phase"`
	Attempts  int              `json:"attempts"`
	Duration  time.Duration    `json:"duration"`
}

func (c ComponentLoaded) GetType() EventType {
	return ComponentLoadedEvent
}

type ComponentFailed struct {
	BaseEvent

	Component string           `json:"component"`
	Phase     models.LoadPhase `json:"phase"`
	Error     string           `json:"error"`
	Attempts  int              `json:"attempts"`
	Essential bool             `json:"essential"`
}

func (c ComponentFailed) GetType() EventType {
	return ComponentFailedEvent
}

// RuntimeDegraded signals that an essential component failed past its
// retries and the process is running without it.
type RuntimeDegraded struct {
	BaseEvent

	Phase      models.LoadPhase `json:"phase"`
	Components []string         `json:"components"`
}

func (r RuntimeDegraded) GetType() EventType {
	return RuntimeDegradedEvent
}

// Deferred feature events

type FeatureInitialized struct {
	BaseEvent

	Feature  string                `json:"feature"`
	Trigger  models.FeatureTrigger `json:"trigger"`
	Attempts int                   `json:"attempts"`
	Duration time.Duration         `json:"duration"`
}

func (f FeatureInitialized) GetType() EventType {
	return FeatureInitializedEvent
}

type FeatureFailed struct {
	BaseEvent

	Feature  string                `json:"feature"`
	Trigger  models.FeatureTrigger `json:"trigger"`
	Error    string                `json:"error"`
	Attempts int                   `json:"attempts"`
	Optional bool                  `json:"optional"`
}

func (f FeatureFailed) GetType() EventType {
	return FeatureFailedEvent
}

// Recovery events

type RecoveryAttempted struct {
	BaseEvent

	Component string                 `json:"component"`
	Action    string                 `json:"action,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	Outcome   models.RecoveryOutcome `json:"outcome"`
	Error     string                 `json:"error,omitempty"`
}

func (r RecoveryAttempted) GetType() EventType {
	return RecoveryAttemptedEvent
}

func NewBaseEvent(eventType EventType, subjectID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SubjectID: subjectID,
		Metadata:  make(map[string]any),
	}
}
