package models

import "time"

// FeatureTrigger is the condition that releases a deferred feature for
// initialization.
type FeatureTrigger string

const (
	TriggerFirstAccess     FeatureTrigger = "first_access"
	TriggerUserAction      FeatureTrigger = "user_action"
	TriggerSystemReady     FeatureTrigger = "system_ready"
	TriggerMemoryAvailable FeatureTrigger = "memory_available"
	TriggerManual          FeatureTrigger = "manual"
)

// FeatureState represents where a deferred feature is in its lifecycle.
// Transitions are monotonic except failed -> not_initialized, which is
// permitted while retry attempts remain.
type FeatureState string

const (
	FeatureNotInitialized FeatureState = "not_initialized"
	FeatureInitializing   FeatureState = "initializing"
	FeatureInitialized    FeatureState = "initialized"
	FeatureFailed         FeatureState = "failed"
	FeatureDisabled       FeatureState = "disabled"
)

// Valid reports whether the trigger is one of the known kinds.
func (t FeatureTrigger) Valid() bool {
	switch t {
	case TriggerFirstAccess, TriggerUserAction, TriggerSystemReady, TriggerMemoryAvailable, TriggerManual:
		return true
	}

	return false
}

// DeferredFeature is the registry's reporting snapshot of one feature. The
// live instance handle is held by the registry itself and exposed through its
// resolve accessor, not through this record.
type DeferredFeature struct {
	ID            string         `json:"id"`
	Trigger       FeatureTrigger `json:"trigger"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	RetryCount    int            `json:"retry_count"`
	Optional      bool           `json:"optional"`
	State         FeatureState   `json:"state"`
	Attempts      int            `json:"attempts"`
	Accesses      int64          `json:"accesses"`
	LastError     string         `json:"last_error,omitempty"`
	InitializedAt *time.Time     `json:"initialized_at,omitempty"`
}

// Clone returns a deep copy of the feature snapshot.
func (f *DeferredFeature) Clone() *DeferredFeature {
	clone := *f
	clone.DependsOn = append([]string(nil), f.DependsOn...)

	if f.InitializedAt != nil {
		initializedAt := *f.InitializedAt
		clone.InitializedAt = &initializedAt
	}

	return &clone
}
