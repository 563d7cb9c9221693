// Package web provides HTTP request and response types for the runner API.
package web

// StartInstanceRequest represents the request body for starting a workflow
// instance. InstanceID restores an interrupted instance when set.
type StartInstanceRequest struct {
	EntityKey  string `json:"entity_key"            validate:"required,min=1"`
	InstanceID string `json:"instance_id,omitempty"`
}

// ProgressRequest represents a progress report for the current step.
type ProgressRequest struct {
	Percent float64 `json:"percent"           validate:"min=0,max=100"`
	Message string  `json:"message,omitempty"`
}

// RollbackRequest represents the request body for rolling an instance back.
// An empty ToStep rolls back only the most recent completed step.
type RollbackRequest struct {
	ToStep string `json:"to_step,omitempty"`
}

// ExecuteOperationRequest represents the request body for launching a bulk
// operation across a set of targets.
type ExecuteOperationRequest struct {
	Kind    string         `json:"kind"             validate:"required"`
	Targets []string       `json:"targets"          validate:"required,min=1"`
	Params  map[string]any `json:"params,omitempty"`
}

// CleanupRequest represents the request body for retention cleanup calls.
// OlderThan is a Go duration string such as "168h".
type CleanupRequest struct {
	OlderThan string `json:"older_than" validate:"required"`
}
