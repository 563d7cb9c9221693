package models

import "time"

// RecoveryOutcome classifies the result of one recovery attempt.
type RecoveryOutcome string

const (
	OutcomeSuccess        RecoveryOutcome = "success"
	OutcomePartialSuccess RecoveryOutcome = "partial_success"
	OutcomeFailed         RecoveryOutcome = "failed"
)

// FallbackAction is one named remediation inside a fallback chain. Attempts
// accumulates across recovery calls; once it reaches MaxAttempts the action is
// skipped for good.
type FallbackAction struct {
	Name        string `json:"name"`
	Priority    int    `json:"priority"`
	MaxAttempts int    `json:"max_attempts"`
	Attempts    int    `json:"attempts"`
}

// FallbackChain is the ordered remediation plan for one logical component.
// Critical marks components whose unrecovered failure must be escalated
// rather than absorbed.
type FallbackChain struct {
	ComponentID string           `json:"component_id"`
	Critical    bool             `json:"critical"`
	Actions     []FallbackAction `json:"actions"`
}

// Clone returns a deep copy of the chain.
func (c *FallbackChain) Clone() *FallbackChain {
	clone := *c
	clone.Actions = append([]FallbackAction(nil), c.Actions...)

	return &clone
}

// RecoveryAttempt records one executed remediation for later reporting.
// Action is the fallback action name, or "emergency" for the last-resort
// handler; Kind is set instead when a heuristic keyed by error kind ran.
type RecoveryAttempt struct {
	ID          string          `json:"id"`
	ComponentID string          `json:"component_id"`
	Action      string          `json:"action,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	Outcome     RecoveryOutcome `json:"outcome"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}
