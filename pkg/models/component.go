package models

import "time"

// LoadPhase is the lifecycle window at which a background component loads.
type LoadPhase string

const (
	PhaseImmediate   LoadPhase = "immediate"
	PhasePostStartup LoadPhase = "post_startup"
	PhaseUserIdle    LoadPhase = "user_idle"
	PhaseOnDemand    LoadPhase = "on_demand"
	PhaseBackground  LoadPhase = "background"
)

// Valid reports whether the phase is one of the known lifecycle windows.
func (p LoadPhase) Valid() bool {
	switch p {
	case PhaseImmediate, PhasePostStartup, PhaseUserIdle, PhaseOnDemand, PhaseBackground:
		return true
	default:
		return false
	}
}

// ComponentState represents where a loadable component is in its lifecycle.
type ComponentState string

const (
	ComponentNotLoaded ComponentState = "not_loaded"
	ComponentLoading   ComponentState = "loading"
	ComponentLoaded    ComponentState = "loaded"
	ComponentFailed    ComponentState = "failed"
	ComponentDisabled  ComponentState = "disabled"
)

// LoadableComponent is the scheduler's record of one registered component.
// Lower priority loads first.
type LoadableComponent struct {
	ID        string         `json:"id"`
	Phase     LoadPhase      `json:"phase"`
	Priority  int            `json:"priority"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Essential bool           `json:"essential"`
	State     ComponentState `json:"state"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	LoadedAt  *time.Time     `json:"loaded_at,omitempty"`
}

// Clone returns a copy safe to hand to callers while the scheduler keeps
// mutating the original under its lock.
func (c *LoadableComponent) Clone() *LoadableComponent {
	clone := *c

	if c.DependsOn != nil {
		clone.DependsOn = make([]string, len(c.DependsOn))
		copy(clone.DependsOn, c.DependsOn)
	}

	if c.LoadedAt != nil {
		loaded := *c.LoadedAt
		clone.LoadedAt = &loaded
	}

	return &clone
}
