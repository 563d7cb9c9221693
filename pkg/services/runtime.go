package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/stagekit/stagekit/pkg/deferred"
	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/phases"
	"github.com/stagekit/stagekit/pkg/recovery"
)

// Runtime serves the progressive-loading side of the runner: loadable
// components, deferred features and the recovery history.
type Runtime struct {
	scheduler *phases.Scheduler
	registry  *deferred.Registry
	recovery  *recovery.Coordinator
}

// NewRuntime creates a new runtime service.
func NewRuntime(scheduler *phases.Scheduler, registry *deferred.Registry, recovery *recovery.Coordinator) *Runtime {
	return &Runtime{
		scheduler: scheduler,
		registry:  registry,
		recovery:  recovery,
	}
}

// Components returns every registered component in phase order.
func (s *Runtime) Components() []*models.LoadableComponent {
	return s.scheduler.Components()
}

// Component returns one component.
func (s *Runtime) Component(id string) (*models.LoadableComponent, error) {
	return s.scheduler.Component(id)
}

// LoadComponent loads a component out of band and returns its state.
func (s *Runtime) LoadComponent(ctx context.Context, id string) (*models.LoadableComponent, error) {
	if err := s.scheduler.LoadNow(ctx, id); err != nil {
		return nil, err
	}

	return s.scheduler.Component(id)
}

// DisableComponent parks a component.
func (s *Runtime) DisableComponent(id string) error {
	return s.scheduler.Disable(id)
}

// RunPhase runs one load phase to completion.
func (s *Runtime) RunPhase(ctx context.Context, phase string) (*phases.PhaseResult, error) {
	loadPhase := models.LoadPhase(phase)
	if !loadPhase.Valid() {
		return nil, NewValidationError("RunPhase", "INVALID_PHASE",
			fmt.Sprintf("invalid phase '%s'", phase), ErrInvalidPhase)
	}

	return s.scheduler.RunPhase(ctx, loadPhase)
}

// Degraded reports whether an essential component has failed, and which.
func (s *Runtime) Degraded() (bool, []string) {
	return s.scheduler.Degraded()
}

// Features returns every registered deferred feature.
func (s *Runtime) Features() []*models.DeferredFeature {
	return s.registry.Features()
}

// ResolveFeature initializes a feature on demand and returns its snapshot.
// Force clears a sticky failure first.
func (s *Runtime) ResolveFeature(ctx context.Context, id string, force bool) (*models.DeferredFeature, error) {
	var err error

	if force {
		_, err = s.registry.ResolveForce(ctx, id)
	} else {
		_, err = s.registry.Resolve(ctx, id)
	}

	if err != nil {
		return nil, err
	}

	return s.registry.Feature(id)
}

// TriggerResolution is the per-feature outcome of a batch resolve.
type TriggerResolution struct {
	Feature string `json:"feature"`
	Error   string `json:"error,omitempty"`
}

// ResolveByTrigger resolves every dormant feature matching the trigger and
// reports the per-feature outcomes sorted by feature id.
func (s *Runtime) ResolveByTrigger(ctx context.Context, trigger string) ([]TriggerResolution, error) {
	featureTrigger := models.FeatureTrigger(trigger)
	if !featureTrigger.Valid() {
		return nil, NewValidationError("ResolveByTrigger", "INVALID_TRIGGER",
			fmt.Sprintf("invalid trigger '%s'", trigger), ErrInvalidTrigger)
	}

	outcomes := s.registry.ResolveByTrigger(ctx, featureTrigger)

	resolutions := make([]TriggerResolution, 0, len(outcomes))

	for feature, err := range outcomes {
		resolution := TriggerResolution{Feature: feature}
		if err != nil {
			resolution.Error = err.Error()
		}

		resolutions = append(resolutions, resolution)
	}

	sort.Slice(resolutions, func(i, j int) bool {
		return resolutions[i].Feature < resolutions[j].Feature
	})

	return resolutions, nil
}

// RecoveryHistory returns recorded recovery attempts, optionally narrowed to
// one component.
func (s *Runtime) RecoveryHistory(ctx context.Context, componentID string, limit int) ([]*models.RecoveryAttempt, error) {
	return s.recovery.History(ctx, componentID, limit)
}
