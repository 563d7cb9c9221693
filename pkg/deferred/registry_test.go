package deferred

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagekit/stagekit/pkg/channels/gochannel"
	"github.com/stagekit/stagekit/pkg/eventbus"
	"github.com/stagekit/stagekit/pkg/events"
	"github.com/stagekit/stagekit/pkg/faults"
	"github.com/stagekit/stagekit/pkg/log"
	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/retry"
)

func fastRetryPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func initValue(value any) func(context.Context) (any, error) {
	return func(_ context.Context) (any, error) {
		return value, nil
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	err := registry.Register(FeatureSpec{Trigger: models.TriggerManual, Init: initValue(1)})
	assert.True(t, faults.IsValidationFailed(err))

	err = registry.Register(FeatureSpec{ID: "no-init", Trigger: models.TriggerManual})
	assert.True(t, faults.IsValidationFailed(err))

	err = registry.Register(FeatureSpec{ID: "bad-trigger", Trigger: "on_full_moon", Init: initValue(1)})
	assert.True(t, faults.IsValidationFailed(err))

	spec := FeatureSpec{ID: "reports", Trigger: models.TriggerManual, Init: initValue(1)}
	require.NoError(t, registry.Register(spec))
	assert.True(t, faults.IsValidationFailed(registry.Register(spec)))
}

func TestRegistryResolveInitializesOnce(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	var calls int

	require.NoError(t, registry.Register(FeatureSpec{
		ID:      "search-index",
		Trigger: models.TriggerFirstAccess,
		Init: func(_ context.Context) (any, error) {
			calls++

			return "index-handle", nil
		},
	}))

	value, err := registry.Resolve(t.Context(), "search-index")
	require.NoError(t, err)
	assert.Equal(t, "index-handle", value)

	value, err = registry.Resolve(t.Context(), "search-index")
	require.NoError(t, err)
	assert.Equal(t, "index-handle", value)
	assert.Equal(t, 1, calls)

	feat, err := registry.Feature("search-index")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureInitialized, feat.State)
	assert.Equal(t, 1, feat.Attempts)
	assert.Equal(t, int64(2), feat.Accesses)
	assert.NotNil(t, feat.InitializedAt)
}

func TestRegistryResolveUnknownFeature(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	_, err := registry.Resolve(t.Context(), "ghost")
	assert.ErrorIs(t, err, ErrFeatureNotFound)
}

func TestRegistryResolveRetriesInitializer(t *testing.T) {
	registry := NewRegistry("runner-test", nil).WithRetryPolicy(fastRetryPolicy())

	var calls int

	require.NoError(t, registry.Register(FeatureSpec{
		ID:         "exporter",
		Trigger:    models.TriggerFirstAccess,
		RetryCount: 2,
		Init: func(_ context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("connection refused")
			}

			return "exporter-handle", nil
		},
	}))

	value, err := registry.Resolve(t.Context(), "exporter")
	require.NoError(t, err)
	assert.Equal(t, "exporter-handle", value)
	assert.Equal(t, 3, calls)

	feat, err := registry.Feature("exporter")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureInitialized, feat.State)
	assert.Equal(t, 3, feat.Attempts)
}

func TestRegistryNonOptionalFailureIsSticky(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	var (
		calls int
		fail  = true
	)

	require.NoError(t, registry.Register(FeatureSpec{
		ID:      "schema",
		Trigger: models.TriggerSystemReady,
		Init: func(_ context.Context) (any, error) {
			calls++
			if fail {
				return nil, errors.New("migration failed")
			}

			return "schema-handle", nil
		},
	}))

	_, err := registry.Resolve(t.Context(), "schema")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration failed")

	feat, err := registry.Feature("schema")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureFailed, feat.State)
	assert.Contains(t, feat.LastError, "migration failed")

	// The failure is sticky: another resolve reports it without re-running
	// the initializer.
	_, err = registry.Resolve(t.Context(), "schema")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration failed")
	assert.Equal(t, 1, calls)

	fail = false

	value, err := registry.ResolveForce(t.Context(), "schema")
	require.NoError(t, err)
	assert.Equal(t, "schema-handle", value)
	assert.Equal(t, 2, calls)

	feat, err = registry.Feature("schema")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureInitialized, feat.State)
	assert.Empty(t, feat.LastError)
}

func TestRegistryOptionalFailureReturnsUnavailable(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	var calls int

	require.NoError(t, registry.Register(FeatureSpec{
		ID:       "telemetry",
		Trigger:  models.TriggerSystemReady,
		Optional: true,
		Init: func(_ context.Context) (any, error) {
			calls++

			return nil, errors.New("endpoint unreachable")
		},
	}))

	_, err := registry.Resolve(t.Context(), "telemetry")
	assert.ErrorIs(t, err, ErrFeatureUnavailable)

	_, err = registry.Resolve(t.Context(), "telemetry")
	assert.ErrorIs(t, err, ErrFeatureUnavailable)
	assert.Equal(t, 1, calls)

	feat, err := registry.Feature("telemetry")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureFailed, feat.State)
}

func TestRegistryResolveInitializesDependenciesFirst(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	var (
		mu    sync.Mutex
		order []string
	)

	register := func(id string, dependsOn ...string) {
		require.NoError(t, registry.Register(FeatureSpec{
			ID:        id,
			Trigger:   models.TriggerFirstAccess,
			DependsOn: dependsOn,
			Init: func(_ context.Context) (any, error) {
				mu.Lock()
				defer mu.Unlock()

				order = append(order, id)

				return id + "-handle", nil
			},
		}))
	}

	register("store")
	register("index", "store")
	register("reports", "index")

	value, err := registry.Resolve(t.Context(), "reports")
	require.NoError(t, err)
	assert.Equal(t, "reports-handle", value)
	assert.Equal(t, []string{"store", "index", "reports"}, order)
}

func TestRegistryUnmetDependencyFailsNonOptional(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	require.NoError(t, registry.Register(FeatureSpec{
		ID:      "store",
		Trigger: models.TriggerFirstAccess,
		Init: func(_ context.Context) (any, error) {
			return nil, errors.New("volume offline")
		},
	}))

	var calls int

	require.NoError(t, registry.Register(FeatureSpec{
		ID:        "reports",
		Trigger:   models.TriggerFirstAccess,
		DependsOn: []string{"store"},
		Init: func(_ context.Context) (any, error) {
			calls++

			return "reports-handle", nil
		},
	}))

	_, err := registry.Resolve(t.Context(), "reports")
	assert.True(t, faults.IsDependencyUnmet(err))
	assert.Zero(t, calls)

	// The feature stays dormant so a later resolve retries once the
	// dependency recovers.
	feat, err := registry.Feature("reports")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureNotInitialized, feat.State)
}

func TestRegistryUnmetDependencySilentForOptional(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	require.NoError(t, registry.Register(FeatureSpec{
		ID:      "store",
		Trigger: models.TriggerFirstAccess,
		Init: func(_ context.Context) (any, error) {
			return nil, errors.New("volume offline")
		},
	}))
	require.NoError(t, registry.Register(FeatureSpec{
		ID:        "dashboard",
		Trigger:   models.TriggerFirstAccess,
		DependsOn: []string{"store"},
		Optional:  true,
		Init:      initValue("dashboard-handle"),
	}))

	_, err := registry.Resolve(t.Context(), "dashboard")
	assert.ErrorIs(t, err, ErrFeatureUnavailable)

	feat, err := registry.Feature("dashboard")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureNotInitialized, feat.State)
}

func TestRegistryConcurrentResolveReportsInitializing(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	started := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, registry.Register(FeatureSpec{
		ID:      "warmup",
		Trigger: models.TriggerFirstAccess,
		Init: func(_ context.Context) (any, error) {
			close(started)
			<-release

			return "warmup-handle", nil
		},
	}))

	done := make(chan error, 1)

	go func() {
		_, err := registry.Resolve(context.Background(), "warmup")
		done <- err
	}()

	<-started

	_, err := registry.Resolve(t.Context(), "warmup")
	assert.ErrorIs(t, err, ErrFeatureInitializing)

	close(release)
	require.NoError(t, <-done)

	value, err := registry.Resolve(t.Context(), "warmup")
	require.NoError(t, err)
	assert.Equal(t, "warmup-handle", value)
}

func TestRegistryResolveByTrigger(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	var (
		mu    sync.Mutex
		order []string
	)

	register := func(id string, trigger models.FeatureTrigger, dependsOn ...string) {
		require.NoError(t, registry.Register(FeatureSpec{
			ID:        id,
			Trigger:   trigger,
			DependsOn: dependsOn,
			Init: func(_ context.Context) (any, error) {
				mu.Lock()
				defer mu.Unlock()

				order = append(order, id)

				return id + "-handle", nil
			},
		}))
	}

	register("store", models.TriggerSystemReady)
	register("index", models.TriggerSystemReady, "store")
	register("reports", models.TriggerSystemReady, "index")
	register("preview", models.TriggerFirstAccess)

	outcomes := registry.ResolveByTrigger(t.Context(), models.TriggerSystemReady)

	require.Len(t, outcomes, 3)
	for id, err := range outcomes {
		assert.NoError(t, err, id)
	}

	assert.Equal(t, []string{"store", "index", "reports"}, order)

	feat, err := registry.Feature("preview")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureNotInitialized, feat.State)
}

func TestRegistryResolveByTriggerAbsorbsOptionalFailures(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	require.NoError(t, registry.Register(FeatureSpec{
		ID:       "telemetry",
		Trigger:  models.TriggerSystemReady,
		Optional: true,
		Init: func(_ context.Context) (any, error) {
			return nil, errors.New("endpoint unreachable")
		},
	}))
	require.NoError(t, registry.Register(FeatureSpec{
		ID:      "feed",
		Trigger: models.TriggerSystemReady,
		Init:    initValue("feed-handle"),
	}))

	outcomes := registry.ResolveByTrigger(t.Context(), models.TriggerSystemReady)

	require.Len(t, outcomes, 2)
	assert.ErrorIs(t, outcomes["telemetry"], ErrFeatureUnavailable)
	assert.NoError(t, outcomes["feed"])
}

func TestRegistryInitializerTimeout(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	require.NoError(t, registry.Register(FeatureSpec{
		ID:      "slow",
		Trigger: models.TriggerFirstAccess,
		Timeout: 20 * time.Millisecond,
		Init: func(ctx context.Context) (any, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		},
	}))

	_, err := registry.Resolve(t.Context(), "slow")
	assert.True(t, faults.IsTimeout(err))

	feat, err := registry.Feature("slow")
	require.NoError(t, err)
	assert.Equal(t, models.FeatureFailed, feat.State)
}

func TestRegistryDisable(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	var calls int

	require.NoError(t, registry.Register(FeatureSpec{
		ID:      "preview",
		Trigger: models.TriggerUserAction,
		Init: func(_ context.Context) (any, error) {
			calls++

			return "preview-handle", nil
		},
	}))

	require.NoError(t, registry.Disable("preview"))
	assert.ErrorIs(t, registry.Disable("ghost"), ErrFeatureNotFound)

	_, err := registry.Resolve(t.Context(), "preview")
	assert.ErrorIs(t, err, ErrFeatureUnavailable)
	assert.Zero(t, calls)
}

func TestRegistryFeaturesSnapshotSorted(t *testing.T) {
	registry := NewRegistry("runner-test", nil)

	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, registry.Register(FeatureSpec{
			ID:      id,
			Trigger: models.TriggerManual,
			Init:    initValue(id),
		}))
	}

	features := registry.Features()
	require.Len(t, features, 3)

	assert.Equal(t, "alpha", features[0].ID)
	assert.Equal(t, "mid", features[1].ID)
	assert.Equal(t, "zeta", features[2].ID)
}

func TestRegistryPublishesLifecycleEvents(t *testing.T) {
	logger := watermill.NewSlogLogger(log.WithModule("test"))
	publisher, subscriber, err := gochannel.CreateTestChannel(logger)
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(publisher, subscriber)
	defer bus.Close()

	var (
		mu       sync.Mutex
		received []events.EventType
	)

	record := func(eventType events.EventType) eventbus.EventHandler {
		return func(_ context.Context, _ any) error {
			mu.Lock()
			defer mu.Unlock()

			received = append(received, eventType)

			return nil
		}
	}

	for _, eventType := range []events.EventType{
		events.FeatureInitializedEvent,
		events.FeatureFailedEvent,
	} {
		require.NoError(t, bus.Handle(eventType, record(eventType)))
	}

	require.NoError(t, bus.Subscribe(t.Context()))
	time.Sleep(50 * time.Millisecond)

	registry := NewRegistry("runner-test", bus)

	require.NoError(t, registry.Register(FeatureSpec{
		ID:      "feed",
		Trigger: models.TriggerSystemReady,
		Init:    initValue("feed-handle"),
	}))
	require.NoError(t, registry.Register(FeatureSpec{
		ID:       "telemetry",
		Trigger:  models.TriggerSystemReady,
		Optional: true,
		Init: func(_ context.Context) (any, error) {
			return nil, errors.New("endpoint unreachable")
		},
	}))

	registry.ResolveByTrigger(t.Context(), models.TriggerSystemReady)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Contains(t, received, events.FeatureInitializedEvent)
	assert.Contains(t, received, events.FeatureFailedEvent)
}
