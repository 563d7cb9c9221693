package phases

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

func loadNothing(_ context.Context) error {
	return nil
}

func TestSchedulerRegisterValidation(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	err := scheduler.Register(ComponentSpec{Phase: models.PhaseImmediate, Load: loadNothing})
	assert.True(t, faults.IsValidationFailed(err))

	err = scheduler.Register(ComponentSpec{ID: "no-load", Phase: models.PhaseImmediate})
	assert.True(t, faults.IsValidationFailed(err))

	err = scheduler.Register(ComponentSpec{ID: "bad-phase", Phase: "warp", Load: loadNothing})
	assert.True(t, faults.IsValidationFailed(err))
}

func TestSchedulerDuplicateRegistrationRejected(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	spec := ComponentSpec{ID: "cache", Phase: models.PhasePostStartup, Load: loadNothing}
	require.NoError(t, scheduler.Register(spec))

	err := scheduler.Register(spec)
	assert.True(t, faults.IsValidationFailed(err))
}

func TestSchedulerDependencyCycleRejected(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	// Forward references are fine; only closing the loop is an error.
	require.NoError(t, scheduler.Register(ComponentSpec{
		ID: "indexer", Phase: models.PhasePostStartup, DependsOn: []string{"cache"}, Load: loadNothing,
	}))

	err := scheduler.Register(ComponentSpec{
		ID: "cache", Phase: models.PhasePostStartup, DependsOn: []string{"indexer"}, Load: loadNothing,
	})
	assert.True(t, faults.IsValidationFailed(err))

	err = scheduler.Register(ComponentSpec{
		ID: "selfish", Phase: models.PhasePostStartup, DependsOn: []string{"selfish"}, Load: loadNothing,
	})
	assert.True(t, faults.IsValidationFailed(err))

	// The rejected declaration is gone, so the same id registers cleanly
	// without the offending edge.
	require.NoError(t, scheduler.Register(ComponentSpec{
		ID: "cache", Phase: models.PhasePostStartup, Load: loadNothing,
	}))
}

func TestSchedulerRunPhaseLoadsComponents(t *testing.T) {
	scheduler := NewScheduler("runner-test", 2, nil)

	for _, id := range []string{"cache", "indexer", "feed"} {
		require.NoError(t, scheduler.Register(ComponentSpec{
			ID:    id,
			Phase: models.PhasePostStartup,
			Load:  loadNothing,
		}))
	}

	result, err := scheduler.RunPhase(t.Context(), models.PhasePostStartup)
	require.NoError(t, err)

	assert.Len(t, result.Loaded, 3)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Skipped)
	assert.False(t, result.Degraded)

	for _, id := range []string{"cache", "indexer", "feed"} {
		comp, err := scheduler.Component(id)
		require.NoError(t, err)
		assert.Equal(t, models.ComponentLoaded, comp.State)
		assert.Equal(t, 1, comp.Attempts)
		assert.NotNil(t, comp.LoadedAt)
	}
}

func TestSchedulerRunPhaseIgnoresOtherPhases(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	require.NoError(t, scheduler.Register(ComponentSpec{ID: "early", Phase: models.PhaseImmediate, Load: loadNothing}))
	require.NoError(t, scheduler.Register(ComponentSpec{ID: "late", Phase: models.PhaseBackground, Load: loadNothing}))

	result, err := scheduler.RunPhase(t.Context(), models.PhaseImmediate)
	require.NoError(t, err)

	assert.Equal(t, []string{"early"}, result.Loaded)

	comp, err := scheduler.Component("late")
	require.NoError(t, err)
	assert.Equal(t, models.ComponentNotLoaded, comp.State)
}

func TestSchedulerPriorityOrdersDispatch(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	var (
		mu    sync.Mutex
		order []string
	)

	register := func(id string, priority int) {
		require.NoError(t, scheduler.Register(ComponentSpec{
			ID:       id,
			Phase:    models.PhaseUserIdle,
			Priority: priority,
			Load: func(_ context.Context) error {
				mu.Lock()
				defer mu.Unlock()

				order = append(order, id)

				return nil
			},
		}))
	}

	register("third", 3)
	register("first", 1)
	register("second", 2)

	_, err := scheduler.RunPhase(t.Context(), models.PhaseUserIdle)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestSchedulerSkipsUnmetDependencies(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	require.NoError(t, scheduler.Register(ComponentSpec{ID: "store", Phase: models.PhaseImmediate, Load: loadNothing}))
	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:        "feed",
		Phase:     models.PhasePostStartup,
		DependsOn: []string{"store"},
		Load:      loadNothing,
	}))

	result, err := scheduler.RunPhase(t.Context(), models.PhasePostStartup)
	require.NoError(t, err)
	assert.Empty(t, result.Loaded)
	assert.Equal(t, []string{"feed"}, result.Skipped)

	_, err = scheduler.RunPhase(t.Context(), models.PhaseImmediate)
	require.NoError(t, err)

	result, err = scheduler.RunPhase(t.Context(), models.PhasePostStartup)
	require.NoError(t, err)
	assert.Equal(t, []string{"feed"}, result.Loaded)
	assert.Empty(t, result.Skipped)
}

func TestSchedulerRequeueRetriesFailedLoads(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil).WithRetryPolicy(fastRetryPolicy())

	var calls int

	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:         "flaky",
		Phase:      models.PhasePostStartup,
		RetryCount: 2,
		Load: func(_ context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}

			return nil
		},
	}))

	result, err := scheduler.RunPhase(t.Context(), models.PhasePostStartup)
	require.NoError(t, err)

	assert.Equal(t, []string{"flaky"}, result.Loaded)
	assert.Equal(t, 3, calls)

	comp, err := scheduler.Component("flaky")
	require.NoError(t, err)
	assert.Equal(t, models.ComponentLoaded, comp.State)
	assert.Equal(t, 3, comp.Attempts)
	assert.Empty(t, comp.LastError)
}

func TestSchedulerRetryExhaustionFailsComponent(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil).WithRetryPolicy(fastRetryPolicy())

	var calls int

	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:         "broken",
		Phase:      models.PhasePostStartup,
		RetryCount: 1,
		Load: func(_ context.Context) error {
			calls++

			return errors.New("no such file")
		},
	}))

	result, err := scheduler.RunPhase(t.Context(), models.PhasePostStartup)
	require.NoError(t, err)

	assert.Equal(t, []string{"broken"}, result.Failed)
	assert.Equal(t, 2, calls)
	assert.False(t, result.Degraded)

	comp, err := scheduler.Component("broken")
	require.NoError(t, err)
	assert.Equal(t, models.ComponentFailed, comp.State)
	assert.Contains(t, comp.LastError, "no such file")
}

func TestSchedulerEssentialFailureSignalsDegraded(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:        "auth",
		Phase:     models.PhaseImmediate,
		Essential: true,
		Load: func(_ context.Context) error {
			return errors.New("keyring locked")
		},
	}))
	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:    "banner",
		Phase: models.PhaseImmediate,
		Load: func(_ context.Context) error {
			return errors.New("asset missing")
		},
	}))

	result, err := scheduler.RunPhase(t.Context(), models.PhaseImmediate)
	require.NoError(t, err)

	assert.True(t, result.Degraded)
	assert.Equal(t, []string{"auth"}, result.DegradedComponents)
	assert.Len(t, result.Failed, 2)

	degraded, ids := scheduler.Degraded()
	assert.True(t, degraded)
	assert.Equal(t, []string{"auth"}, ids)
}

func TestSchedulerParallelismBound(t *testing.T) {
	scheduler := NewScheduler("runner-test", 2, nil)

	var (
		mu     sync.Mutex
		active int
		peak   int
	)

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, scheduler.Register(ComponentSpec{
			ID:    id,
			Phase: models.PhaseBackground,
			Load: func(_ context.Context) error {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()

				return nil
			},
		}))
	}

	result, err := scheduler.RunPhase(t.Context(), models.PhaseBackground)
	require.NoError(t, err)

	assert.Len(t, result.Loaded, 6)
	assert.LessOrEqual(t, peak, 2)
}

func TestSchedulerLoadNowSynchronous(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	var calls int

	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:    "exporter",
		Phase: models.PhaseOnDemand,
		Load: func(_ context.Context) error {
			calls++

			return nil
		},
	}))

	require.NoError(t, scheduler.LoadNow(t.Context(), "exporter"))

	comp, err := scheduler.Component("exporter")
	require.NoError(t, err)
	assert.Equal(t, models.ComponentLoaded, comp.State)

	// A second call finds the component loaded and does not run it again.
	require.NoError(t, scheduler.LoadNow(t.Context(), "exporter"))
	assert.Equal(t, 1, calls)
}

func TestSchedulerLoadNowUnknownComponent(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	err := scheduler.LoadNow(t.Context(), "ghost")
	assert.ErrorIs(t, err, ErrComponentNotFound)
}

func TestSchedulerLoadNowLoadsDependenciesFirst(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	var (
		mu    sync.Mutex
		order []string
	)

	register := func(id string, dependsOn ...string) {
		require.NoError(t, scheduler.Register(ComponentSpec{
			ID:        id,
			Phase:     models.PhaseOnDemand,
			DependsOn: dependsOn,
			Load: func(_ context.Context) error {
				mu.Lock()
				defer mu.Unlock()

				order = append(order, id)

				return nil
			},
		}))
	}

	register("store")
	register("index", "store")
	register("search", "index")

	require.NoError(t, scheduler.LoadNow(t.Context(), "search"))

	assert.Equal(t, []string{"store", "index", "search"}, order)
}

func TestSchedulerLoadNowFailedDependencyAborts(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:    "store",
		Phase: models.PhaseOnDemand,
		Load: func(_ context.Context) error {
			return errors.New("volume offline")
		},
	}))

	var calls int

	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:        "index",
		Phase:     models.PhaseOnDemand,
		DependsOn: []string{"store"},
		Load: func(_ context.Context) error {
			calls++

			return nil
		},
	}))

	err := scheduler.LoadNow(t.Context(), "index")
	assert.True(t, faults.IsDependencyUnmet(err))
	assert.Zero(t, calls)

	comp, err := scheduler.Component("index")
	require.NoError(t, err)
	assert.Equal(t, models.ComponentNotLoaded, comp.State)
}

func TestSchedulerLoadNowSharesInFlightLoad(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	started := make(chan struct{})
	release := make(chan struct{})

	var (
		mu          sync.Mutex
		invocations int
	)

	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:    "warmup",
		Phase: models.PhaseOnDemand,
		Load: func(_ context.Context) error {
			mu.Lock()
			invocations++
			mu.Unlock()

			close(started)
			<-release

			return nil
		},
	}))

	errs := make(chan error, 2)

	go func() {
		errs <- scheduler.LoadNow(context.Background(), "warmup")
	}()

	<-started

	go func() {
		errs <- scheduler.LoadNow(context.Background(), "warmup")
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	for range 2 {
		assert.NoError(t, <-errs)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, invocations)
}

func TestSchedulerDisable(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	var calls int

	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:    "telemetry",
		Phase: models.PhaseBackground,
		Load: func(_ context.Context) error {
			calls++

			return nil
		},
	}))

	require.NoError(t, scheduler.Disable("telemetry"))
	assert.ErrorIs(t, scheduler.Disable("ghost"), ErrComponentNotFound)

	result, err := scheduler.RunPhase(t.Context(), models.PhaseBackground)
	require.NoError(t, err)
	assert.Empty(t, result.Loaded)
	assert.Empty(t, result.Failed)

	err = scheduler.LoadNow(t.Context(), "telemetry")
	assert.ErrorIs(t, err, ErrComponentDisabled)
	assert.Zero(t, calls)
}

func TestSchedulerLoadTimeout(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:      "slow",
		Phase:   models.PhaseOnDemand,
		Timeout: 20 * time.Millisecond,
		Load: func(ctx context.Context) error {
			<-ctx.Done()

			return ctx.Err()
		},
	}))

	err := scheduler.LoadNow(t.Context(), "slow")
	assert.True(t, faults.IsTimeout(err))

	comp, err := scheduler.Component("slow")
	require.NoError(t, err)
	assert.Equal(t, models.ComponentFailed, comp.State)
}

func TestSchedulerComponentsSortedByPhase(t *testing.T) {
	scheduler := NewScheduler("runner-test", 1, nil)

	require.NoError(t, scheduler.Register(ComponentSpec{ID: "late", Phase: models.PhaseBackground, Load: loadNothing}))
	require.NoError(t, scheduler.Register(ComponentSpec{ID: "idle", Phase: models.PhaseUserIdle, Load: loadNothing}))
	require.NoError(t, scheduler.Register(ComponentSpec{ID: "boot", Phase: models.PhaseImmediate, Load: loadNothing}))

	components := scheduler.Components()
	require.Len(t, components, 3)

	assert.Equal(t, "boot", components[0].ID)
	assert.Equal(t, "idle", components[1].ID)
	assert.Equal(t, "late", components[2].ID)
}

func TestSchedulerPublishesLifecycleEvents(t *testing.T) {
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
		events.ComponentLoadedEvent,
		events.ComponentFailedEvent,
		events.PhaseCompletedEvent,
		events.RuntimeDegradedEvent,
	} {
		require.NoError(t, bus.Handle(eventType, record(eventType)))
	}

	require.NoError(t, bus.Subscribe(t.Context()))
	time.Sleep(50 * time.Millisecond)

	scheduler := NewScheduler("runner-test", 1, bus)

	require.NoError(t, scheduler.Register(ComponentSpec{ID: "cache", Phase: models.PhaseImmediate, Load: loadNothing}))
	require.NoError(t, scheduler.Register(ComponentSpec{
		ID:        "auth",
		Phase:     models.PhaseImmediate,
		Essential: true,
		Load: func(_ context.Context) error {
			return errors.New("keyring locked")
		},
	}))

	_, err = scheduler.RunPhase(t.Context(), models.PhaseImmediate)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	assert.Contains(t, received, events.ComponentLoadedEvent)
	assert.Contains(t, received, events.ComponentFailedEvent)
	assert.Contains(t, received, events.PhaseCompletedEvent)
	assert.Contains(t, received, events.RuntimeDegradedEvent)
}
