package logstep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagekit/stagekit/pkg/channels/gochannel"
	"github.com/stagekit/stagekit/pkg/eventbus"
	"github.com/stagekit/stagekit/pkg/events"
	"github.com/stagekit/stagekit/pkg/log"
	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/persistence/file"
	"github.com/stagekit/stagekit/pkg/workflow"
)

func TestNewCompletesImmediately(t *testing.T) {
	handler := New(nil)

	err := handler(t.Context(), workflow.StepContext{
		WorkflowID: "wf-1",
		EntityKey:  "module-a",
		Step:       "Download",
		Attempt:    1,
	})
	require.NoError(t, err)
}

func TestNewWithDelayWaits(t *testing.T) {
	handler := NewWithDelay(nil, 40*time.Millisecond)

	start := time.Now()
	err := handler(t.Context(), workflow.StepContext{Step: "Download"})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestNewWithDelayZeroCompletesImmediately(t *testing.T) {
	handler := NewWithDelay(nil, 0)

	err := handler(t.Context(), workflow.StepContext{Step: "Download"})
	require.NoError(t, err)
}

func TestNewWithDelayHonorsCancellation(t *testing.T) {
	handler := NewWithDelay(nil, time.Second)

	ctx, cancel := context.WithCancel(t.Context())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := handler(ctx, workflow.StepContext{Step: "Download"})
	require.Error(t, err)

	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNewWithDelayReportsProgress(t *testing.T) {
	logger := watermill.NewSlogLogger(log.WithModule("test"))
	publisher, subscriber, err := gochannel.CreateTestChannel(logger)
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(publisher, subscriber)
	defer bus.Close()

	var (
		mu      sync.Mutex
		reports []float64
	)

	require.NoError(t, bus.Handle(events.ProgressUpdatedEvent, func(_ context.Context, event any) error {
		if progress, ok := event.(*events.ProgressUpdated); ok {
			mu.Lock()
			reports = append(reports, progress.Percent)
			mu.Unlock()
		}

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))
	time.Sleep(50 * time.Millisecond)

	definition := &models.WorkflowDefinition{
		Name:  "module-install",
		Steps: []models.StepSpec{{Name: "Download", Timeout: time.Minute}},
	}

	repo := file.NewInstanceRepository(t.TempDir(), log.WithModule("test"))

	engine, err := workflow.NewEngine("runner-test", definition, repo, bus)
	require.NoError(t, err)
	require.NoError(t, engine.RegisterHandler("Download", NewWithDelay(nil, 40*time.Millisecond)))

	id, err := engine.Start(t.Context(), "module-a", "")
	require.NoError(t, err)

	complete, err := engine.Advance(t.Context(), id)
	require.NoError(t, err)
	require.True(t, complete)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	require.NotEmpty(t, reports)
	assert.Contains(t, reports, 100.0)
}
