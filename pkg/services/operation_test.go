package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagekit/stagekit/pkg/bulk"
	"github.com/stagekit/stagekit/pkg/models"
)

func newTestOperationService(t *testing.T) *Operation {
	t.Helper()

	coordinator := bulk.NewCoordinator("runner-test", 2, nil)
	require.NoError(t, coordinator.RegisterHandler("reindex", nil, func(_ context.Context, _ string, _ map[string]any) error {
		return nil
	}))

	return NewOperation(coordinator)
}

func TestOperationServiceExecuteAndFetch(t *testing.T) {
	service := newTestOperationService(t)

	op, err := service.Execute(t.Context(), ExecuteOperationRequest{
		Kind:    "reindex",
		Targets: []string{"node-00", "node-01"},
	})
	require.NoError(t, err)
	require.NotNil(t, op)

	require.NoError(t, service.Wait(t.Context(), op.ID))

	fetched, err := service.FetchByID(op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BulkStatusCompleted, fetched.Status)
	assert.Equal(t, 2, fetched.Successful)

	assert.Len(t, service.List(), 1)
}

func TestOperationServiceExecuteRequiresKind(t *testing.T) {
	service := newTestOperationService(t)

	_, err := service.Execute(t.Context(), ExecuteOperationRequest{Kind: "   ", Targets: []string{"node-00"}})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestOperationServiceCleanupRejectsNegativeRetention(t *testing.T) {
	service := newTestOperationService(t)

	_, err := service.Cleanup(-time.Hour)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}
