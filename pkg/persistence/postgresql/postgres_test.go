package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/persistence"
	"github.com/stagekit/stagekit/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"recovery_attempts", "workflow_instances", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("stagekit_test"),
			postgres.WithUsername("stagekit"),
			postgres.WithPassword("stagekit"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	// Verify tables were created
	var exists bool

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = 'workflow_instances')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "workflow_instances table should exist")

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = 'recovery_attempts')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "recovery_attempts table should exist")

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestInstanceRepository_SaveAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	instance := models.NewWorkflowInstance(uuid.New().String(), "modA", models.DefaultModuleInstall())
	instance.Steps[0].Status = models.StepStatusCompleted
	instance.Steps[0].Progress = 100
	instance.CurrentStep = 1
	instance.Metadata = map[string]any{"channel": "stable"}
	instance.RecomputeProgress()

	err := p.Instances().Save(ctx, instance)
	require.NoError(t, err)

	loaded, err := p.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, "modA", loaded.EntityKey)
	assert.Equal(t, models.WorkflowStatusRunning, loaded.Status)
	assert.Equal(t, 1, loaded.CurrentStep)
	require.Len(t, loaded.Steps, 5)
	assert.Equal(t, models.StepStatusCompleted, loaded.Steps[0].Status)
	assert.Equal(t, "stable", loaded.Metadata["channel"])
	assert.InDelta(t, instance.Progress, loaded.Progress, 0.001)
}

func TestInstanceRepository_GetByID_Missing(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	loaded, err := p.Instances().GetByID(ctx, "missing-id")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestInstanceRepository_Save_UpdatesExisting(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	instance := models.NewWorkflowInstance(uuid.New().String(), "modA", models.DefaultModuleInstall())
	require.NoError(t, p.Instances().Save(ctx, instance))

	instance.Status = models.WorkflowStatusComplete
	instance.Progress = 100
	require.NoError(t, p.Instances().Save(ctx, instance))

	loaded, err := p.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, models.WorkflowStatusComplete, loaded.Status)
	assert.InDelta(t, 100.0, loaded.Progress, 0.001)
}

func TestInstanceRepository_ListAndFilters(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	running := models.NewWorkflowInstance(uuid.New().String(), "modA", models.DefaultModuleInstall())
	complete := models.NewWorkflowInstance(uuid.New().String(), "modB", models.DefaultModuleInstall())
	complete.Status = models.WorkflowStatusComplete

	require.NoError(t, p.Instances().Save(ctx, running))
	require.NoError(t, p.Instances().Save(ctx, complete))

	all, err := p.Instances().List(ctx, persistence.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	status := models.WorkflowStatusComplete
	filtered, err := p.Instances().List(ctx, persistence.ListOptions{Status: &status})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, complete.ID, filtered[0].ID)

	byEntity, err := p.Instances().List(ctx, persistence.ListOptions{EntityKey: "modA"})
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, running.ID, byEntity[0].ID)

	limited, err := p.Instances().List(ctx, persistence.ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	sorted, err := p.Instances().List(ctx, persistence.ListOptions{SortBy: "entity_key", SortOrder: "asc"})
	require.NoError(t, err)
	require.Len(t, sorted, 2)
	assert.Equal(t, "modA", sorted[0].EntityKey)

	_, err = p.Instances().List(ctx, persistence.ListOptions{SortBy: "status; DROP TABLE workflow_instances"})
	assert.ErrorIs(t, err, persistence.ErrInvalidSortField)
}

func TestInstanceRepository_ListActive(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	running := models.NewWorkflowInstance(uuid.New().String(), "modA", models.DefaultModuleInstall())
	failed := models.NewWorkflowInstance(uuid.New().String(), "modB", models.DefaultModuleInstall())
	failed.Status = models.WorkflowStatusFailed
	cancelled := models.NewWorkflowInstance(uuid.New().String(), "modC", models.DefaultModuleInstall())
	cancelled.Status = models.WorkflowStatusCancelled

	require.NoError(t, p.Instances().Save(ctx, running))
	require.NoError(t, p.Instances().Save(ctx, failed))
	require.NoError(t, p.Instances().Save(ctx, cancelled))

	active, err := p.Instances().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	ids := []string{active[0].ID, active[1].ID}
	assert.Contains(t, ids, running.ID)
	assert.Contains(t, ids, failed.ID)
}

func TestInstanceRepository_Delete(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	instance := models.NewWorkflowInstance(uuid.New().String(), "modA", models.DefaultModuleInstall())
	require.NoError(t, p.Instances().Save(ctx, instance))

	require.NoError(t, p.Instances().Delete(ctx, instance.ID))

	loaded, err := p.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting again is not an error.
	assert.NoError(t, p.Instances().Delete(ctx, instance.ID))
}

func TestAttemptRepository_AppendAndList(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	base := time.Now().UTC().Truncate(time.Millisecond)

	for i, spec := range []struct {
		component string
		outcome   models.RecoveryOutcome
	}{
		{"cache", models.OutcomeFailed},
		{"cache", models.OutcomeSuccess},
		{"search", models.OutcomePartialSuccess},
	} {
		attempt := &models.RecoveryAttempt{
			ID:          uuid.New().String(),
			ComponentID: spec.component,
			Action:      "restart",
			Outcome:     spec.outcome,
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			FinishedAt:  base.Add(time.Duration(i)*time.Second + 100*time.Millisecond),
		}
		require.NoError(t, p.Attempts().Append(ctx, attempt))
	}

	recent, err := p.Attempts().List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "search", recent[0].ComponentID, "newest first")

	all, err := p.Attempts().List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cache, err := p.Attempts().ListByComponent(ctx, "cache")
	require.NoError(t, err)
	require.Len(t, cache, 2)
	assert.Equal(t, models.OutcomeFailed, cache[0].Outcome, "oldest first per component")
	assert.Equal(t, "restart", cache[0].Action)
}
