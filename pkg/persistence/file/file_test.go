package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagekit/stagekit/pkg/models"
	"github.com/stagekit/stagekit/pkg/persistence"
)

func TestNewPersistence(t *testing.T) {
	// Test with regular path
	p := NewPersistence("/tmp/test")
	fp := p.(*Persistence)
	assert.Equal(t, "/tmp/test", fp.root)

	// Test with file:// prefix
	p = NewPersistence("file:///tmp/test")
	fp = p.(*Persistence)
	assert.Equal(t, "/tmp/test", fp.root)
}

func TestPersistence_Close(t *testing.T) {
	p := NewPersistence(t.TempDir())
	err := p.Close(t.Context())
	assert.NoError(t, err)
}

func TestPersistence_HealthCheck(t *testing.T) {
	p := NewPersistence(t.TempDir())
	assert.NoError(t, p.HealthCheck(t.Context()))

	missing := NewPersistence(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, missing.HealthCheck(t.Context()))
}

func TestInstanceRepository_SaveAndGet(t *testing.T) {
	testDir := t.TempDir()
	p := NewPersistence(testDir)

	instance := models.NewWorkflowInstance("wf-1", "modA", models.DefaultModuleInstall())

	err := p.Instances().Save(t.Context(), instance)
	require.NoError(t, err)

	// Verify file was created
	filePath := filepath.Join(testDir, "instances", "wf-1.json")
	_, err = os.Stat(filePath)
	require.NoError(t, err)

	loaded, err := p.Instances().GetByID(t.Context(), "wf-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "modA", loaded.EntityKey)
	assert.Equal(t, models.WorkflowStatusRunning, loaded.Status)
	assert.Len(t, loaded.Steps, 5)
}

func TestInstanceRepository_GetByID_Missing(t *testing.T) {
	p := NewPersistence(t.TempDir())

	loaded, err := p.Instances().GetByID(t.Context(), "nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestInstanceRepository_GetByID_PartialDocument(t *testing.T) {
	testDir := t.TempDir()
	p := NewPersistence(testDir)

	require.NoError(t, os.MkdirAll(filepath.Join(testDir, "instances"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(testDir, "instances", "torn.json"), []byte(`{"id": "torn", "sta`), 0600))

	// A partially-written document counts as no prior state.
	loaded, err := p.Instances().GetByID(t.Context(), "torn")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestInstanceRepository_List_FiltersAndPages(t *testing.T) {
	p := NewPersistence(t.TempDir())

	running := models.NewWorkflowInstance("wf-running", "modA", models.DefaultModuleInstall())
	done := models.NewWorkflowInstance("wf-done", "modB", models.DefaultModuleInstall())
	done.Status = models.WorkflowStatusComplete

	require.NoError(t, p.Instances().Save(t.Context(), running))
	require.NoError(t, p.Instances().Save(t.Context(), done))

	all, err := p.Instances().List(t.Context(), persistence.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	status := models.WorkflowStatusComplete
	completed, err := p.Instances().List(t.Context(), persistence.ListOptions{Status: &status})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "wf-done", completed[0].ID)

	byEntity, err := p.Instances().List(t.Context(), persistence.ListOptions{EntityKey: "modA"})
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, "wf-running", byEntity[0].ID)

	paged, err := p.Instances().List(t.Context(), persistence.ListOptions{Limit: 1, Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, paged)

	_, err = p.Instances().List(t.Context(), persistence.ListOptions{Limit: -1})
	assert.ErrorIs(t, err, persistence.ErrInvalidListOptions)
}

func instanceIDs(instances []*models.WorkflowInstance) []string {
	ids := make([]string, 0, len(instances))
	for _, instance := range instances {
		ids = append(ids, instance.ID)
	}

	return ids
}

func TestInstanceRepository_List_SortOptions(t *testing.T) {
	p := NewPersistence(t.TempDir())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	old := models.NewWorkflowInstance("wf-old", "modC", models.DefaultModuleInstall())
	old.CreatedAt = base
	mid := models.NewWorkflowInstance("wf-mid", "modA", models.DefaultModuleInstall())
	mid.CreatedAt = base.Add(time.Hour)
	newest := models.NewWorkflowInstance("wf-new", "modB", models.DefaultModuleInstall())
	newest.CreatedAt = base.Add(2 * time.Hour)

	require.NoError(t, p.Instances().Save(t.Context(), old))
	require.NoError(t, p.Instances().Save(t.Context(), mid))
	require.NoError(t, p.Instances().Save(t.Context(), newest))

	byDefault, err := p.Instances().List(t.Context(), persistence.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-new", "wf-mid", "wf-old"}, instanceIDs(byDefault), "newest first by default")

	oldestFirst, err := p.Instances().List(t.Context(), persistence.ListOptions{SortBy: "created_at", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-old", "wf-mid", "wf-new"}, instanceIDs(oldestFirst))

	byEntityKey, err := p.Instances().List(t.Context(), persistence.ListOptions{SortBy: "entity_key", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-mid", "wf-new", "wf-old"}, instanceIDs(byEntityKey))

	// Re-saving stamps UpdatedAt, making the oldest instance the most
	// recently touched one.
	require.NoError(t, p.Instances().Save(t.Context(), old))

	byUpdate, err := p.Instances().List(t.Context(), persistence.ListOptions{SortBy: "updated_at"})
	require.NoError(t, err)
	assert.Equal(t, "wf-old", instanceIDs(byUpdate)[0])

	_, err = p.Instances().List(t.Context(), persistence.ListOptions{SortBy: "definition; DROP TABLE instances"})
	assert.ErrorIs(t, err, persistence.ErrInvalidSortField)
	assert.True(t, persistence.IsInvalidSortField(err))
}

func TestInstanceRepository_ListActive(t *testing.T) {
	testDir := t.TempDir()
	p := NewPersistence(testDir)

	running := models.NewWorkflowInstance("wf-running", "modA", models.DefaultModuleInstall())
	failed := models.NewWorkflowInstance("wf-failed", "modB", models.DefaultModuleInstall())
	failed.Status = models.WorkflowStatusFailed
	cancelled := models.NewWorkflowInstance("wf-cancelled", "modC", models.DefaultModuleInstall())
	cancelled.Status = models.WorkflowStatusCancelled

	require.NoError(t, p.Instances().Save(t.Context(), running))
	require.NoError(t, p.Instances().Save(t.Context(), failed))
	require.NoError(t, p.Instances().Save(t.Context(), cancelled))

	// A torn document in the same directory must not break the reload.
	require.NoError(t, os.WriteFile(filepath.Join(testDir, "instances", "torn.json"), []byte("{"), 0600))

	active, err := p.Instances().ListActive(t.Context())
	require.NoError(t, err)
	require.Len(t, active, 2, "running and failed are active, cancelled is terminal")

	ids := []string{active[0].ID, active[1].ID}
	assert.Contains(t, ids, "wf-running")
	assert.Contains(t, ids, "wf-failed")
}

func TestInstanceRepository_Delete(t *testing.T) {
	p := NewPersistence(t.TempDir())

	instance := models.NewWorkflowInstance("wf-1", "modA", models.DefaultModuleInstall())
	require.NoError(t, p.Instances().Save(t.Context(), instance))

	require.NoError(t, p.Instances().Delete(t.Context(), "wf-1"))

	loaded, err := p.Instances().GetByID(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting again is not an error.
	assert.NoError(t, p.Instances().Delete(t.Context(), "wf-1"))
}

func newAttempt(id, componentID string, outcome models.RecoveryOutcome) *models.RecoveryAttempt {
	now := time.Now().UTC()

	return &models.RecoveryAttempt{
		ID:          id,
		ComponentID: componentID,
		Action:      "restart",
		Outcome:     outcome,
		StartedAt:   now,
		FinishedAt:  now,
	}
}

func TestAttemptRepository_AppendAndList(t *testing.T) {
	p := NewPersistence(t.TempDir())

	require.NoError(t, p.Attempts().Append(t.Context(), newAttempt("a-1", "cache", models.OutcomeFailed)))
	require.NoError(t, p.Attempts().Append(t.Context(), newAttempt("a-2", "cache", models.OutcomeSuccess)))
	require.NoError(t, p.Attempts().Append(t.Context(), newAttempt("a-3", "search", models.OutcomeSuccess)))

	recent, err := p.Attempts().List(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "a-3", recent[0].ID, "newest first")
	assert.Equal(t, "a-2", recent[1].ID)

	all, err := p.Attempts().List(t.Context(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cache, err := p.Attempts().ListByComponent(t.Context(), "cache")
	require.NoError(t, err)
	require.Len(t, cache, 2)
	assert.Equal(t, "a-1", cache[0].ID, "oldest first per component")
}

func TestAttemptRepository_TornTailLine(t *testing.T) {
	testDir := t.TempDir()
	p := NewPersistence(testDir)

	require.NoError(t, p.Attempts().Append(t.Context(), newAttempt("a-1", "cache", models.OutcomeSuccess)))

	// Simulate a crash mid-append.
	file, err := os.OpenFile(filepath.Join(testDir, "attempts.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = file.WriteString(`{"id": "a-2", "compo`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	all, err := p.Attempts().List(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a-1", all[0].ID)
}
