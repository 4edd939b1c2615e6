package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testpilot-ai/testpilot/pkg/models"
)

func openRoot(t *testing.T) *Root {
	t.Helper()
	root, err := Open(t.TempDir())
	require.NoError(t, err)
	return root
}

func sampleSuite(id string) *models.Suite {
	return &models.Suite{
		ID:   id,
		Name: "Suite " + id,
		Tests: []models.SuiteTest{
			{
				Enabled: true,
				Plan: models.Plan{
					ID:   id + "-plan",
					Name: "Plan",
					Steps: []models.Step{
						{Ordinal: 1, Kind: models.StepNavigate, Target: "https://example.com"},
					},
				},
			},
		},
	}
}

func sampleTrigger(id string) *models.Trigger {
	return &models.Trigger{
		ID:             id,
		Enabled:        true,
		TriggerType:    models.TriggerPush,
		TargetSuiteIDs: []string{"s1"},
		MatchConditions: models.MatchConditions{
			Branches: []string{"main"},
		},
	}
}

func TestOpenCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	root, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, root.Dir())
	for _, sub := range []string{"suites", "runs", "triggers", "executions"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	_, err = Open("")
	assert.Error(t, err)
}

func TestSuiteRoundTrip(t *testing.T) {
	root := openRoot(t)
	store := root.Suites()
	ctx := context.Background()

	suite := sampleSuite("checkout")
	require.NoError(t, store.Save(ctx, suite))
	assert.False(t, suite.CreatedAt.IsZero(), "save stamps creation time")
	assert.False(t, suite.UpdatedAt.IsZero())

	got, err := store.Suite(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, suite.Name, got.Name)
	require.Len(t, got.Tests, 1)
	assert.Equal(t, "checkout-plan", got.Tests[0].Plan.ID)
}

func TestSuiteNotFound(t *testing.T) {
	root := openRoot(t)
	_, err := root.Suites().Suite(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSuiteRejectsUnsafeID(t *testing.T) {
	root := openRoot(t)
	ctx := context.Background()
	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		suite := sampleSuite("x")
		suite.ID = id
		assert.Error(t, root.Suites().Save(ctx, suite), "id %q", id)
	}
}

func TestSuiteSaveValidates(t *testing.T) {
	root := openRoot(t)
	suite := sampleSuite("s1")
	suite.ParentID = "s1" // own parent
	assert.Error(t, root.Suites().Save(context.Background(), suite))
}

func TestSuiteListOrdersByCreation(t *testing.T) {
	root := openRoot(t)
	store := root.Suites()
	ctx := context.Background()

	older := sampleSuite("older")
	older.CreatedAt = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	newer := sampleSuite("newer")
	newer.CreatedAt = time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, newer))
	require.NoError(t, store.Save(ctx, older))

	suites, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, suites, 2)
	assert.Equal(t, "older", suites[0].ID)
	assert.Equal(t, "newer", suites[1].ID)
}

func TestSuiteChildSuites(t *testing.T) {
	root := openRoot(t)
	store := root.Suites()
	ctx := context.Background()

	parent := sampleSuite("parent")
	childA := sampleSuite("child-a")
	childA.ParentID = "parent"
	childA.CreatedAt = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	childB := sampleSuite("child-b")
	childB.ParentID = "parent"
	childB.CreatedAt = time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	for _, s := range []*models.Suite{parent, childA, childB} {
		require.NoError(t, store.Save(ctx, s))
	}

	children, err := store.ChildSuites(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "child-b", children[0].ID, "children come back in stored order")
	assert.Equal(t, "child-a", children[1].ID)
}

func TestSuiteDelete(t *testing.T) {
	root := openRoot(t)
	store := root.Suites()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSuite("s1")))
	require.NoError(t, store.Delete(ctx, "s1"))
	_, err := store.Suite(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "s1"), ErrNotFound)
}

func TestRunReportRoundTrip(t *testing.T) {
	root := openRoot(t)
	runs := root.Runs()
	ctx := context.Background()

	run := &models.Run{
		RunID:     "run-1",
		PlanID:    "plan-1",
		PlanName:  "Login",
		StartedAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2026, 8, 20, 10, 0, 3, 0, time.UTC),
		Outcome:   models.OutcomePassed,
		Steps: []models.StepResult{
			{Ordinal: 1, Status: models.StepPassed, Attempts: 1},
		},
	}
	require.NoError(t, runs.SaveReport(run))
	assert.Equal(t, filepath.Join("runs", "run-1"), run.Artifacts.Dir,
		"report save fills the artifact dir relative to the root")

	got, err := runs.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePassed, got.Outcome)
	assert.Equal(t, int64(3000), got.DurationMs())

	_, err = runs.Run(ctx, "run-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunScreenshotNaming(t *testing.T) {
	root := openRoot(t)
	runs := root.Runs()

	takenAt := time.Date(2026, 8, 20, 10, 0, 1, 0, time.UTC)
	ref, err := runs.SaveScreenshot("run-1", 3, takenAt, []byte("png-bytes"))
	require.NoError(t, err)
	want := filepath.Join("runs", "run-1", fmt.Sprintf("step_3_failure_%d.png", takenAt.UnixMilli()))
	assert.Equal(t, want, ref)

	data, err := os.ReadFile(runs.ScreenshotPath(ref))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestRunListNewestFirstAndFiltered(t *testing.T) {
	root := openRoot(t)
	runs := root.Runs()
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	for i, planID := range []string{"plan-a", "plan-b", "plan-a"} {
		require.NoError(t, runs.SaveReport(&models.Run{
			RunID:     fmt.Sprintf("run-%d", i),
			PlanID:    planID,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + 5*time.Second),
			Outcome:   models.OutcomePassed,
		}))
	}
	// An in-flight run directory without a report is skipped, not an error.
	require.NoError(t, os.MkdirAll(filepath.Join(root.Dir(), "runs", "run-pending"), 0o755))

	all, err := runs.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-2", all[0].RunID, "newest first")
	assert.Equal(t, "run-0", all[2].RunID)

	filtered, err := runs.List(ctx, "plan-a")
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	for _, run := range filtered {
		assert.Equal(t, "plan-a", run.PlanID)
	}
}

func TestTriggerRoundTrip(t *testing.T) {
	root := openRoot(t)
	store := root.Triggers()
	ctx := context.Background()

	trigger := sampleTrigger("nightly")
	require.NoError(t, store.Save(ctx, trigger))
	assert.False(t, trigger.CreatedAt.IsZero())

	got, err := store.Trigger(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, models.TriggerPush, got.TriggerType)
	assert.Equal(t, []string{"s1"}, got.TargetSuiteIDs)

	_, err = store.Trigger(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTriggerSaveValidates(t *testing.T) {
	root := openRoot(t)
	trigger := sampleTrigger("t1")
	trigger.TargetSuiteIDs = nil
	assert.Error(t, root.Triggers().Save(context.Background(), trigger))
}

func TestTriggerListSorted(t *testing.T) {
	root := openRoot(t)
	store := root.Triggers()
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, store.Save(ctx, sampleTrigger(id)))
	}
	triggers, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 3)
	assert.Equal(t, "alpha", triggers[0].ID)
	assert.Equal(t, "mid", triggers[1].ID)
	assert.Equal(t, "zeta", triggers[2].ID)
}

func TestTriggerExecutionHistory(t *testing.T) {
	root := openRoot(t)
	store := root.Triggers()
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)
	rows := []*models.TriggerExecution{
		{ID: "e1", TriggerID: "t1", Status: models.ExecutionDispatched, StartedAt: base},
		{ID: "e2", TriggerID: "t1", Status: models.ExecutionDuplicate, StartedAt: base.Add(time.Minute)},
		{ID: "e3", TriggerID: "other", Status: models.ExecutionDispatched, StartedAt: base.Add(2 * time.Minute)},
	}
	for _, row := range rows {
		require.NoError(t, store.SaveExecution(ctx, row))
	}

	history, err := store.Executions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "e2", history[0].ID, "newest first")
	assert.Equal(t, "e1", history[1].ID)
}

func TestWatchTriggersReloadsOnChange(t *testing.T) {
	root := openRoot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	require.NoError(t, root.WatchTriggers(ctx, nil, func() { reloads.Add(1) }))

	require.NoError(t, root.Triggers().Save(context.Background(), sampleTrigger("t1")))

	assert.Eventually(t, func() bool {
		return reloads.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond, "reload fires after the debounce window")
}
