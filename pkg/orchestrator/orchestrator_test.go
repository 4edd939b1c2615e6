package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testpilot-ai/testpilot/pkg/executor"
	"github.com/testpilot-ai/testpilot/pkg/models"
	"github.com/testpilot-ai/testpilot/pkg/status"
)

// stubRunner executes plans without a browser: outcomes are scripted per plan
// id and concurrency is observed for scheduling assertions.
type stubRunner struct {
	mu         sync.Mutex
	delay      time.Duration
	failPlans  map[string]bool
	panicPlans map[string]bool
	order      []string
	active     int
	maxActive  int
}

func newStubRunner() *stubRunner {
	return &stubRunner{failPlans: make(map[string]bool), panicPlans: make(map[string]bool)}
}

func (r *stubRunner) Execute(ctx context.Context, plan *models.Plan, opts executor.Options) (*models.Run, error) {
	r.mu.Lock()
	r.order = append(r.order, plan.ID)
	r.active++
	if r.active > r.maxActive {
		r.maxActive = r.active
	}
	shouldPanic := r.panicPlans[plan.ID]
	shouldFail := r.failPlans[plan.ID]
	delay := r.delay
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	if shouldPanic {
		panic("boom in " + plan.ID)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	outcome := models.OutcomePassed
	if shouldFail || ctx.Err() != nil {
		outcome = models.OutcomeFailed
	}
	runID := opts.RunID
	if runID == "" {
		runID = "run-" + plan.ID
	}
	return &models.Run{
		RunID:     runID,
		PlanID:    plan.ID,
		PlanName:  plan.Name,
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
		Outcome:   outcome,
	}, nil
}

func makePlan(id string) models.Plan {
	return models.Plan{
		ID:   id,
		Name: "Plan " + id,
		Steps: []models.Step{
			{Ordinal: 1, Kind: models.StepNavigate, Target: "https://example.com"},
		},
	}
}

func makeSuite(id string, planIDs ...string) *models.Suite {
	s := &models.Suite{ID: id, Name: "Suite " + id}
	for _, pid := range planIDs {
		s.Tests = append(s.Tests, models.SuiteTest{Plan: makePlan(pid), Enabled: true})
	}
	return s
}

// stubSource serves a fixed suite forest.
type stubSource struct {
	children map[string][]*models.Suite
	suites   map[string]*models.Suite
}

func (s *stubSource) ChildSuites(_ context.Context, parentID string) ([]*models.Suite, error) {
	return s.children[parentID], nil
}

func (s *stubSource) Suite(_ context.Context, id string) (*models.Suite, error) {
	suite, ok := s.suites[id]
	if !ok {
		return nil, fmt.Errorf("suite %s not found", id)
	}
	return suite, nil
}

func TestExpandDepthFirst(t *testing.T) {
	root := makeSuite("root", "a", "b")
	child1 := makeSuite("child1", "c")
	child2 := makeSuite("child2", "d", "e")
	grand := makeSuite("grand", "f")
	source := &stubSource{children: map[string][]*models.Suite{
		"root":   {child1, child2},
		"child1": {grand},
	}}

	o := New(newStubRunner(), source, nil, nil, nil)
	plans, err := o.Expand(context.Background(), root)
	require.NoError(t, err)

	var ids []string
	for _, p := range plans {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "f", "d", "e"}, ids,
		"own tests first, then children depth-first in stored order")
}

func TestExpandSkipsDisabledTests(t *testing.T) {
	suite := makeSuite("s", "a", "b")
	suite.Tests[1].Enabled = false

	o := New(newStubRunner(), nil, nil, nil, nil)
	plans, err := o.Expand(context.Background(), suite)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "a", plans[0].ID)
}

func TestExpandDetectsCycle(t *testing.T) {
	a := makeSuite("a", "p1")
	b := makeSuite("b", "p2")
	source := &stubSource{children: map[string][]*models.Suite{
		"a": {b},
		"b": {a},
	}}
	o := New(newStubRunner(), source, nil, nil, nil)
	_, err := o.Expand(context.Background(), a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestRunSequential(t *testing.T) {
	runner := newStubRunner()
	runner.failPlans["b"] = true
	tracker := status.NewTracker()
	o := New(runner, nil, tracker, nil, nil)

	suite := makeSuite("s1", "a", "b", "c")
	result, err := o.Run(context.Background(), "sr-1", suite, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, runner.order)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Passed)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Errored)
	assert.Equal(t, "sr-1", result.SuiteRunID)

	snap := tracker.Snapshot("s1")
	assert.Equal(t, status.SuiteCompleted, snap.Status)
	assert.Equal(t, status.Counts{Passed: 2, Failed: 1}, snap.Counts)
	assert.Equal(t, 100, snap.Progress.Percentage)
}

func TestRunSequentialStopsOnFailure(t *testing.T) {
	runner := newStubRunner()
	runner.failPlans["a"] = true
	o := New(runner, nil, nil, nil, nil)

	opts := DefaultOptions()
	opts.ContinueSuiteOnFailure = false
	result, err := o.Run(context.Background(), "sr-1", makeSuite("s1", "a", "b", "c"), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, runner.order, "later plans never start")
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Passed)
	assert.Nil(t, result.Results[1].Run, "unstarted slots stay empty")
}

func TestRunParallelBoundsConcurrency(t *testing.T) {
	runner := newStubRunner()
	runner.delay = 50 * time.Millisecond
	o := New(runner, nil, nil, nil, nil)

	opts := DefaultOptions()
	opts.Mode = ModeParallel
	opts.MaxConcurrent = 2

	suite := makeSuite("s1", "a", "b", "c", "d", "e", "f")
	result, err := o.Run(context.Background(), "sr-1", suite, opts)
	require.NoError(t, err)

	assert.Equal(t, 6, result.Passed)
	assert.LessOrEqual(t, runner.maxActive, 2, "no more than MaxConcurrent plans in flight")
	assert.GreaterOrEqual(t, runner.maxActive, 2, "the bound is actually used")
}

func TestRunParallelResultsKeepPlanOrder(t *testing.T) {
	runner := newStubRunner()
	runner.delay = 10 * time.Millisecond
	runner.failPlans["b"] = true
	o := New(runner, nil, nil, nil, nil)

	opts := DefaultOptions()
	opts.Mode = ModeParallel
	result, err := o.Run(context.Background(), "sr-1", makeSuite("s1", "a", "b", "c"), opts)
	require.NoError(t, err)

	require.Len(t, result.Results, 3)
	assert.Equal(t, "a", result.Results[0].PlanID)
	assert.Equal(t, "b", result.Results[1].PlanID)
	assert.Equal(t, "c", result.Results[2].PlanID)
	assert.False(t, result.Results[1].Passed())
}

func TestRunPanicIsolation(t *testing.T) {
	runner := newStubRunner()
	runner.panicPlans["b"] = true
	o := New(runner, nil, nil, nil, nil)

	result, err := o.Run(context.Background(), "sr-1", makeSuite("s1", "a", "b", "c"), DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Passed)
	assert.Equal(t, 1, result.Errored)
	require.NotNil(t, result.Results[1].Run)
	assert.Equal(t, models.OutcomeError, result.Results[1].Run.Outcome)
	assert.Contains(t, result.Results[1].Err, "panic")
	assert.Equal(t, "c", runner.order[2], "suite continues past the panic")
}

func TestLauncherRunLifecycle(t *testing.T) {
	runner := newStubRunner()
	l := NewLauncher(runner, New(runner, nil, nil, nil, nil), nil, 0, nil)
	defer l.Shutdown()

	plan := makePlan("p1")
	runID, err := l.StartRun(&plan, executor.DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		run, done, err := l.Run(runID)
		return err == nil && done && run != nil
	}, time.Second, 5*time.Millisecond)

	run, done, err := l.Run(runID)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, runID, run.RunID, "executor reuses the launcher-issued id")
	assert.Eventually(t, func() bool { return l.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLauncherUnknownRun(t *testing.T) {
	runner := newStubRunner()
	l := NewLauncher(runner, New(runner, nil, nil, nil, nil), nil, 0, nil)
	_, _, err := l.Run("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, l.Cancel("nope"), ErrRunNotFound)
}

func TestLauncherQueueFull(t *testing.T) {
	runner := newStubRunner()
	runner.delay = 200 * time.Millisecond
	l := NewLauncher(runner, New(runner, nil, nil, nil, nil), nil, 1, nil)
	defer l.Shutdown()

	first := makePlan("p1")
	_, err := l.StartRun(&first, executor.DefaultOptions())
	require.NoError(t, err)

	second := makePlan("p2")
	_, err = l.StartRun(&second, executor.DefaultOptions())
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestLauncherCancelRun(t *testing.T) {
	runner := newStubRunner()
	runner.delay = 5 * time.Second
	l := NewLauncher(runner, New(runner, nil, nil, nil, nil), nil, 0, nil)
	defer l.Shutdown()

	plan := makePlan("p1")
	runID, err := l.StartRun(&plan, executor.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, l.Cancel(runID))

	require.Eventually(t, func() bool {
		run, done, err := l.Run(runID)
		return err == nil && done && run.Outcome == models.OutcomeFailed
	}, time.Second, 5*time.Millisecond, "cancelled run completes promptly")
}

func TestLauncherEnqueueSuite(t *testing.T) {
	runner := newStubRunner()
	suite := makeSuite("s1", "a", "b")
	source := &stubSource{suites: map[string]*models.Suite{"s1": suite}}
	orch := New(runner, nil, nil, nil, nil)
	l := NewLauncher(runner, orch, source, 0, nil)
	defer l.Shutdown()

	suiteRunID, err := l.EnqueueSuite(context.Background(), "s1", DefaultOptions())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, done, err := l.SuiteRun(suiteRunID)
		return err == nil && done && res != nil && res.Passed == 2
	}, time.Second, 5*time.Millisecond)
}

func TestLauncherEnqueueSuiteUnknownSuite(t *testing.T) {
	runner := newStubRunner()
	source := &stubSource{suites: map[string]*models.Suite{}}
	l := NewLauncher(runner, New(runner, nil, nil, nil, nil), source, 0, nil)
	_, err := l.EnqueueSuite(context.Background(), "ghost", DefaultOptions())
	assert.Error(t, err)
}
