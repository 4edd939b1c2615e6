package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/testpilot-ai/testpilot/pkg/executor"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

// Launcher errors.
var (
	ErrQueueFull   = errors.New("orchestrator: run queue is full")
	ErrRunNotFound = errors.New("orchestrator: run not found")
)

// DefaultHighWater caps concurrently pending suite and plan runs before the
// launcher starts rejecting with ErrQueueFull.
const DefaultHighWater = 32

// SuiteGetter loads a suite by id. Satisfied by *storage.SuiteStore.
type SuiteGetter interface {
	Suite(ctx context.Context, id string) (*models.Suite, error)
}

// Launcher starts runs asynchronously and keeps a cancel registry so the API
// can cancel in-flight work. Completed results stay readable until evicted
// by their suite-run or run id.
type Launcher struct {
	runner PlanRunner
	orch   *Orchestrator
	suites SuiteGetter
	log    *slog.Logger

	highWater int

	mu         sync.Mutex
	pending    int
	cancels    map[string]context.CancelFunc
	runs       map[string]*models.Run
	suiteRuns  map[string]*Result
	inProgress map[string]bool
}

// NewLauncher creates a launcher. highWater <= 0 selects the default.
func NewLauncher(runner PlanRunner, orch *Orchestrator, suites SuiteGetter, highWater int, log *slog.Logger) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	return &Launcher{
		runner:     runner,
		orch:       orch,
		suites:     suites,
		log:        log,
		highWater:  highWater,
		cancels:    make(map[string]context.CancelFunc),
		runs:       make(map[string]*models.Run),
		suiteRuns:  make(map[string]*Result),
		inProgress: make(map[string]bool),
	}
}

// admit reserves one pending slot or reports queue_full.
func (l *Launcher) admit(id string, cancel context.CancelFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending >= l.highWater {
		return ErrQueueFull
	}
	l.pending++
	l.cancels[id] = cancel
	l.inProgress[id] = true
	return nil
}

func (l *Launcher) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending--
	delete(l.cancels, id)
	delete(l.inProgress, id)
}

// StartRun launches a plan run in the background and returns its run id.
func (l *Launcher) StartRun(plan *models.Plan, opts executor.Options) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}
	runID := uuid.New().String()
	opts.RunID = runID

	ctx, cancel := context.WithCancel(context.Background())
	if err := l.admit(runID, cancel); err != nil {
		cancel()
		return "", err
	}

	go func() {
		defer l.release(runID)
		run, err := l.runner.Execute(ctx, plan, opts)
		if err != nil {
			l.log.Error("Background run failed", "run_id", runID, "error", err)
		}
		if run != nil {
			l.mu.Lock()
			l.runs[runID] = run
			l.mu.Unlock()
		}
	}()
	return runID, nil
}

// EnqueueSuite launches a suite run in the background and returns its
// suite-run id. Rejects with ErrQueueFull past the high-water mark.
func (l *Launcher) EnqueueSuite(ctx context.Context, suiteID string, opts Options) (string, error) {
	suite, err := l.suites.Suite(ctx, suiteID)
	if err != nil {
		return "", err
	}
	suiteRunID := uuid.New().String()

	runCtx, cancel := context.WithCancel(context.Background())
	if err := l.admit(suiteRunID, cancel); err != nil {
		cancel()
		return "", err
	}

	go func() {
		defer l.release(suiteRunID)
		result, err := l.orch.Run(runCtx, suiteRunID, suite, opts)
		if err != nil {
			l.log.Error("Background suite run failed", "suite_id", suiteID, "error", err)
			return
		}
		l.mu.Lock()
		l.suiteRuns[suiteRunID] = result
		l.mu.Unlock()
	}()
	return suiteRunID, nil
}

// Cancel cancels an in-flight run or suite run.
func (l *Launcher) Cancel(id string) error {
	l.mu.Lock()
	cancel, ok := l.cancels[id]
	l.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	cancel()
	return nil
}

// Run returns a completed run by id. Second return distinguishes "still in
// flight" (false, nil error map) from unknown ids.
func (l *Launcher) Run(id string) (*models.Run, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if run, ok := l.runs[id]; ok {
		return run, true, nil
	}
	if l.inProgress[id] {
		return nil, false, nil
	}
	return nil, false, ErrRunNotFound
}

// SuiteRun returns a completed suite-run result by id.
func (l *Launcher) SuiteRun(id string) (*Result, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if res, ok := l.suiteRuns[id]; ok {
		return res, true, nil
	}
	if l.inProgress[id] {
		return nil, false, nil
	}
	return nil, false, ErrRunNotFound
}

// Pending reports the number of in-flight runs and suite runs.
func (l *Launcher) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Shutdown cancels every in-flight run.
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(l.cancels))
	for _, c := range l.cancels {
		cancels = append(cancels, c)
	}
	l.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}
