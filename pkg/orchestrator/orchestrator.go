// Package orchestrator expands a suite tree into a flat plan list and runs
// it sequentially or with bounded concurrency, reporting progress to the
// live-status tracker and the event bus.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/testpilot-ai/testpilot/pkg/events"
	"github.com/testpilot-ai/testpilot/pkg/executor"
	"github.com/testpilot-ai/testpilot/pkg/models"
	"github.com/testpilot-ai/testpilot/pkg/status"
)

// Mode selects the scheduling strategy for a suite run.
type Mode string

// Scheduling modes.
const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// DefaultMaxConcurrent bounds parallel plan execution.
const DefaultMaxConcurrent = 3

// Options configure one suite run.
type Options struct {
	Mode                   Mode
	MaxConcurrent          int
	ContinueSuiteOnFailure bool
	PlanOptions            executor.Options
}

// DefaultOptions returns sequential execution with continue-on-failure.
func DefaultOptions() Options {
	return Options{
		Mode:                   ModeSequential,
		MaxConcurrent:          DefaultMaxConcurrent,
		ContinueSuiteOnFailure: true,
		PlanOptions:            executor.DefaultOptions(),
	}
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeSequential
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	return o
}

// PlanRunner executes one plan. Satisfied by *executor.Executor.
type PlanRunner interface {
	Execute(ctx context.Context, plan *models.Plan, opts executor.Options) (*models.Run, error)
}

// SuiteSource resolves suite nesting. Satisfied by *storage.SuiteStore; a nil
// source treats every suite as a leaf.
type SuiteSource interface {
	ChildSuites(ctx context.Context, parentID string) ([]*models.Suite, error)
}

// TestResult is the outcome of one plan within a suite run.
type TestResult struct {
	PlanID   string      `json:"plan_id"`
	PlanName string      `json:"plan_name"`
	Run      *models.Run `json:"run,omitempty"`
	Err      string      `json:"error,omitempty"`
}

// Passed reports whether the plan's run passed.
func (r *TestResult) Passed() bool {
	return r.Run != nil && r.Run.Outcome == models.OutcomePassed
}

// Result is the outcome of one suite run.
type Result struct {
	SuiteRunID string       `json:"suite_run_id"`
	SuiteID    string       `json:"suite_id"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
	Results    []TestResult `json:"results"`
	Passed     int          `json:"passed"`
	Failed     int          `json:"failed"`
	Errored    int          `json:"errored"`
	Total      int          `json:"total"`
}

// Orchestrator runs suites.
type Orchestrator struct {
	runner    PlanRunner
	source    SuiteSource
	tracker   *status.Tracker
	publisher *events.Publisher
	log       *slog.Logger
}

// New creates an orchestrator. source, tracker and publisher may be nil.
func New(runner PlanRunner, source SuiteSource, tracker *status.Tracker, publisher *events.Publisher, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if publisher == nil {
		publisher = events.NewPublisher(nil, log)
	}
	return &Orchestrator{runner: runner, source: source, tracker: tracker, publisher: publisher, log: log}
}

// Expand flattens the suite tree depth-first: the suite's own enabled tests
// first, then each child suite in stored order.
func (o *Orchestrator) Expand(ctx context.Context, suite *models.Suite) ([]models.Plan, error) {
	return o.expand(ctx, suite, map[string]bool{})
}

func (o *Orchestrator) expand(ctx context.Context, suite *models.Suite, seen map[string]bool) ([]models.Plan, error) {
	if seen[suite.ID] {
		return nil, fmt.Errorf("suite tree contains a cycle at %s", suite.ID)
	}
	seen[suite.ID] = true

	plans := suite.EnabledPlans()
	if o.source == nil {
		return plans, nil
	}
	children, err := o.source.ChildSuites(ctx, suite.ID)
	if err != nil {
		return nil, fmt.Errorf("expand suite %s: %w", suite.ID, err)
	}
	for _, child := range children {
		sub, err := o.expand(ctx, child, seen)
		if err != nil {
			return nil, err
		}
		plans = append(plans, sub...)
	}
	return plans, nil
}

// Run executes the suite. The returned error covers expansion problems only;
// plan failures are reported in the result.
func (o *Orchestrator) Run(ctx context.Context, suiteRunID string, suite *models.Suite, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	plans, err := o.Expand(ctx, suite)
	if err != nil {
		return nil, err
	}

	result := &Result{
		SuiteRunID: suiteRunID,
		SuiteID:    suite.ID,
		StartedAt:  time.Now(),
		Total:      len(plans),
		Results:    make([]TestResult, len(plans)),
	}

	refs := make([]status.TestRef, len(plans))
	for i := range plans {
		refs[i] = status.TestRef{PlanID: plans[i].ID, PlanName: plans[i].Name, Steps: len(plans[i].Steps)}
	}
	if o.tracker != nil {
		o.tracker.SuiteStart(suite.ID, refs)
	}
	o.publisher.SuiteStart(suite.ID, len(plans))
	for i := range plans {
		o.publisher.TestQueued(suite.ID, events.TestTransitionPayload{PlanID: plans[i].ID, PlanName: plans[i].Name})
	}

	switch opts.Mode {
	case ModeParallel:
		o.runParallel(ctx, suite.ID, plans, opts, result)
	default:
		o.runSequential(ctx, suite.ID, plans, opts, result)
	}

	result.EndedAt = time.Now()
	for i := range result.Results {
		r := &result.Results[i]
		switch {
		case r.Passed():
			result.Passed++
		case r.Run != nil && r.Run.Outcome == models.OutcomeFailed:
			result.Failed++
		case r.Run != nil || r.Err != "":
			result.Errored++
		}
	}

	if o.tracker != nil {
		o.tracker.SuiteEnd(suite.ID)
	}
	o.publisher.SuiteEnd(suite.ID, events.SuiteEndPayload{
		Passed:     result.Passed,
		Failed:     result.Failed,
		Errored:    result.Errored,
		Total:      result.Total,
		DurationMs: result.EndedAt.Sub(result.StartedAt).Milliseconds(),
	})
	return result, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, suiteID string, plans []models.Plan, opts Options, result *Result) {
	for i := range plans {
		if ctx.Err() != nil {
			return
		}
		res := o.runOne(ctx, suiteID, &plans[i], opts)
		result.Results[i] = res
		if !res.Passed() && !opts.ContinueSuiteOnFailure {
			return
		}
	}
}

func (o *Orchestrator) runParallel(ctx context.Context, suiteID string, plans []models.Plan, opts Options, result *Result) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(opts.MaxConcurrent)

	for i := range plans {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := o.runOne(ctx, suiteID, &plans[i], opts)
			mu.Lock()
			result.Results[i] = res
			mu.Unlock()
			if !res.Passed() && !opts.ContinueSuiteOnFailure {
				cancel()
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors
}

// runOne executes one plan with panic isolation: a panicking plan is recorded
// as outcome error and the suite continues.
func (o *Orchestrator) runOne(ctx context.Context, suiteID string, plan *models.Plan, opts Options) (res TestResult) {
	res = TestResult{PlanID: plan.ID, PlanName: plan.Name}

	if o.tracker != nil {
		o.tracker.TestStart(suiteID, plan.ID)
	}
	o.publisher.TestStart(suiteID, events.TestTransitionPayload{PlanID: plan.ID, PlanName: plan.Name})
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Plan execution panicked", "suite_id", suiteID, "plan_id", plan.ID, "panic", r)
			res.Err = fmt.Sprintf("panic: %v", r)
			res.Run = &models.Run{
				PlanID:    plan.ID,
				PlanName:  plan.Name,
				StartedAt: started,
				EndedAt:   time.Now(),
				Outcome:   models.OutcomeError,
			}
		}
		durationMs := time.Since(started).Milliseconds()
		if o.tracker != nil {
			o.tracker.TestEnd(suiteID, plan.ID, res.Passed(), durationMs)
		}
		statusText := "failed"
		if res.Passed() {
			statusText = "passed"
		}
		o.publisher.TestEnd(suiteID, events.TestTransitionPayload{PlanID: plan.ID, PlanName: plan.Name, Status: statusText})
	}()

	planOpts := opts.PlanOptions
	planOpts.SuiteID = suiteID
	run, err := o.runner.Execute(ctx, plan, planOpts)
	res.Run = run
	if err != nil {
		res.Err = err.Error()
		if run == nil {
			res.Run = &models.Run{
				PlanID:    plan.ID,
				PlanName:  plan.Name,
				StartedAt: started,
				EndedAt:   time.Now(),
				Outcome:   models.OutcomeError,
			}
		}
	}
	return res
}
