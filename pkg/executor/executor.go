// Package executor runs a plan against a browser session: strict ordinal
// order, per-step retry with exponential backoff, selector auto-heal on
// locator failures, screenshot capture on failure, failure analysis on
// terminal failure, and best-effort persistence of the execution record.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/testpilot-ai/testpilot/pkg/analyzer"
	"github.com/testpilot-ai/testpilot/pkg/driver"
	"github.com/testpilot-ai/testpilot/pkg/events"
	"github.com/testpilot-ai/testpilot/pkg/knowledge"
	"github.com/testpilot-ai/testpilot/pkg/models"
	"github.com/testpilot-ai/testpilot/pkg/resolver"
	"github.com/testpilot-ai/testpilot/pkg/status"
)

// Retry and timeout policy constants.
const (
	DefaultMaxStepRetries = 2
	DefaultRunTimeout     = 5 * time.Minute
	backoffBase           = 500 * time.Millisecond
	backoffCap            = 5 * time.Second
	teardownTimeout       = 10 * time.Second
	maxStepCorrections    = 3
)

// Options configure one plan execution.
type Options struct {
	Headless           bool
	ContinueOnFailure  bool
	AutoHeal           bool
	DefaultStepTimeout time.Duration
	MaxStepRetries     int
	RunTimeout         time.Duration

	// SuiteID attributes live events and step progress to an orchestrated
	// suite. Empty for standalone runs.
	SuiteID string

	// RunID presets the run identifier so callers can hand it out before the
	// run completes. Empty means the executor generates one.
	RunID string

	// Browser and TestType label the stored execution record.
	Browser  string
	TestType string
}

// DefaultOptions returns the standing defaults: headless, auto-heal on,
// two flake retries.
func DefaultOptions() Options {
	return Options{
		Headless:       true,
		AutoHeal:       true,
		MaxStepRetries: DefaultMaxStepRetries,
		RunTimeout:     DefaultRunTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxStepRetries < 0 {
		o.MaxStepRetries = 0
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = DefaultRunTimeout
	}
	if o.Browser == "" {
		o.Browser = "chromium"
	}
	if o.TestType == "" {
		o.TestType = "e2e"
	}
	return o
}

// ArtifactSink persists run artifacts. Implementations live in pkg/storage;
// a nil sink disables artifact capture (tests, dry runs).
type ArtifactSink interface {
	SaveScreenshot(runID string, ordinal int, takenAt time.Time, png []byte) (string, error)
	SaveReport(run *models.Run) error
}

// Executor drives plans. Safe for concurrent use; each Execute call owns an
// isolated browser session.
type Executor struct {
	factory   driver.Factory
	resolver  *resolver.Resolver
	analyzer  *analyzer.Analyzer
	store     knowledge.Store
	embedder  knowledge.Embedder
	artifacts ArtifactSink
	publisher *events.Publisher
	tracker   *status.Tracker
	log       *slog.Logger
}

// New creates an executor. Only the driver factory is required; every other
// dependency may be nil and narrows behaviour (no auto-heal, no analysis, no
// persistence) rather than erroring.
func New(factory driver.Factory, opts ...Option) *Executor {
	e := &Executor{factory: factory, log: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.publisher == nil {
		e.publisher = events.NewPublisher(nil, e.log)
	}
	return e
}

// Option wires an optional executor dependency.
type Option func(*Executor)

// WithResolver enables selector auto-heal.
func WithResolver(r *resolver.Resolver) Option { return func(e *Executor) { e.resolver = r } }

// WithAnalyzer enables failure analysis on terminal step failure.
func WithAnalyzer(a *analyzer.Analyzer) Option { return func(e *Executor) { e.analyzer = a } }

// WithKnowledge enables execution-record persistence.
func WithKnowledge(s knowledge.Store, emb knowledge.Embedder) Option {
	return func(e *Executor) { e.store, e.embedder = s, emb }
}

// WithArtifacts enables screenshot and report persistence.
func WithArtifacts(sink ArtifactSink) Option { return func(e *Executor) { e.artifacts = sink } }

// WithPublisher routes live events through the given publisher.
func WithPublisher(p *events.Publisher) Option { return func(e *Executor) { e.publisher = p } }

// WithTracker pushes step progress to the live-status tracker.
func WithTracker(t *status.Tracker) Option { return func(e *Executor) { e.tracker = t } }

// WithLogger sets the executor logger.
func WithLogger(log *slog.Logger) Option { return func(e *Executor) { e.log = log } }

// Execute runs the plan and returns the completed run. The returned error is
// non-nil only for pre-flight failures (invalid plan, session creation); step
// failures are reported through the run outcome, never as an error.
func (e *Executor) Execute(ctx context.Context, plan *models.Plan, opts Options) (*models.Run, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	run := &models.Run{
		RunID:     runID,
		PlanID:    plan.ID,
		PlanName:  plan.Name,
		StartedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, opts.RunTimeout)
	defer cancel()

	e.publisher.RunStart(opts.SuiteID, run.RunID, plan.ID, plan.Name)

	session, err := e.factory.NewSession(ctx, driver.SessionOptions{
		Headless:         opts.Headless,
		OperationTimeout: opts.DefaultStepTimeout,
	})
	if err != nil {
		run.Outcome = models.OutcomeError
		run.EndedAt = time.Now()
		e.finish(run, plan, opts)
		return run, fmt.Errorf("create browser session: %w", err)
	}

	// Teardown runs on every exit path, including a panic unwinding out of a
	// step, detached from the run deadline so a cancelled run still releases
	// its browser context.
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer closeCancel()
		if err := session.Close(closeCtx); err != nil {
			e.log.Warn("Browser session close failed", "run_id", run.RunID, "error", err)
		}
	}()

	e.executeSteps(ctx, session, plan, run, opts)

	run.EndedAt = time.Now()
	if run.Outcome == "" {
		_, failed, _ := run.Counts()
		if failed > 0 {
			run.Outcome = models.OutcomeFailed
		} else {
			run.Outcome = models.OutcomePassed
		}
	}

	e.finish(run, plan, opts)
	return run, nil
}

// executeSteps walks the plan in ordinal order, filling run.Steps.
func (e *Executor) executeSteps(ctx context.Context, session driver.Driver, plan *models.Plan, run *models.Run, opts Options) {
	windows := make([][2]time.Time, 0, len(plan.Steps))
	skipRemaining := false

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if skipRemaining {
			run.Steps = append(run.Steps, models.StepResult{
				Ordinal: step.Ordinal,
				Status:  models.StepSkipped,
			})
			continue
		}

		result := e.runStep(ctx, session, step, run, opts)
		windows = append(windows, [2]time.Time{result.startedAt, result.endedAt})
		run.Steps = append(run.Steps, result.StepResult)

		if step.Kind == models.StepAssert {
			run.Assertions.Total++
			switch result.Status {
			case models.StepPassed:
				run.Assertions.Passed++
			case models.StepFailed:
				run.Assertions.Failed++
			}
		}

		if result.Status == models.StepFailed {
			if result.ErrorKind == models.ErrKindCancelled {
				skipRemaining = true
				continue
			}
			if !opts.ContinueOnFailure {
				skipRemaining = true
			}
		}
	}

	// Events observed between steps belong to the run, not to any step.
	run.Network, run.Console, run.PageErrors = session.Events().Outside(windows)
}

type stepOutcome struct {
	models.StepResult
	startedAt time.Time
	endedAt   time.Time
}

// runStep executes one step with flake retries and auto-heal. A successful
// correction replaces the locator and retries without consuming a retry
// attempt; at most one correction fires per distinct failing locator, and at
// most maxStepCorrections fire per step in total, so a model proposing
// ever-new locators cannot chain corrections indefinitely. The run deadline
// remains the outer backstop.
func (e *Executor) runStep(ctx context.Context, session driver.Driver, step *models.Step, run *models.Run, opts Options) stepOutcome {
	out := stepOutcome{
		StepResult: models.StepResult{Ordinal: step.Ordinal},
		startedAt:  time.Now(),
	}
	target := step.Target

	e.publisher.StepStart(opts.SuiteID, run.RunID, run.PlanID, events.StepStartPayload{
		Ordinal:     step.Ordinal,
		Kind:        string(step.Kind),
		Description: step.Description,
		Attempt:     1,
	})
	if e.tracker != nil && opts.SuiteID != "" {
		e.tracker.StepProgress(opts.SuiteID, run.PlanID, step.Ordinal)
	}

	healed := make(map[string]bool)
	corrections := 0
	var lastErr error
	var lastKind models.ErrorKind

	for attempt := 0; attempt <= opts.MaxStepRetries; {
		out.Attempts++
		actual, err := e.dispatch(ctx, session, step, target, opts)
		if err == nil {
			out.Status = models.StepPassed
			out.ExpectedText = expectedText(step, target)
			out.ActualText = actual
			break
		}
		lastErr = err
		kind := driver.KindOf(err)
		lastKind = models.ErrorKind(kind)

		switch {
		case kind == driver.KindCancelled:
			lastKind = models.ErrKindCancelled
			attempt = opts.MaxStepRetries + 1 // no retry after cancellation

		case kind == driver.KindLocator && opts.AutoHeal && e.resolver != nil &&
			!healed[target] && corrections < maxStepCorrections:
			healed[target] = true
			failing := *step
			failing.Target = target
			correction, rerr := e.resolver.Resolve(ctx, &failing, session)
			if rerr == nil {
				corrections++
				out.Correction = correction
				target = correction.CorrectedTarget
				e.publisher.CorrectionApplied(opts.SuiteID, run.RunID, run.PlanID, events.CorrectionPayload{
					Ordinal:         step.Ordinal,
					OriginalTarget:  correction.OriginalTarget,
					CorrectedTarget: correction.CorrectedTarget,
					Source:          string(correction.Source),
					Confidence:      correction.Confidence,
				})
				continue // correction attempt is orthogonal to flake retry
			}
			lastKind = models.ErrKindLocatorUnresolvable
			attempt = opts.MaxStepRetries + 1

		case kind == driver.KindLocator:
			if opts.AutoHeal && e.resolver != nil {
				// The healed locator failed again; the selector is beyond repair.
				lastKind = models.ErrKindLocatorUnresolvable
			}
			attempt = opts.MaxStepRetries + 1

		case kind == driver.KindAssertion:
			attempt = opts.MaxStepRetries + 1

		default: // timeout, network, internal: flake retry with backoff
			if attempt >= opts.MaxStepRetries {
				attempt++
				break
			}
			if !sleepBackoff(ctx, attempt) {
				lastKind = models.ErrKindCancelled
				attempt = opts.MaxStepRetries + 1
				break
			}
			attempt++
		}
	}

	out.endedAt = time.Now()
	out.DurationMs = out.endedAt.Sub(out.startedAt).Milliseconds()
	out.Network, out.Console, out.PageErrors = session.Events().Window(out.startedAt, out.endedAt)

	if out.Status == models.StepPassed {
		e.publisher.StepPass(opts.SuiteID, run.RunID, run.PlanID, events.StepEndPayload{
			Ordinal:    step.Ordinal,
			Status:     string(out.Status),
			Attempts:   out.Attempts,
			DurationMs: out.DurationMs,
		})
		return out
	}

	out.Status = models.StepFailed
	out.ErrorKind = lastKind
	if lastErr != nil {
		out.ErrorMessage = lastErr.Error()
	}
	out.ExpectedText = expectedText(step, target)

	e.captureFailure(ctx, session, step, run, &out, opts)

	e.publisher.StepFail(opts.SuiteID, run.RunID, run.PlanID, events.StepEndPayload{
		Ordinal:      step.Ordinal,
		Status:       string(out.Status),
		Attempts:     out.Attempts,
		DurationMs:   out.DurationMs,
		ErrorKind:    string(out.ErrorKind),
		ErrorMessage: out.ErrorMessage,
	})
	return out
}

// captureFailure takes the failure screenshot and, for the run's first
// terminal failure, invokes the analyser.
func (e *Executor) captureFailure(ctx context.Context, session driver.Driver, step *models.Step, run *models.Run, out *stepOutcome, opts Options) {
	if out.ErrorKind != models.ErrKindCancelled {
		if png, err := session.Screenshot(ctx); err != nil {
			e.log.Warn("Failure screenshot failed", "run_id", run.RunID, "ordinal", step.Ordinal, "error", err)
		} else if e.artifacts != nil {
			ref, err := e.artifacts.SaveScreenshot(run.RunID, step.Ordinal, out.endedAt, png)
			if err != nil {
				e.log.Warn("Failure screenshot save failed", "run_id", run.RunID, "error", err)
			} else {
				out.ScreenshotRef = ref
				run.Artifacts.Screenshots = append(run.Artifacts.Screenshots, ref)
			}
		}
	}

	if e.analyzer != nil && run.Analysis == nil && out.ErrorKind != models.ErrKindCancelled {
		currentURL, _ := session.CurrentURL(ctx)
		title, _ := session.Title(ctx)
		run.Analysis = e.analyzer.Analyse(ctx, analyzer.FailureContext{
			RunID:        run.RunID,
			Step:         step,
			ErrorKind:    out.ErrorKind,
			ErrorMessage: out.ErrorMessage,
			CurrentURL:   currentURL,
			PageTitle:    title,
		})
	}
}

// dispatch invokes the driver operation for one step attempt. For assert
// steps a false evaluation is converted to an assertion-kind driver error so
// the retry loop treats it uniformly.
func (e *Executor) dispatch(ctx context.Context, session driver.Driver, step *models.Step, target string, opts Options) (string, error) {
	timeout := driver.DefaultOperationTimeout
	if opts.DefaultStepTimeout > 0 {
		timeout = opts.DefaultStepTimeout
	}
	if step.TimeoutMs > 0 {
		timeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch step.Kind {
	case models.StepNavigate:
		return "navigated", session.Navigate(ctx, target, driver.WaitLoad)
	case models.StepClick:
		return "clicked", session.Click(ctx, target)
	case models.StepHover:
		return "hovered", session.Hover(ctx, target)
	case models.StepType:
		return "typed", session.Type(ctx, target, step.Data, true)
	case models.StepSelect:
		return "selected", session.Select(ctx, target, step.Data)
	case models.StepPress:
		return "pressed", session.Press(ctx, step.Key())
	case models.StepWait:
		return "ready", session.Wait(ctx, target, driver.StateVisible, timeout)
	case models.StepAssert:
		result, err := session.Assert(ctx, target, *step.Expected)
		if err != nil {
			return "", err
		}
		if !result.Passed {
			return result.Actual, driver.NewError(driver.KindAssertion, "assert", target,
				fmt.Errorf("expected %s, got %q", step.Expected.Describe(target), result.Actual))
		}
		return result.Actual, nil
	}
	return "", driver.NewError(driver.KindInternal, string(step.Kind), target,
		fmt.Errorf("unknown step kind %q", step.Kind))
}

// expectedText renders the intended outcome of a step for the result record.
func expectedText(step *models.Step, target string) string {
	if step.Kind == models.StepAssert && step.Expected != nil {
		return step.Expected.Describe(target)
	}
	if step.Description != "" {
		return step.Description
	}
	return fmt.Sprintf("%s %s", step.Kind, target)
}

// sleepBackoff waits min(500ms * 2^attempt, 5s), honouring cancellation.
func sleepBackoff(ctx context.Context, attempt int) bool {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// finish emits runEnd, persists the report and the execution record. All of
// it is best-effort: a storage failure never alters the run outcome.
func (e *Executor) finish(run *models.Run, plan *models.Plan, opts Options) {
	passed, failed, skipped := run.Counts()
	e.publisher.RunEnd(opts.SuiteID, run.RunID, run.PlanID, events.RunEndPayload{
		Outcome:    run.Outcome,
		Passed:     passed,
		Failed:     failed,
		Skipped:    skipped,
		DurationMs: run.DurationMs(),
	})

	if e.artifacts != nil {
		if err := e.artifacts.SaveReport(run); err != nil {
			e.log.Warn("Run report save failed", "run_id", run.RunID, "error", err)
		}
	}
	if e.store == nil || e.embedder == nil {
		return
	}

	// Persistence gets its own deadline: the run context may already be done.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rec := knowledge.RecordFromRun(run, plan, opts.Browser, opts.TestType)
	doc := knowledge.RenderExecutionRecord(rec)
	vec, err := e.embedder.Embed(ctx, doc)
	if err != nil {
		e.log.Warn("Execution record embed failed", "run_id", run.RunID, "error", err)
		return
	}
	meta := knowledge.ExecutionMetadata(rec)
	meta["runId"] = run.RunID
	if err := e.store.Store(ctx, run.RunID, doc, vec, meta); err != nil {
		e.log.Warn("Execution record store failed", "run_id", run.RunID, "error", err)
	}
}
