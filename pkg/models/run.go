package models

import "time"

// RunOutcome is the terminal state of a run.
type RunOutcome string

// Run outcome constants. Error is distinct from Failed: it marks runs that
// aborted for non-test reasons (panic, internal error).
const (
	OutcomePassed RunOutcome = "passed"
	OutcomeFailed RunOutcome = "failed"
	OutcomeError  RunOutcome = "error"
)

// StepStatus is the terminal state of a single step within a run.
type StepStatus string

// Step status constants.
const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// ErrorKind classifies a step failure per the platform error taxonomy.
type ErrorKind string

// Error kind constants.
const (
	ErrKindLocator             ErrorKind = "locator"
	ErrKindLocatorUnresolvable ErrorKind = "locator_unresolvable"
	ErrKindTimeout             ErrorKind = "timeout"
	ErrKindNetwork             ErrorKind = "network"
	ErrKindAssertion           ErrorKind = "assertion"
	ErrKindCancelled           ErrorKind = "cancelled"
	ErrKindInternal            ErrorKind = "internal"
)

// CorrectionSource identifies which resolver stage produced a correction.
type CorrectionSource string

// Correction source constants.
const (
	SourceCache         CorrectionSource = "cache"
	SourceDeterministic CorrectionSource = "deterministic"
	SourceLLM           CorrectionSource = "llm"
)

// SelectorCorrection records a locator replacement produced by the resolver.
// Attempts is one failure plus one success by construction.
type SelectorCorrection struct {
	OriginalTarget  string           `json:"original_target"`
	CorrectedTarget string           `json:"corrected_target"`
	Source          CorrectionSource `json:"source"`
	Confidence      float64          `json:"confidence"`
	Attempts        int              `json:"attempts"`
}

// NetworkCapture is one request/response pair observed during a run.
type NetworkCapture struct {
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Status    int       `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConsoleCapture is one browser console message.
type ConsoleCapture struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PageErrorCapture is one uncaught page exception.
type PageErrorCapture struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StepResult is the observed outcome of one step.
type StepResult struct {
	Ordinal       int                 `json:"ordinal"`
	Status        StepStatus          `json:"status"`
	Attempts      int                 `json:"attempts"`
	DurationMs    int64               `json:"duration_ms"`
	ExpectedText  string              `json:"expected_text,omitempty"`
	ActualText    string              `json:"actual_text,omitempty"`
	Correction    *SelectorCorrection `json:"correction,omitempty"`
	ErrorKind     ErrorKind           `json:"error_kind,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	ScreenshotRef string              `json:"screenshot_ref,omitempty"`
	Network       []NetworkCapture    `json:"network,omitempty"`
	Console       []ConsoleCapture    `json:"console,omitempty"`
	PageErrors    []PageErrorCapture  `json:"page_errors,omitempty"`
}

// AssertionSummary aggregates assert-step outcomes for a run.
type AssertionSummary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// RunArtifacts references the on-disk artifacts a run produced.
type RunArtifacts struct {
	Dir         string   `json:"dir,omitempty"`
	Screenshots []string `json:"screenshots,omitempty"`
	Logs        []string `json:"logs,omitempty"`
}

// Run is one concrete execution of a plan. It is owned by the plan executor
// until EndedAt is set, then read-only.
type Run struct {
	RunID      string           `json:"run_id"`
	PlanID     string           `json:"plan_id"`
	PlanName   string           `json:"plan_name"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at,omitempty"`
	Outcome    RunOutcome       `json:"outcome"`
	Steps      []StepResult     `json:"steps"`
	Artifacts  RunArtifacts     `json:"artifacts"`
	Assertions AssertionSummary `json:"assertions"`
	Analysis   *FailureAnalysis `json:"analysis,omitempty"`

	// Events observed between steps: attached to the run, not to any step.
	Network    []NetworkCapture   `json:"network,omitempty"`
	Console    []ConsoleCapture   `json:"console,omitempty"`
	PageErrors []PageErrorCapture `json:"page_errors,omitempty"`
}

// Counts returns the number of passed, failed and skipped steps.
func (r *Run) Counts() (passed, failed, skipped int) {
	for i := range r.Steps {
		switch r.Steps[i].Status {
		case StepPassed:
			passed++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}
	return passed, failed, skipped
}

// DurationMs returns the wallclock duration of the run in milliseconds.
func (r *Run) DurationMs() int64 {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt).Milliseconds()
}

// FailureAnalysis is the structured diagnosis of a terminally failed step.
type FailureAnalysis struct {
	Understood     bool     `json:"understood"`
	Intent         string   `json:"intent,omitempty"`
	PossibleCauses []string `json:"possible_causes,omitempty"`
	SuggestedFixes []string `json:"suggested_fixes,omitempty"`
	Confidence     float64  `json:"confidence"`
	RawModelLog    []string `json:"raw_model_log,omitempty"`
}

// ExecutionRecord is the compact projection of a run stored in the knowledge
// store for semantic retrieval.
type ExecutionRecord struct {
	PlanID           string    `json:"plan_id"`
	PlanName         string    `json:"plan_name"`
	URL              string    `json:"url,omitempty"`
	StepDescriptions []string  `json:"step_descriptions"`
	StepTargets      []string  `json:"step_targets"`
	Passed           int       `json:"passed"`
	Failed           int       `json:"failed"`
	Total            int       `json:"total"`
	DurationMs       int64     `json:"duration_ms"`
	Timestamp        time.Time `json:"timestamp"`
	Browser          string    `json:"browser"`
	TestType         string    `json:"test_type"`
	Errors           []string  `json:"errors,omitempty"`
}
