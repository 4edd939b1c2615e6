package events

import "github.com/testpilot-ai/testpilot/pkg/models"

// StepStartPayload accompanies step.start.
type StepStartPayload struct {
	Ordinal     int    `json:"ordinal"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Attempt     int    `json:"attempt"`
}

// StepEndPayload accompanies step.pass and step.fail.
type StepEndPayload struct {
	Ordinal      int    `json:"ordinal"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	DurationMs   int64  `json:"duration_ms"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// CorrectionPayload accompanies correction.applied.
type CorrectionPayload struct {
	Ordinal         int     `json:"ordinal"`
	OriginalTarget  string  `json:"original_target"`
	CorrectedTarget string  `json:"corrected_target"`
	Source          string  `json:"source"`
	Confidence      float64 `json:"confidence"`
}

// RunEndPayload accompanies run.end.
type RunEndPayload struct {
	Outcome    models.RunOutcome `json:"outcome"`
	Passed     int               `json:"passed"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	DurationMs int64             `json:"duration_ms"`
}

// TestTransitionPayload accompanies test.queued, test.start and test.end.
type TestTransitionPayload struct {
	PlanID   string `json:"plan_id"`
	PlanName string `json:"plan_name"`
	Status   string `json:"status,omitempty"`
}

// SuiteEndPayload accompanies suite.end.
type SuiteEndPayload struct {
	Passed     int   `json:"passed"`
	Failed     int   `json:"failed"`
	Errored    int   `json:"errored"`
	Total      int   `json:"total"`
	DurationMs int64 `json:"duration_ms"`
}

// TriggerPayload accompanies trigger.dispatched and trigger.rejected.
type TriggerPayload struct {
	TriggerID string   `json:"trigger_id"`
	DedupeKey string   `json:"dedupe_key,omitempty"`
	SuiteIDs  []string `json:"suite_ids,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}
