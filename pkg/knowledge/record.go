package knowledge

import (
	"fmt"
	"strings"

	"github.com/testpilot-ai/testpilot/pkg/models"
)

// RenderExecutionRecord produces the canonical text representation used for
// embedding. Existing corpora key retrieval on this exact skeleton; do not
// reorder or reformat the lines.
func RenderExecutionRecord(rec *models.ExecutionRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Test: %s\n", rec.PlanName)
	url := rec.URL
	if url == "" {
		url = "N/A"
	}
	fmt.Fprintf(&b, "URL: %s\n", url)
	b.WriteString("Steps:\n")
	for i, desc := range rec.StepDescriptions {
		target := ""
		if i < len(rec.StepTargets) {
			target = rec.StepTargets[i]
		}
		fmt.Fprintf(&b, "  %d. %s - %s\n", i+1, desc, target)
	}
	fmt.Fprintf(&b, "Results: %d passed, %d failed\n", rec.Passed, rec.Failed)
	fmt.Fprintf(&b, "Duration: %dms\n", rec.DurationMs)
	if len(rec.Errors) > 0 {
		b.WriteString("Errors:\n")
		for _, e := range rec.Errors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	fmt.Fprintf(&b, "Browser: %s\n", rec.Browser)
	fmt.Fprintf(&b, "Type: %s", rec.TestType)

	return b.String()
}

// ExecutionMetadata flattens an execution record into the scalar metadata
// shape the store's filter facility operates on.
func ExecutionMetadata(rec *models.ExecutionRecord) map[string]any {
	return map[string]any{
		"type":       TypeExecution,
		"planId":     rec.PlanID,
		"planName":   rec.PlanName,
		"url":        rec.URL,
		"passed":     rec.Passed,
		"failed":     rec.Failed,
		"total":      rec.Total,
		"success":    rec.Failed == 0,
		"durationMs": rec.DurationMs,
		"timestamp":  rec.Timestamp.UnixMilli(),
		"browser":    rec.Browser,
		"testType":   rec.TestType,
	}
}

// CorrectionDocument renders the text embedded for a selector correction.
// Cache lookups build their query from the same prefix.
func CorrectionDocument(originalTarget, description string) string {
	return fmt.Sprintf("selector correction: %s %s", originalTarget, description)
}

// CorrectionMetadata builds the flat metadata shape future cache lookups
// depend on. Changing a key here silently breaks self-healing.
func CorrectionMetadata(c *models.SelectorCorrection, description, url string, timestampMs int64) map[string]any {
	return map[string]any{
		"type":            TypeCorrection,
		"originalTarget":  c.OriginalTarget,
		"correctedTarget": c.CorrectedTarget,
		"description":     description,
		"url":             url,
		"timestamp":       timestampMs,
		"source":          string(c.Source),
	}
}

// FailureQuery renders the retrieval query for historical context on a
// failure.
func FailureQuery(description, errorMessage string) string {
	return fmt.Sprintf("failure: %s %s", description, errorMessage)
}

// AnalysisMetadata builds the flat metadata stored with a failure analysis.
func AnalysisMetadata(testID string, stepOrdinal int, errorKind models.ErrorKind, a *models.FailureAnalysis) map[string]any {
	return map[string]any{
		"type":        TypeFailureAnalysis,
		"testId":      testID,
		"stepOrdinal": stepOrdinal,
		"errorKind":   string(errorKind),
		"understood":  a.Understood,
		"confidence":  a.Confidence,
	}
}

// RecordFromRun projects a finished run into an execution record.
func RecordFromRun(run *models.Run, plan *models.Plan, browser, testType string) *models.ExecutionRecord {
	passed, failed, _ := run.Counts()
	rec := &models.ExecutionRecord{
		PlanID:     plan.ID,
		PlanName:   plan.Name,
		URL:        plan.FirstNavigateURL(),
		Passed:     passed,
		Failed:     failed,
		Total:      len(run.Steps),
		DurationMs: run.DurationMs(),
		Timestamp:  run.EndedAt,
		Browser:    browser,
		TestType:   testType,
	}
	for i := range plan.Steps {
		step := &plan.Steps[i]
		desc := step.Description
		if desc == "" {
			desc = fmt.Sprintf("%s %s", step.Kind, step.Target)
		}
		rec.StepDescriptions = append(rec.StepDescriptions, desc)
		rec.StepTargets = append(rec.StepTargets, step.Target)
	}
	for i := range run.Steps {
		if run.Steps[i].Status == models.StepFailed && run.Steps[i].ErrorMessage != "" {
			rec.Errors = append(rec.Errors, run.Steps[i].ErrorMessage)
		}
	}
	return rec
}
