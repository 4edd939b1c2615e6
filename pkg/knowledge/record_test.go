package knowledge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testpilot-ai/testpilot/pkg/models"
)

func TestRenderExecutionRecord(t *testing.T) {
	rec := &models.ExecutionRecord{
		PlanName:         "Login smoke",
		URL:              "https://app.example.com/login",
		StepDescriptions: []string{"Open the login page", "Click the login button"},
		StepTargets:      []string{"https://app.example.com/login", "text=Sign in"},
		Passed:           1,
		Failed:           1,
		DurationMs:       2300,
		Errors:           []string{"driver click on \"text=Sign in\": locator: no visible element matched"},
		Browser:          "chromium",
		TestType:         "e2e",
	}

	want := "Test: Login smoke\n" +
		"URL: https://app.example.com/login\n" +
		"Steps:\n" +
		"  1. Open the login page - https://app.example.com/login\n" +
		"  2. Click the login button - text=Sign in\n" +
		"Results: 1 passed, 1 failed\n" +
		"Duration: 2300ms\n" +
		"Errors:\n" +
		"  - driver click on \"text=Sign in\": locator: no visible element matched\n" +
		"Browser: chromium\n" +
		"Type: e2e"
	assert.Equal(t, want, RenderExecutionRecord(rec))
}

func TestRenderExecutionRecordNoURLNoErrors(t *testing.T) {
	rec := &models.ExecutionRecord{
		PlanName:         "No nav",
		StepDescriptions: []string{"Press Enter"},
		StepTargets:      []string{""},
		Passed:           1,
		DurationMs:       10,
		Browser:          "chromium",
		TestType:         "smoke",
	}
	out := RenderExecutionRecord(rec)
	assert.Contains(t, out, "URL: N/A\n")
	assert.NotContains(t, out, "Errors:")
}

func TestExecutionMetadataShape(t *testing.T) {
	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	rec := &models.ExecutionRecord{
		PlanID:     "p1",
		PlanName:   "Login smoke",
		URL:        "https://app.example.com",
		Passed:     3,
		Failed:     0,
		Total:      3,
		DurationMs: 1500,
		Timestamp:  ts,
		Browser:    "chromium",
		TestType:   "e2e",
	}
	meta := ExecutionMetadata(rec)

	assert.Equal(t, TypeExecution, meta["type"])
	assert.Equal(t, "p1", meta["planId"])
	assert.Equal(t, true, meta["success"])
	assert.Equal(t, ts.UnixMilli(), meta["timestamp"])

	// Metadata stays flat: the filter facility only understands scalars.
	for k, v := range meta {
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			t.Errorf("metadata key %q has non-scalar value %T", k, v)
		}
	}
}

func TestCorrectionMetadataKeys(t *testing.T) {
	c := &models.SelectorCorrection{
		OriginalTarget:  "#old",
		CorrectedTarget: "text=New",
		Source:          models.SourceDeterministic,
		Confidence:      0.7,
	}
	meta := CorrectionMetadata(c, "Click the new button", "https://app.example.com", 1724500000000)

	assert.Equal(t, map[string]any{
		"type":            TypeCorrection,
		"originalTarget":  "#old",
		"correctedTarget": "text=New",
		"description":     "Click the new button",
		"url":             "https://app.example.com",
		"timestamp":       int64(1724500000000),
		"source":          "deterministic",
	}, meta)
}

func TestRecordFromRun(t *testing.T) {
	plan := &models.Plan{
		ID:   "p1",
		Name: "Checkout",
		Steps: []models.Step{
			{Ordinal: 1, Kind: models.StepNavigate, Target: "https://shop.example.com"},
			{Ordinal: 2, Kind: models.StepClick, Target: "text=Buy", Description: "Click the buy button"},
			{Ordinal: 3, Kind: models.StepAssert, Target: "h1", Expected: &models.Assertion{Kind: models.AssertVisible}},
		},
	}
	started := time.Now().Add(-2 * time.Second)
	run := &models.Run{
		RunID:     "r1",
		PlanID:    "p1",
		StartedAt: started,
		EndedAt:   started.Add(2 * time.Second),
		Steps: []models.StepResult{
			{Ordinal: 1, Status: models.StepPassed},
			{Ordinal: 2, Status: models.StepFailed, ErrorMessage: "no visible element matched"},
			{Ordinal: 3, Status: models.StepSkipped},
		},
	}

	rec := RecordFromRun(run, plan, "chromium", "e2e")

	assert.Equal(t, "https://shop.example.com", rec.URL)
	assert.Equal(t, 1, rec.Passed)
	assert.Equal(t, 1, rec.Failed)
	assert.Equal(t, 3, rec.Total)
	assert.Equal(t, int64(2000), rec.DurationMs)
	require.Len(t, rec.StepDescriptions, 3)
	assert.Equal(t, "Click the buy button", rec.StepDescriptions[1])
	assert.Equal(t, "navigate https://shop.example.com", rec.StepDescriptions[0], "undescribed steps fall back to kind+target")
	assert.Equal(t, []string{"no visible element matched"}, rec.Errors)
}
