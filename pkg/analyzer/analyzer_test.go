package analyzer

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testpilot-ai/testpilot/pkg/knowledge"
	"github.com/testpilot-ai/testpilot/pkg/llm"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

func failureContext() FailureContext {
	return FailureContext{
		RunID: "run-1",
		Step: &models.Step{
			Ordinal:     3,
			Kind:        models.StepClick,
			Target:      "#checkout",
			Description: "Click the checkout button",
		},
		ErrorKind:    models.ErrKindLocatorUnresolvable,
		ErrorMessage: "no visible element matched",
		CurrentURL:   "https://shop.example.com/cart",
		PageTitle:    "Your cart",
	}
}

const validDiagnosis = `{
	"understood": true,
	"intent": "Proceed to checkout",
	"possibleCauses": ["The checkout button was renamed", "The cart is empty"],
	"suggestedFixes": ["Use text=Checkout", "Add an item before checking out"],
	"confidence": 0.8,
	"reasoning": "selector matched nothing on the cart page"
}`

func TestAnalyseFullDiagnosis(t *testing.T) {
	store := knowledge.NewMemoryStore(64)
	embedder := knowledge.NewHashEmbedder(64)
	client := llm.NewScriptedClient(validDiagnosis)
	a := New(client, store, embedder, nil)

	analysis := a.Analyse(context.Background(), failureContext())
	require.NotNil(t, analysis)

	assert.True(t, analysis.Understood)
	assert.Equal(t, "Proceed to checkout", analysis.Intent)
	assert.Equal(t, []string{"The checkout button was renamed", "The cart is empty"}, analysis.PossibleCauses)
	assert.Len(t, analysis.SuggestedFixes, 2)
	assert.InDelta(t, 0.8, analysis.Confidence, 0.001)
	assert.GreaterOrEqual(t, len(analysis.RawModelLog), 6,
		"log covers start, intent, lookup, invocation, decision and store")

	// The analysis itself was persisted for future retrieval.
	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAnalyseIncludesHistoryInPrompt(t *testing.T) {
	store := knowledge.NewMemoryStore(64)
	embedder := knowledge.NewHashEmbedder(64)

	// A previous failure of the same step lives in the store.
	doc := knowledge.FailureQuery("Click the checkout button", "no visible element matched")
	vec, err := embedder.Embed(context.Background(), doc)
	require.NoError(t, err)
	require.NoError(t, store.Store(context.Background(), "hist-1", doc, vec,
		map[string]any{"type": knowledge.TypeFailureAnalysis, "testId": "run-0"}))

	client := llm.NewScriptedClient(validDiagnosis)
	a := New(client, store, embedder, nil)
	a.Analyse(context.Background(), failureContext())

	calls := client.Calls()
	require.Len(t, calls, 1)
	prompt := calls[0].Messages[len(calls[0].Messages)-1].Content
	assert.Contains(t, prompt, "Similar historical records")
	assert.Contains(t, prompt, "Page URL: https://shop.example.com/cart")
}

func TestAnalyseRepromptOnSchemaViolation(t *testing.T) {
	client := llm.NewScriptedClient(
		`The step failed because the selector is stale.`,
		validDiagnosis,
	)
	a := New(client, nil, nil, nil)

	analysis := a.Analyse(context.Background(), failureContext())
	require.NotNil(t, analysis)
	assert.True(t, analysis.Understood)
	assert.Equal(t, 2, client.CallCount())

	var reprompted bool
	for _, line := range analysis.RawModelLog {
		if strings.Contains(line, "re-prompting") {
			reprompted = true
		}
	}
	assert.True(t, reprompted)
}

func TestAnalyseDegradesOnModelFailure(t *testing.T) {
	client := llm.NewScriptedClient(validDiagnosis)
	client.Fail(llm.NewError(llm.KindTransient, fmt.Errorf("upstream 503")))
	a := New(client, nil, nil, nil)

	analysis := a.Analyse(context.Background(), failureContext())
	require.NotNil(t, analysis)

	assert.False(t, analysis.Understood)
	assert.Zero(t, analysis.Confidence)
	assert.Equal(t, "Click the checkout button", analysis.Intent)

	var logged bool
	for _, line := range analysis.RawModelLog {
		if strings.Contains(line, "Model invocation failed") {
			logged = true
		}
	}
	assert.True(t, logged, "degradation cause is captured in the log")
}

func TestAnalyseWithoutClient(t *testing.T) {
	a := New(nil, nil, nil, nil)
	analysis := a.Analyse(context.Background(), failureContext())
	require.NotNil(t, analysis)
	assert.False(t, analysis.Understood)
	assert.NotEmpty(t, analysis.RawModelLog)
}
