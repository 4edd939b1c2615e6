// Package analyzer turns a terminally failed step into a structured
// diagnosis: intent, probable root causes, suggested fixes and a confidence.
// Analysis never fails the run — LLM or store trouble degrades to an
// understood=false result with the error captured in the model log.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/testpilot-ai/testpilot/pkg/knowledge"
	"github.com/testpilot-ai/testpilot/pkg/llm"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

const (
	analysisTimeout = 20 * time.Second
	historyK        = 3
)

const analysisSystemPrompt = `You are a web test failure analyst. A test step
failed after exhausting its retries. Given the step, the error, the page
context and similar historical failures, explain what went wrong.

Respond with a single JSON object:
{"understood": <bool>, "intent": "<what the step tried to do>",
 "possibleCauses": ["..."], "suggestedFixes": ["..."],
 "confidence": <0..1>, "reasoning": "<short explanation>"}

Order possibleCauses and suggestedFixes from most to least likely. Set
understood to false when the context is insufficient to diagnose.`

var analysisSchema = llm.MustCompileSchema(`{
	"type": "object",
	"required": ["understood", "intent", "possibleCauses", "suggestedFixes", "confidence"],
	"properties": {
		"understood": {"type": "boolean"},
		"intent": {"type": "string"},
		"possibleCauses": {"type": "array", "items": {"type": "string"}},
		"suggestedFixes": {"type": "array", "items": {"type": "string"}},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"}
	}
}`)

type analysisResponse struct {
	Understood     bool     `json:"understood"`
	Intent         string   `json:"intent"`
	PossibleCauses []string `json:"possibleCauses"`
	SuggestedFixes []string `json:"suggestedFixes"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
}

// FailureContext carries everything the analyser needs about one failed step.
type FailureContext struct {
	RunID        string
	Step         *models.Step
	ErrorKind    models.ErrorKind
	ErrorMessage string
	CurrentURL   string
	PageTitle    string
}

// Analyzer produces failure analyses. All dependencies are optional; missing
// ones narrow the result rather than erroring.
type Analyzer struct {
	client   llm.Client
	store    knowledge.Store
	embedder knowledge.Embedder
	log      *slog.Logger
}

// New creates an analyzer.
func New(client llm.Client, store knowledge.Store, embedder knowledge.Embedder, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{client: client, store: store, embedder: embedder, log: log}
}

// Analyse diagnoses a failed step. It never returns an error: degraded paths
// produce understood=false with the cause recorded in RawModelLog.
func (a *Analyzer) Analyse(ctx context.Context, fc FailureContext) *models.FailureAnalysis {
	ctx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	progress := newProgressLog()
	progress.Add("Analysing failure of step %d (%s)", fc.Step.Ordinal, fc.Step.Kind)

	intent := fc.Step.Description
	if intent == "" {
		intent = fmt.Sprintf("%s %s", fc.Step.Kind, fc.Step.Target)
	}
	progress.Add("Extracted intent: %s", intent)

	history := a.retrieveHistory(ctx, fc, progress)

	analysis := a.invokeModel(ctx, fc, intent, history, progress)
	if analysis == nil {
		analysis = &models.FailureAnalysis{
			Understood: false,
			Intent:     intent,
			Confidence: 0,
		}
		progress.Add("Decision: not understood, falling back to sentinel analysis")
	} else {
		progress.Add("Decision: understood=%t confidence=%.2f", analysis.Understood, analysis.Confidence)
	}

	a.persist(ctx, fc, analysis, progress)

	analysis.RawModelLog = progress.Lines()
	return analysis
}

// retrieveHistory pulls similar historical failures from the knowledge store.
func (a *Analyzer) retrieveHistory(ctx context.Context, fc FailureContext, progress *progressLog) []knowledge.Hit {
	if a.store == nil || a.embedder == nil {
		progress.Add("Cache lookup skipped: no knowledge store configured")
		return nil
	}
	query := knowledge.FailureQuery(fc.Step.Description, fc.ErrorMessage)
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		progress.Add("Cache lookup failed: %v", err)
		return nil
	}
	hits, err := a.store.Query(ctx, vec, historyK, nil, "")
	if err != nil {
		progress.Add("Cache lookup failed: %v", err)
		return nil
	}
	progress.Add("Cache lookup returned %d similar records", len(hits))
	return hits
}

// invokeModel asks the LLM for a structured diagnosis, with one re-prompt on
// a schema violation. Returns nil when no usable answer was obtained.
func (a *Analyzer) invokeModel(ctx context.Context, fc FailureContext, intent string, history []knowledge.Hit, progress *progressLog) *models.FailureAnalysis {
	if a.client == nil {
		progress.Add("Model invocation skipped: no LLM client configured")
		return nil
	}
	progress.Add("Invoking model for diagnosis")

	prompt := buildAnalysisPrompt(fc, intent, history)
	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := a.client.Complete(ctx, llm.Request{
			System:      analysisSystemPrompt,
			Messages:    messages,
			MaxTokens:   1024,
			Temperature: 0,
		})
		if err != nil {
			progress.Add("Model invocation failed: %v", err)
			a.log.Warn("Failure analysis model call failed", "run_id", fc.RunID, "error", err)
			return nil
		}

		var resp analysisResponse
		if err := llm.DecodeValidated(raw, analysisSchema, &resp); err != nil {
			if llm.KindOf(err) == llm.KindSchema && attempt == 0 {
				progress.Add("Model response violated schema, re-prompting")
				messages = append(messages,
					llm.Message{Role: llm.RoleAssistant, Content: raw},
					llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
						"That response was not valid: %v. Respond again with only the JSON object.", err)},
				)
				continue
			}
			progress.Add("Model response rejected: %v", err)
			return nil
		}

		intent := resp.Intent
		if intent == "" {
			intent = fc.Step.Description
		}
		return &models.FailureAnalysis{
			Understood:     resp.Understood,
			Intent:         intent,
			PossibleCauses: resp.PossibleCauses,
			SuggestedFixes: resp.SuggestedFixes,
			Confidence:     resp.Confidence,
		}
	}
	return nil
}

// persist writes the analysis to the knowledge store, best-effort.
func (a *Analyzer) persist(ctx context.Context, fc FailureContext, analysis *models.FailureAnalysis, progress *progressLog) {
	if a.store == nil || a.embedder == nil {
		progress.Add("Store skipped: no knowledge store configured")
		return
	}
	doc := knowledge.FailureQuery(fc.Step.Description, fc.ErrorMessage)
	vec, err := a.embedder.Embed(ctx, doc)
	if err != nil {
		progress.Add("Store failed: %v", err)
		return
	}
	id := uuid.New().String()
	meta := knowledge.AnalysisMetadata(fc.RunID, fc.Step.Ordinal, fc.ErrorKind, analysis)
	if err := a.store.Store(ctx, id, doc, vec, meta); err != nil {
		progress.Add("Store failed: %v", err)
		a.log.Warn("Failure analysis store failed", "run_id", fc.RunID, "error", err)
		return
	}
	progress.Add("Stored analysis %s", id)
}

func buildAnalysisPrompt(fc FailureContext, intent string, history []knowledge.Hit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed step:\n  ordinal: %d\n  action: %s\n  locator: %s\n",
		fc.Step.Ordinal, fc.Step.Kind, fc.Step.Target)
	fmt.Fprintf(&b, "  intent: %s\n", intent)
	fmt.Fprintf(&b, "\nError: [%s] %s\n", fc.ErrorKind, fc.ErrorMessage)
	if fc.CurrentURL != "" {
		fmt.Fprintf(&b, "Page URL: %s\n", fc.CurrentURL)
	}
	if fc.PageTitle != "" {
		fmt.Fprintf(&b, "Page title: %s\n", fc.PageTitle)
	}
	if len(history) > 0 {
		b.WriteString("\nSimilar historical records:\n")
		for _, hit := range history {
			meta, _ := json.Marshal(hit.Metadata)
			fmt.Fprintf(&b, "- (similarity %.2f) %s %s\n", hit.Similarity, firstLine(hit.Document), meta)
		}
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

type progressLog struct {
	lines []string
}

func newProgressLog() *progressLog { return &progressLog{} }

func (p *progressLog) Add(format string, args ...any) {
	p.lines = append(p.lines, fmt.Sprintf(format, args...))
}

func (p *progressLog) Lines() []string { return p.lines }
