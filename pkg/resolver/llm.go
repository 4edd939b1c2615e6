package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/testpilot-ai/testpilot/pkg/driver"
	"github.com/testpilot-ai/testpilot/pkg/llm"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

const resolveSystemPrompt = `You are a web test selector repair assistant.
A test step failed because its locator did not match any element. Given the
step and a snapshot of the page's interactive elements, propose a locator for
the element the step intended.

Respond with a single JSON object: {"locator": "<locator>", "confidence": <0..1>}

The locator must use one of these forms:
  text=Visible Text
  role=button[name=Accessible Name]
  [aria-label=Label]
  [placeholder=Placeholder]
  [data-testid=value]
  css:#id or css:.class or any CSS selector
  xpath://xpath/expression

Prefer user-facing locators (text, role, aria-label) over structural CSS.
If no element plausibly matches, use confidence 0.`

var resolveSchema = llm.MustCompileSchema(`{
	"type": "object",
	"required": ["locator", "confidence"],
	"properties": {
		"locator": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`)

type resolveResponse struct {
	Locator    string  `json:"locator"`
	Confidence float64 `json:"confidence"`
}

// minimum model confidence to accept an LLM-proposed locator.
const llmConfidenceFloor = 0.3

// fromLLM asks the model for a replacement locator, with one re-prompt if
// the first response violates the schema.
func (r *Resolver) fromLLM(ctx context.Context, step *models.Step, d driver.Driver) (*models.SelectorCorrection, bool) {
	if r.client == nil || d == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	elements, err := d.SnapshotInteractiveElements(ctx, driver.DefaultSnapshotMax)
	if err != nil {
		r.log.Warn("DOM snapshot for LLM resolution failed", "error", err)
		return nil, false
	}
	prompt, err := buildResolvePrompt(step, elements)
	if err != nil {
		return nil, false
	}

	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := r.client.Complete(ctx, llm.Request{
			System:      resolveSystemPrompt,
			Messages:    messages,
			MaxTokens:   512,
			Temperature: 0,
		})
		if err != nil {
			r.log.Warn("LLM selector resolution failed", "attempt", attempt+1, "error", err)
			return nil, false
		}

		var resp resolveResponse
		if err := llm.DecodeValidated(raw, resolveSchema, &resp); err != nil {
			if llm.KindOf(err) == llm.KindSchema && attempt == 0 {
				messages = append(messages,
					llm.Message{Role: llm.RoleAssistant, Content: raw},
					llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
						"That response was not valid: %v. Respond again with only the JSON object.", err)},
				)
				continue
			}
			r.log.Warn("LLM selector response rejected", "error", err)
			return nil, false
		}

		if resp.Confidence < llmConfidenceFloor {
			r.log.Info("LLM declined to propose a selector", "confidence", resp.Confidence)
			return nil, false
		}
		if err := validateLocator(resp.Locator); err != nil {
			r.log.Warn("LLM proposed an invalid locator", "locator", resp.Locator, "error", err)
			return nil, false
		}
		r.log.Info("LLM selector correction proposed",
			"original", step.Target, "corrected", resp.Locator, "confidence", resp.Confidence)
		return &models.SelectorCorrection{
			OriginalTarget:  step.Target,
			CorrectedTarget: resp.Locator,
			Source:          models.SourceLLM,
			Confidence:      resp.Confidence,
			Attempts:        2,
		}, true
	}
	return nil, false
}

func buildResolvePrompt(step *models.Step, elements []driver.DomElement) (string, error) {
	snapshot, err := json.MarshalIndent(elements, "", "  ")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Failed step:\n  action: %s\n  locator: %s\n", step.Kind, step.Target)
	if step.Description != "" {
		fmt.Fprintf(&b, "  description: %s\n", step.Description)
	}
	if step.Data != "" && step.Kind == models.StepSelect {
		fmt.Fprintf(&b, "  value: %s\n", step.Data)
	}
	fmt.Fprintf(&b, "\nInteractive elements on the page:\n%s\n", snapshot)
	return b.String(), nil
}
