package impact

import (
	"context"
	"fmt"
	"strings"

	"github.com/testpilot-ai/testpilot/pkg/knowledge"
	"github.com/testpilot-ai/testpilot/pkg/llm"
)

const consolidateSystemPrompt = `You are a test impact analyst. Given a code
change set and historically related test executions, decide which test plans
to run and how urgent the change is.

Respond with a single JSON object:
{"riskTier": "critical|high|medium|low",
 "affectedFeatures": ["..."],
 "recommendedPlans": [{"planId": "...", "priority": "critical|high|medium", "reason": "..."}],
 "summary": "Run full suite" | "Run affected tests" | "Smoke only"}

Only recommend planIds that appear in the historical records. Never lower the
risk below the baseline you are given.`

var consolidateSchema = llm.MustCompileSchema(`{
	"type": "object",
	"required": ["riskTier", "recommendedPlans", "summary"],
	"properties": {
		"riskTier": {"enum": ["critical", "high", "medium", "low"]},
		"affectedFeatures": {"type": "array", "items": {"type": "string"}},
		"recommendedPlans": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["planId", "priority"],
				"properties": {
					"planId": {"type": "string", "minLength": 1},
					"priority": {"enum": ["critical", "high", "medium"]},
					"reason": {"type": "string"}
				}
			}
		},
		"summary": {"type": "string"}
	}
}`)

type consolidateResponse struct {
	RiskTier         RiskTier `json:"riskTier"`
	AffectedFeatures []string `json:"affectedFeatures"`
	RecommendedPlans []struct {
		PlanID   string   `json:"planId"`
		Priority Priority `json:"priority"`
		Reason   string   `json:"reason"`
	} `json:"recommendedPlans"`
	Summary string `json:"summary"`
}

// consolidate asks the model to merge retrieval hits into the report.
// Returns false when the model produced nothing usable; the caller then
// falls back to the retrieval-only report. The model may raise but never
// lower the baseline risk tier.
func (a *Analyser) consolidate(ctx context.Context, cs ChangeSet, hits []knowledge.Hit, report *Report) bool {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	prompt := buildConsolidatePrompt(cs, hits, report.RiskTier)
	messages := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := a.client.Complete(ctx, llm.Request{
			System:      consolidateSystemPrompt,
			Messages:    messages,
			MaxTokens:   1024,
			Temperature: 0,
		})
		if err != nil {
			a.log.Warn("Impact consolidation model call failed", "error", err)
			return false
		}

		var resp consolidateResponse
		if err := llm.DecodeValidated(raw, consolidateSchema, &resp); err != nil {
			if llm.KindOf(err) == llm.KindSchema && attempt == 0 {
				messages = append(messages,
					llm.Message{Role: llm.RoleAssistant, Content: raw},
					llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
						"That response was not valid: %v. Respond again with only the JSON object.", err)},
				)
				continue
			}
			a.log.Warn("Impact consolidation response rejected", "error", err)
			return false
		}

		if tierRank[resp.RiskTier] > tierRank[report.RiskTier] {
			report.RiskTier = resp.RiskTier
		}
		if len(resp.AffectedFeatures) > 0 {
			report.AffectedFeatures = mergeFeatures(report.AffectedFeatures, resp.AffectedFeatures)
		}
		for _, rec := range resp.RecommendedPlans {
			report.RecommendedPlans = append(report.RecommendedPlans, Recommendation{
				PlanID:   rec.PlanID,
				Priority: rec.Priority,
				Reason:   rec.Reason,
			})
		}
		report.Summary = resp.Summary
		if report.Summary == "" {
			report.Summary = defaultSummary(report.RiskTier)
		}
		return true
	}
	return false
}

func buildConsolidatePrompt(cs ChangeSet, hits []knowledge.Hit, baseline RiskTier) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Baseline risk tier: %s\n\nChanged files:\n", baseline)
	for i, path := range cs.ChangedFiles {
		if i >= maxPathsShown {
			fmt.Fprintf(&b, "  ... and %d more\n", len(cs.ChangedFiles)-maxPathsShown)
			break
		}
		fmt.Fprintf(&b, "  %s\n", path)
	}
	if cs.CommitMessage != "" {
		fmt.Fprintf(&b, "\nCommit message: %s\n", cs.CommitMessage)
	}
	if len(hits) == 0 {
		b.WriteString("\nNo historically related executions were found.\n")
		return b.String()
	}
	b.WriteString("\nHistorically related executions:\n")
	for _, hit := range hits {
		planID, _ := hit.Metadata["planId"].(string)
		planName, _ := hit.Metadata["planName"].(string)
		fmt.Fprintf(&b, "- planId=%s name=%q similarity=%.2f\n", planID, planName, hit.Similarity)
	}
	return b.String()
}

func mergeFeatures(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, f := range base {
		seen[strings.ToLower(f)] = true
	}
	for _, f := range extra {
		if !seen[strings.ToLower(f)] {
			seen[strings.ToLower(f)] = true
			base = append(base, f)
		}
	}
	return base
}
