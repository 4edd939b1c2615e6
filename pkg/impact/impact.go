// Package impact maps a VCS change set to a risk tier and a prioritised list
// of plans to run, combining path-pattern classification, semantic retrieval
// of historical executions and an LLM consolidation pass.
package impact

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/testpilot-ai/testpilot/pkg/knowledge"
	"github.com/testpilot-ai/testpilot/pkg/llm"
)

// RiskTier orders change risk from low to critical.
type RiskTier string

// Risk tiers.
const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

var tierRank = map[RiskTier]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// Priority ranks a recommended plan.
type Priority string

// Recommendation priorities.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
)

const (
	retrievalK    = 10
	llmTimeout    = 20 * time.Second
	maxPathsShown = 30
)

// ChangeSet is the analysed VCS change.
type ChangeSet struct {
	ChangedFiles  []string `json:"changed_files"`
	CommitMessage string   `json:"commit_message,omitempty"`
}

// Recommendation is one plan the change set puts at risk.
type Recommendation struct {
	PlanID   string   `json:"plan_id"`
	PlanName string   `json:"plan_name,omitempty"`
	Priority Priority `json:"priority"`
	Reason   string   `json:"reason,omitempty"`
}

// Report is the analysis outcome.
type Report struct {
	RiskTier         RiskTier         `json:"risk_tier"`
	AffectedFeatures []string         `json:"affected_features"`
	RecommendedPlans []Recommendation `json:"recommended_plans"`
	Summary          string           `json:"summary"`
}

// Analyser computes impact reports. The LLM client is optional: without it
// (or on model failure) the report is built from retrieval alone.
type Analyser struct {
	store    knowledge.Store
	embedder knowledge.Embedder
	client   llm.Client
	log      *slog.Logger
}

// New creates an analyser.
func New(store knowledge.Store, embedder knowledge.Embedder, client llm.Client, log *slog.Logger) *Analyser {
	if log == nil {
		log = slog.Default()
	}
	return &Analyser{store: store, embedder: embedder, client: client, log: log}
}

// pathClass maps a path-substring family to a risk tier and feature label.
type pathClass struct {
	fragments []string
	tier      RiskTier
	feature   string
}

var pathClasses = []pathClass{
	{[]string{"auth", "login", "session"}, RiskCritical, "authentication"},
	{[]string{"payment", "checkout", "billing"}, RiskCritical, "payments"},
	{[]string{"admin"}, RiskCritical, "administration"},
	{[]string{"api"}, RiskHigh, "api"},
	{[]string{"db", "database", "migration"}, RiskHigh, "database"},
	{[]string{"model"}, RiskHigh, "data model"},
	{[]string{"util", "helper", "common"}, RiskMedium, "shared utilities"},
	{[]string{"doc", "readme"}, RiskLow, "documentation"},
	{[]string{"style", "css", "theme"}, RiskLow, "styling"},
}

// Classify returns the baseline risk tier and affected feature labels for a
// set of changed paths. Unmatched paths contribute medium risk.
func Classify(paths []string) (RiskTier, []string) {
	tier := RiskLow
	var features []string
	seen := map[string]bool{}
	matchedAny := false

	for _, path := range paths {
		lower := strings.ToLower(path)
		matched := false
		for _, class := range pathClasses {
			for _, frag := range class.fragments {
				if strings.Contains(lower, frag) {
					matched = true
					matchedAny = true
					if tierRank[class.tier] > tierRank[tier] {
						tier = class.tier
					}
					if !seen[class.feature] {
						seen[class.feature] = true
						features = append(features, class.feature)
					}
					break
				}
			}
		}
		if !matched && tierRank[RiskMedium] > tierRank[tier] {
			tier = RiskMedium
		}
	}
	if !matchedAny && len(paths) > 0 && tier == RiskLow {
		tier = RiskMedium
	}
	return tier, features
}

// Analyse produces the impact report for a change set.
func (a *Analyser) Analyse(ctx context.Context, cs ChangeSet) (*Report, error) {
	if len(cs.ChangedFiles) == 0 {
		return nil, fmt.Errorf("impact: change set has no files")
	}

	tier, features := Classify(cs.ChangedFiles)
	report := &Report{RiskTier: tier, AffectedFeatures: features}

	hits := a.retrieve(ctx, cs)

	if a.client != nil {
		if ok := a.consolidate(ctx, cs, hits, report); ok {
			return report, nil
		}
	}

	// Retrieval-only fallback: every retrieved plan inherits a priority from
	// the baseline tier.
	report.RecommendedPlans = recommendationsFromHits(hits, tier)
	report.Summary = defaultSummary(tier)
	return report, nil
}

func (a *Analyser) retrieve(ctx context.Context, cs ChangeSet) []knowledge.Hit {
	if a.store == nil || a.embedder == nil {
		return nil
	}
	query := strings.Join(cs.ChangedFiles, " ")
	if cs.CommitMessage != "" {
		query += " " + cs.CommitMessage
	}
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		a.log.Warn("Impact retrieval embed failed", "error", err)
		return nil
	}
	hits, err := a.store.Query(ctx, vec, retrievalK, map[string]any{"type": knowledge.TypeExecution}, "")
	if err != nil {
		a.log.Warn("Impact retrieval failed", "error", err)
		return nil
	}
	return hits
}

func recommendationsFromHits(hits []knowledge.Hit, tier RiskTier) []Recommendation {
	priority := PriorityMedium
	switch tier {
	case RiskCritical:
		priority = PriorityCritical
	case RiskHigh:
		priority = PriorityHigh
	}
	var out []Recommendation
	seen := map[string]bool{}
	for _, hit := range hits {
		planID, _ := hit.Metadata["planId"].(string)
		if planID == "" || seen[planID] {
			continue
		}
		seen[planID] = true
		name, _ := hit.Metadata["planName"].(string)
		out = append(out, Recommendation{
			PlanID:   planID,
			PlanName: name,
			Priority: priority,
			Reason:   fmt.Sprintf("historically related execution (similarity %.2f)", hit.Similarity),
		})
	}
	return out
}

func defaultSummary(tier RiskTier) string {
	switch tier {
	case RiskCritical, RiskHigh:
		return "Run full suite"
	case RiskMedium:
		return "Run affected tests"
	default:
		return "Smoke only"
	}
}
