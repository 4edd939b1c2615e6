// Package resolver implements selector self-healing: when a step's locator
// fails, it consults the correction cache, then deterministic DOM heuristics,
// then the LLM. Successful corrections are written back to the knowledge
// store so the next failure on the same selector is a cache hit. The stage
// order is load-bearing: cache before heuristics before LLM.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/testpilot-ai/testpilot/pkg/driver"
	"github.com/testpilot-ai/testpilot/pkg/knowledge"
	"github.com/testpilot-ai/testpilot/pkg/llm"
	"github.com/testpilot-ai/testpilot/pkg/locator"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

// ErrUnresolvable is returned when every stage failed to produce a locator.
var ErrUnresolvable = errors.New("resolver: selector not resolvable")

const (
	cacheK                  = 10
	deterministicConfidence = 0.7
	llmTimeout              = 15 * time.Second
)

// Resolver produces corrected locators for failing steps.
type Resolver struct {
	store    knowledge.Store
	embedder knowledge.Embedder
	client   llm.Client
	log      *slog.Logger

	// SameDomainOnly restricts cache hits to corrections recorded on the
	// current page's host.
	SameDomainOnly bool
}

// New creates a resolver. client may be nil to disable the LLM stage.
func New(store knowledge.Store, embedder knowledge.Embedder, client llm.Client, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, embedder: embedder, client: client, log: log}
}

// Resolve runs the three-stage pipeline for a failing step. The driver
// provides the live page for heuristics and the LLM snapshot. On success the
// correction has already been written back to the store (best-effort).
func (r *Resolver) Resolve(ctx context.Context, step *models.Step, d driver.Driver) (*models.SelectorCorrection, error) {
	currentURL := ""
	if d != nil {
		currentURL, _ = d.CurrentURL(ctx)
	}

	if c, ok := r.fromCache(ctx, step, currentURL); ok {
		return c, nil
	}
	if c, ok := r.fromHeuristics(ctx, step, d); ok {
		r.writeBack(ctx, c, step.Description, currentURL)
		return c, nil
	}
	if c, ok := r.fromLLM(ctx, step, d); ok {
		r.writeBack(ctx, c, step.Description, currentURL)
		return c, nil
	}
	return nil, ErrUnresolvable
}

// fromCache queries the correction cache. A hit is accepted only on exact
// originalTarget or exact description match; similarity alone is not enough.
func (r *Resolver) fromCache(ctx context.Context, step *models.Step, currentURL string) (*models.SelectorCorrection, bool) {
	if r.store == nil || r.embedder == nil {
		return nil, false
	}
	vec, err := r.embedder.Embed(ctx, knowledge.CorrectionDocument(step.Target, step.Description))
	if err != nil {
		r.log.Warn("Correction cache embed failed", "error", err)
		return nil, false
	}
	hits, err := r.store.Query(ctx, vec, cacheK, map[string]any{"type": knowledge.TypeCorrection}, "")
	if err != nil {
		r.log.Warn("Correction cache query failed", "error", err)
		return nil, false
	}
	for _, hit := range hits {
		if r.SameDomainOnly && !sameDomain(metaString(hit.Metadata, "url"), currentURL) {
			continue
		}
		original := metaString(hit.Metadata, "originalTarget")
		description := metaString(hit.Metadata, "description")
		if original != step.Target && (description == "" || description != step.Description) {
			continue
		}
		corrected := metaString(hit.Metadata, "correctedTarget")
		if corrected == "" {
			continue
		}
		r.log.Info("Selector correction cache hit",
			"original", step.Target, "corrected", corrected, "similarity", hit.Similarity)
		return &models.SelectorCorrection{
			OriginalTarget:  step.Target,
			CorrectedTarget: corrected,
			Source:          models.SourceCache,
			Confidence:      hit.Similarity,
			Attempts:        2,
		}, true
	}
	return nil, false
}

// writeBack appends the correction to the store. Best-effort: a store
// failure loses future cache hits but never fails the resolution.
func (r *Resolver) writeBack(ctx context.Context, c *models.SelectorCorrection, description, currentURL string) {
	if r.store == nil || r.embedder == nil {
		return
	}
	doc := knowledge.CorrectionDocument(c.OriginalTarget, description)
	vec, err := r.embedder.Embed(ctx, doc)
	if err != nil {
		r.log.Warn("Correction write-back embed failed", "error", err)
		return
	}
	id := uuid.New().String()
	meta := knowledge.CorrectionMetadata(c, description, currentURL, time.Now().UnixMilli())
	if err := r.store.Store(ctx, id, doc, vec, meta); err != nil {
		r.log.Warn("Correction write-back failed", "id", id, "error", err)
	}
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func sameDomain(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return true
	}
	return ua.Host == ub.Host
}

// validateLocator checks that a proposed target parses in the neutral
// grammar (raw CSS is tolerated for compatibility with synthesised plans).
func validateLocator(target string) error {
	if target == "" {
		return fmt.Errorf("empty locator")
	}
	if _, err := locator.Parse(target); err == nil {
		return nil
	}
	// Bare CSS without the css: prefix is accepted by the drivers.
	if target[0] == '#' || target[0] == '.' {
		return nil
	}
	return fmt.Errorf("locator %q is not in the neutral grammar", target)
}
