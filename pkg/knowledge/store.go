// Package knowledge implements the vector-indexed store of execution records
// and selector corrections, with a scalar-metadata filter facility and
// aggregate statistics.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNotFound is returned by Get for unknown document ids.
var ErrNotFound = errors.New("knowledge: document not found")

// Document type tags stored in the "type" metadata field.
const (
	TypeExecution       = "test_execution"
	TypeCorrection      = "selector_correction"
	TypeFailureAnalysis = "failure_analysis"
)

// Hit is one query result, ordered by descending similarity. Similarity is
// 1 - cosine distance, clamped to [0,1].
type Hit struct {
	ID         string         `json:"id"`
	Document   string         `json:"document"`
	Metadata   map[string]any `json:"metadata"`
	Similarity float64        `json:"similarity"`
}

// Aggregate summarises the whole store from a single full scan.
type Aggregate struct {
	TotalDocuments int            `json:"total_documents"`
	ByTestType     map[string]int `json:"by_test_type"`
	ByBrowser      map[string]int `json:"by_browser"`
	Passed         int            `json:"passed"`
	Failed         int            `json:"failed"`
	AvgDurationMs  float64        `json:"avg_duration_ms"`
	Earliest       time.Time      `json:"earliest,omitempty"`
	Latest         time.Time      `json:"latest,omitempty"`
}

// Store is the vector index contract. Implementations must be safe for
// concurrent callers; Store is an atomic upsert per id (last writer wins).
// Metadata values are scalars (string|int|float|bool) and are preserved
// as supplied — callers rely on a flat, caller-defined shape.
type Store interface {
	Store(ctx context.Context, id, document string, embedding []float32, metadata map[string]any) error
	Query(ctx context.Context, embedding []float32, k int, scalarFilter map[string]any, textFilter string) ([]Hit, error)
	Get(ctx context.Context, id string) (document string, metadata map[string]any, embedding []float32, err error)
	Count(ctx context.Context) (int, error)
	Aggregate(ctx context.Context) (*Aggregate, error)
	Delete(ctx context.Context, id string) error
}

// cosineSimilarity returns 1 - cosine distance in [0,1].
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Cosine of real vectors lands in [-1,1]; negative similarity is
	// reported as 0 per the 1-distance contract.
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// matchesScalarFilter reports whether metadata satisfies every filter entry.
// Numeric values compare by value, not representation, so int filters match
// float64 metadata decoded from JSON.
func matchesScalarFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
