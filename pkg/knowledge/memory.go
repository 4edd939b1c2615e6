package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Used for tests and store-less
// deployments; queries are a full scan with cosine ranking, which is fine at
// the corpus sizes a single executor node produces.
type MemoryStore struct {
	mu         sync.RWMutex
	dimensions int
	docs       map[string]*memoryDoc
}

type memoryDoc struct {
	document  string
	embedding []float32
	metadata  map[string]any
}

// NewMemoryStore creates an empty store. The first stored embedding fixes the
// dimensionality when dimensions is 0.
func NewMemoryStore(dimensions int) *MemoryStore {
	return &MemoryStore{
		dimensions: dimensions,
		docs:       make(map[string]*memoryDoc),
	}
}

// Store implements Store. Upsert by id, last writer wins.
func (s *MemoryStore) Store(_ context.Context, id, document string, embedding []float32, metadata map[string]any) error {
	if id == "" {
		return fmt.Errorf("knowledge: empty document id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimensions == 0 {
		s.dimensions = len(embedding)
	}
	if len(embedding) != s.dimensions {
		return fmt.Errorf("knowledge: embedding has %d dimensions, store is fixed at %d", len(embedding), s.dimensions)
	}
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	s.docs[id] = &memoryDoc{
		document:  document,
		embedding: append([]float32(nil), embedding...),
		metadata:  meta,
	}
	return nil
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, embedding []float32, k int, scalarFilter map[string]any, textFilter string) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]Hit, 0, k)
	for id, doc := range s.docs {
		if len(scalarFilter) > 0 && !matchesScalarFilter(doc.metadata, scalarFilter) {
			continue
		}
		if textFilter != "" && !strings.Contains(doc.document, textFilter) {
			continue
		}
		meta := make(map[string]any, len(doc.metadata))
		for mk, mv := range doc.metadata {
			meta[mk] = mv
		}
		hits = append(hits, Hit{
			ID:         id,
			Document:   doc.document,
			Metadata:   meta,
			Similarity: cosineSimilarity(embedding, doc.embedding),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (string, map[string]any, []float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return "", nil, nil, ErrNotFound
	}
	meta := make(map[string]any, len(doc.metadata))
	for k, v := range doc.metadata {
		meta[k] = v
	}
	return doc.document, meta, append([]float32(nil), doc.embedding...), nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

// Aggregate implements Store with a single full scan.
func (s *MemoryStore) Aggregate(_ context.Context) (*Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := &Aggregate{
		TotalDocuments: len(s.docs),
		ByTestType:     make(map[string]int),
		ByBrowser:      make(map[string]int),
	}
	var durTotal float64
	var durCount int
	for _, doc := range s.docs {
		aggregateDoc(agg, doc.metadata, &durTotal, &durCount)
	}
	if durCount > 0 {
		agg.AvgDurationMs = durTotal / float64(durCount)
	}
	return agg, nil
}

// aggregateDoc folds one document's metadata into the aggregate. Shared with
// the postgres store's scan.
func aggregateDoc(agg *Aggregate, meta map[string]any, durTotal *float64, durCount *int) {
	if tt, ok := meta["testType"].(string); ok && tt != "" {
		agg.ByTestType[tt]++
	}
	if br, ok := meta["browser"].(string); ok && br != "" {
		agg.ByBrowser[br]++
	}
	if success, ok := meta["success"].(bool); ok {
		if success {
			agg.Passed++
		} else {
			agg.Failed++
		}
	}
	if d, ok := toFloat(meta["durationMs"]); ok {
		*durTotal += d
		*durCount++
	}
	if ts, ok := toFloat(meta["timestamp"]); ok {
		t := time.UnixMilli(int64(ts)).UTC()
		if agg.Earliest.IsZero() || t.Before(agg.Earliest) {
			agg.Earliest = t
		}
		if t.After(agg.Latest) {
			agg.Latest = t
		}
	}
}

var _ Store = (*MemoryStore)(nil)
