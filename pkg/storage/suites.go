package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/testpilot-ai/testpilot/pkg/models"
)

// SuiteStore persists suites, one JSON file per suite.
type SuiteStore struct {
	root *Root
}

// Suites returns the suite store.
func (r *Root) Suites() *SuiteStore { return &SuiteStore{root: r} }

func (s *SuiteStore) path(id string) string {
	return filepath.Join(s.root.dir, "suites", id+".json")
}

// Save validates and writes a suite.
func (s *SuiteStore) Save(_ context.Context, suite *models.Suite) error {
	if err := suite.Validate(); err != nil {
		return err
	}
	if err := safeID(suite.ID); err != nil {
		return err
	}
	if suite.CreatedAt.IsZero() {
		suite.CreatedAt = time.Now().UTC()
	}
	suite.UpdatedAt = time.Now().UTC()
	return writeJSON(s.path(suite.ID), suite)
}

// Suite loads a suite by id.
func (s *SuiteStore) Suite(_ context.Context, id string) (*models.Suite, error) {
	if err := safeID(id); err != nil {
		return nil, err
	}
	var suite models.Suite
	if err := readJSON(s.path(id), &suite); err != nil {
		if err == ErrNotFound {
			return nil, fmt.Errorf("suite %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &suite, nil
}

// List returns every stored suite ordered by creation time, then id.
func (s *SuiteStore) List(ctx context.Context) ([]*models.Suite, error) {
	ids, err := listJSONIDs(filepath.Join(s.root.dir, "suites"))
	if err != nil {
		return nil, err
	}
	suites := make([]*models.Suite, 0, len(ids))
	for _, id := range ids {
		suite, err := s.Suite(ctx, id)
		if err != nil {
			return nil, err
		}
		suites = append(suites, suite)
	}
	sort.Slice(suites, func(i, j int) bool {
		if !suites[i].CreatedAt.Equal(suites[j].CreatedAt) {
			return suites[i].CreatedAt.Before(suites[j].CreatedAt)
		}
		return suites[i].ID < suites[j].ID
	})
	return suites, nil
}

// ChildSuites returns the direct children of a suite in stored order.
// Implements orchestrator.SuiteSource.
func (s *SuiteStore) ChildSuites(ctx context.Context, parentID string) ([]*models.Suite, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var children []*models.Suite
	for _, suite := range all {
		if suite.ParentID == parentID {
			children = append(children, suite)
		}
	}
	return children, nil
}

// Delete removes a suite definition.
func (s *SuiteStore) Delete(_ context.Context, id string) error {
	if err := safeID(id); err != nil {
		return err
	}
	return removeFile(s.path(id))
}
