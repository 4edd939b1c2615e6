package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/testpilot-ai/testpilot/pkg/models"
)

// RunStore persists runs and their artifacts, one directory per run.
type RunStore struct {
	root *Root
}

// Runs returns the run store.
func (r *Root) Runs() *RunStore { return &RunStore{root: r} }

func (s *RunStore) runDir(runID string) string {
	return filepath.Join(s.root.dir, "runs", runID)
}

// SaveScreenshot writes a failure screenshot and returns its path relative to
// the storage root. Implements executor.ArtifactSink.
func (s *RunStore) SaveScreenshot(runID string, ordinal int, takenAt time.Time, png []byte) (string, error) {
	if err := safeID(runID); err != nil {
		return "", err
	}
	dir := s.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	name := fmt.Sprintf("step_%d_failure_%d.png", ordinal, takenAt.UTC().UnixMilli())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	rel, err := filepath.Rel(s.root.dir, path)
	if err != nil {
		return path, nil
	}
	return rel, nil
}

// SaveReport writes the run's report.json. Implements executor.ArtifactSink.
func (s *RunStore) SaveReport(run *models.Run) error {
	if err := safeID(run.RunID); err != nil {
		return err
	}
	dir := s.runDir(run.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	if run.Artifacts.Dir == "" {
		if rel, err := filepath.Rel(s.root.dir, dir); err == nil {
			run.Artifacts.Dir = rel
		}
	}
	return writeJSON(filepath.Join(dir, "report.json"), run)
}

// Run loads a run's report by id.
func (s *RunStore) Run(_ context.Context, runID string) (*models.Run, error) {
	if err := safeID(runID); err != nil {
		return nil, err
	}
	var run models.Run
	if err := readJSON(filepath.Join(s.runDir(runID), "report.json"), &run); err != nil {
		if err == ErrNotFound {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, err
	}
	return &run, nil
}

// List returns stored runs, newest first, optionally filtered by plan id.
func (s *RunStore) List(ctx context.Context, planID string) ([]*models.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.root.dir, "runs"))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var runs []*models.Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := s.Run(ctx, entry.Name())
		if err != nil {
			// A run directory without a report is in flight; skip it.
			continue
		}
		if planID != "" && run.PlanID != planID {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// ScreenshotPath resolves a screenshot ref from a run report to an absolute
// path under the storage root.
func (s *RunStore) ScreenshotPath(ref string) string {
	return filepath.Join(s.root.dir, filepath.FromSlash(ref))
}

func removeFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}
