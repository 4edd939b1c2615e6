// Package storage persists suites, runs, artifacts and trigger definitions
// as JSON files under a single storage root:
//
//	suites/<suiteId>.json
//	runs/<runId>/report.json
//	runs/<runId>/step_<ordinal>_failure_<timestamp>.png
//	triggers/<triggerId>.json
//	executions/<executionId>.json
//
// All records are UTF-8 JSON with RFC 3339 UTC timestamps. Writes go through
// a temp-file rename so readers never observe a torn file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned for unknown ids.
var ErrNotFound = errors.New("storage: not found")

// Root anchors all storage directories.
type Root struct {
	dir string
}

// Open creates the storage root and its subdirectories.
func Open(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage root directory is required")
	}
	for _, sub := range []string{"suites", "runs", "triggers", "executions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	return &Root{dir: dir}, nil
}

// Dir returns the root directory.
func (r *Root) Dir() string { return r.dir }

// TriggersDir returns the trigger definitions directory (watched for hot
// reload).
func (r *Root) TriggersDir() string { return filepath.Join(r.dir, "triggers") }

// writeJSON marshals v and atomically replaces path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readJSON unmarshals path into v, mapping missing files to ErrNotFound.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// safeID rejects ids that would escape the storage directory.
func safeID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("id %q contains path separators", id)
	}
	return nil
}

// listJSONIDs returns the basenames of all .json files in dir.
func listJSONIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", filepath.Base(dir), err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
