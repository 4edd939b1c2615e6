package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/testpilot-ai/testpilot/pkg/models"
)

// TriggerStore persists trigger definitions and their execution history.
type TriggerStore struct {
	root *Root
}

// Triggers returns the trigger store.
func (r *Root) Triggers() *TriggerStore { return &TriggerStore{root: r} }

func (s *TriggerStore) path(id string) string {
	return filepath.Join(s.root.dir, "triggers", id+".json")
}

// Save validates and writes a trigger definition.
func (s *TriggerStore) Save(_ context.Context, trigger *models.Trigger) error {
	if err := trigger.Validate(); err != nil {
		return err
	}
	if err := safeID(trigger.ID); err != nil {
		return err
	}
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = time.Now().UTC()
	}
	trigger.UpdatedAt = time.Now().UTC()
	return writeJSON(s.path(trigger.ID), trigger)
}

// Trigger loads a trigger by id.
func (s *TriggerStore) Trigger(_ context.Context, id string) (*models.Trigger, error) {
	if err := safeID(id); err != nil {
		return nil, err
	}
	var trigger models.Trigger
	if err := readJSON(s.path(id), &trigger); err != nil {
		if err == ErrNotFound {
			return nil, fmt.Errorf("trigger %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &trigger, nil
}

// List returns every stored trigger ordered by id.
func (s *TriggerStore) List(ctx context.Context) ([]*models.Trigger, error) {
	ids, err := listJSONIDs(filepath.Join(s.root.dir, "triggers"))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	triggers := make([]*models.Trigger, 0, len(ids))
	for _, id := range ids {
		trigger, err := s.Trigger(ctx, id)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	return triggers, nil
}

// Delete removes a trigger definition.
func (s *TriggerStore) Delete(_ context.Context, id string) error {
	if err := safeID(id); err != nil {
		return err
	}
	return removeFile(s.path(id))
}

// SaveExecution appends a trigger execution history row.
func (s *TriggerStore) SaveExecution(_ context.Context, exec *models.TriggerExecution) error {
	if err := safeID(exec.ID); err != nil {
		return err
	}
	return writeJSON(filepath.Join(s.root.dir, "executions", exec.ID+".json"), exec)
}

// Executions returns the history rows for one trigger, newest first.
func (s *TriggerStore) Executions(_ context.Context, triggerID string) ([]*models.TriggerExecution, error) {
	ids, err := listJSONIDs(filepath.Join(s.root.dir, "executions"))
	if err != nil {
		return nil, err
	}
	var out []*models.TriggerExecution
	for _, id := range ids {
		var exec models.TriggerExecution
		if err := readJSON(filepath.Join(s.root.dir, "executions", id+".json"), &exec); err != nil {
			return nil, err
		}
		if exec.TriggerID == triggerID {
			out = append(out, &exec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}
