// Package trigger matches ingress events (manual, schedule tick, VCS push)
// against stored trigger definitions and enqueues suite runs. Duplicate VCS
// events on the same commit are deduplicated by triggerId:commitSha; queue
// saturation is reported back as a rejection, never buffered unbounded.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/testpilot-ai/testpilot/pkg/events"
	"github.com/testpilot-ai/testpilot/pkg/models"
	"github.com/testpilot-ai/testpilot/pkg/orchestrator"
)

// ErrDuplicate reports a VCS event already dispatched for the same trigger
// and commit.
var ErrDuplicate = errors.New("trigger: duplicate event")

// Store is the trigger persistence contract. Satisfied by
// *storage.TriggerStore.
type Store interface {
	Trigger(ctx context.Context, id string) (*models.Trigger, error)
	List(ctx context.Context) ([]*models.Trigger, error)
	Save(ctx context.Context, trigger *models.Trigger) error
	SaveExecution(ctx context.Context, exec *models.TriggerExecution) error
}

// SuiteLauncher enqueues suite runs. Satisfied by *orchestrator.Launcher.
type SuiteLauncher interface {
	EnqueueSuite(ctx context.Context, suiteID string, opts orchestrator.Options) (string, error)
}

// Dispatcher evaluates ingress events against trigger definitions.
type Dispatcher struct {
	store     Store
	launcher  SuiteLauncher
	publisher *events.Publisher
	log       *slog.Logger

	mu        sync.Mutex
	seen      map[string]bool      // dedupe key -> dispatched
	lastFired map[string]time.Time // schedule trigger id -> last fire
}

// New creates a dispatcher.
func New(store Store, launcher SuiteLauncher, publisher *events.Publisher, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if publisher == nil {
		publisher = events.NewPublisher(nil, log)
	}
	return &Dispatcher{
		store:     store,
		launcher:  launcher,
		publisher: publisher,
		log:       log,
		seen:      make(map[string]bool),
		lastFired: make(map[string]time.Time),
	}
}

// Manual fires a trigger immediately, bypassing match conditions.
func (d *Dispatcher) Manual(ctx context.Context, triggerID string) (*models.TriggerExecution, error) {
	trigger, err := d.store.Trigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	if !trigger.Enabled {
		return d.record(ctx, trigger, "", models.ExecutionRejected, "trigger disabled", nil), nil
	}
	return d.dispatch(ctx, trigger, ""), nil
}

// ScheduleTick scans schedule triggers whose next fire time is at or before
// now and dispatches each at most once per schedule slot.
func (d *Dispatcher) ScheduleTick(ctx context.Context, now time.Time) []*models.TriggerExecution {
	triggers, err := d.store.List(ctx)
	if err != nil {
		d.log.Warn("Schedule scan failed", "error", err)
		return nil
	}
	var out []*models.TriggerExecution
	for _, trigger := range triggers {
		if trigger.TriggerType != models.TriggerSchedule || !trigger.Enabled {
			continue
		}
		if !d.scheduleDue(trigger, now) {
			continue
		}
		out = append(out, d.dispatch(ctx, trigger, ""))
	}
	return out
}

// scheduleDue reports whether the trigger's schedule has a fire time in
// (lastFired, now] and advances lastFired when it does.
func (d *Dispatcher) scheduleDue(trigger *models.Trigger, now time.Time) bool {
	d.mu.Lock()
	last, ok := d.lastFired[trigger.ID]
	d.mu.Unlock()
	if !ok {
		last = trigger.CreatedAt
		if last.IsZero() {
			last = now.Add(-time.Minute)
		}
	}
	next, err := trigger.NextFire(last)
	if err != nil {
		d.log.Warn("Invalid trigger schedule", "trigger_id", trigger.ID, "error", err)
		return false
	}
	if next.After(now) {
		return false
	}
	d.mu.Lock()
	d.lastFired[trigger.ID] = now
	d.mu.Unlock()
	return true
}

// VCSEvent matches push triggers against a normalised VCS event. Each
// matching trigger dispatches at most once per commit.
func (d *Dispatcher) VCSEvent(ctx context.Context, ev models.VCSEvent) []*models.TriggerExecution {
	triggers, err := d.store.List(ctx)
	if err != nil {
		d.log.Warn("Trigger scan failed", "error", err)
		return nil
	}
	var out []*models.TriggerExecution
	for _, trigger := range triggers {
		if trigger.TriggerType != models.TriggerPush || !trigger.Enabled {
			continue
		}
		if !Matches(&trigger.MatchConditions, ev) {
			continue
		}
		dedupeKey := fmt.Sprintf("%s:%s", trigger.ID, ev.CommitSha)
		if ev.CommitSha != "" && !d.claim(dedupeKey) {
			out = append(out, d.record(ctx, trigger, dedupeKey, models.ExecutionDuplicate, "already dispatched for this commit", nil))
			continue
		}
		out = append(out, d.dispatch(ctx, trigger, dedupeKey))
	}
	return out
}

// claim reserves a dedupe key; returns false when already taken.
func (d *Dispatcher) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

// dispatch enqueues a suite run per target suite and records the history row.
func (d *Dispatcher) dispatch(ctx context.Context, trigger *models.Trigger, dedupeKey string) *models.TriggerExecution {
	opts := orchestrator.DefaultOptions()
	if trigger.ExecutionOptions.Parallel {
		opts.Mode = orchestrator.ModeParallel
	}
	if trigger.ExecutionOptions.MaxConcurrent > 0 {
		opts.MaxConcurrent = trigger.ExecutionOptions.MaxConcurrent
	}
	if trigger.ExecutionOptions.TimeoutMs > 0 {
		opts.PlanOptions.RunTimeout = time.Duration(trigger.ExecutionOptions.TimeoutMs) * time.Millisecond
	}
	if trigger.ExecutionOptions.RetryOnFailure && trigger.ExecutionOptions.MaxRetries > 0 {
		opts.PlanOptions.MaxStepRetries = trigger.ExecutionOptions.MaxRetries
	}

	var summaries []models.SuiteRunSummary
	for _, suiteID := range trigger.TargetSuiteIDs {
		suiteRunID, err := d.launcher.EnqueueSuite(ctx, suiteID, opts)
		if err != nil {
			if errors.Is(err, orchestrator.ErrQueueFull) {
				d.releaseClaim(dedupeKey)
				return d.record(ctx, trigger, dedupeKey, models.ExecutionRejected, "queue_full", summaries)
			}
			d.log.Warn("Suite enqueue failed", "trigger_id", trigger.ID, "suite_id", suiteID, "error", err)
			summaries = append(summaries, models.SuiteRunSummary{SuiteID: suiteID})
			continue
		}
		summaries = append(summaries, models.SuiteRunSummary{SuiteID: suiteID, SuiteRunID: suiteRunID})
	}

	d.publisher.TriggerDispatched(events.TriggerPayload{
		TriggerID: trigger.ID,
		DedupeKey: dedupeKey,
		SuiteIDs:  trigger.TargetSuiteIDs,
	})
	return d.record(ctx, trigger, dedupeKey, models.ExecutionDispatched, "", summaries)
}

// releaseClaim frees a dedupe key so a rejected event can be retried.
func (d *Dispatcher) releaseClaim(key string) {
	if key == "" {
		return
	}
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// record writes the execution history row and updates trigger stats,
// best-effort.
func (d *Dispatcher) record(ctx context.Context, trigger *models.Trigger, dedupeKey string, status models.ExecutionStatus, reason string, suites []models.SuiteRunSummary) *models.TriggerExecution {
	now := time.Now().UTC()
	exec := &models.TriggerExecution{
		ID:        uuid.New().String(),
		TriggerID: trigger.ID,
		DedupeKey: dedupeKey,
		Status:    status,
		Reason:    reason,
		StartedAt: now,
		Suites:    suites,
	}
	if err := d.store.SaveExecution(ctx, exec); err != nil {
		d.log.Warn("Trigger execution record failed", "trigger_id", trigger.ID, "error", err)
	}

	switch status {
	case models.ExecutionDispatched:
		trigger.Stats.TotalDispatches++
		trigger.Stats.LastFiredAt = &now
	case models.ExecutionDuplicate:
		trigger.Stats.Duplicates++
	case models.ExecutionRejected:
		trigger.Stats.Rejected++
		d.publisher.TriggerRejected(events.TriggerPayload{TriggerID: trigger.ID, DedupeKey: dedupeKey, Reason: reason})
	}
	if err := d.store.Save(ctx, trigger); err != nil {
		d.log.Warn("Trigger stats update failed", "trigger_id", trigger.ID, "error", err)
	}
	return exec
}

// Matches evaluates push-trigger conditions against a VCS event.
func Matches(cond *models.MatchConditions, ev models.VCSEvent) bool {
	if len(cond.Branches) > 0 && !anyGlob(cond.Branches, []string{ev.Branch}) {
		return false
	}
	if len(cond.SkipPatterns) > 0 && allMatch(cond.SkipPatterns, ev.ChangedFiles) {
		return false
	}
	if len(cond.FilePatterns) > 0 && !anyGlob(cond.FilePatterns, ev.ChangedFiles) {
		return false
	}
	if cond.CommitMessageRegex != "" {
		re, err := regexp.Compile(cond.CommitMessageRegex)
		if err != nil || !re.MatchString(ev.CommitMessage) {
			return false
		}
	}
	return true
}

// anyGlob reports whether any value matches any pattern.
func anyGlob(patterns, values []string) bool {
	for _, pattern := range patterns {
		for _, value := range values {
			if ok, err := doublestar.Match(pattern, value); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// allMatch reports whether every value matches at least one pattern. An
// event whose files are all skipped does not fire.
func allMatch(patterns, values []string) bool {
	if len(values) == 0 {
		return false
	}
	for _, value := range values {
		matched := false
		for _, pattern := range patterns {
			if ok, err := doublestar.Match(pattern, value); err == nil && ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
