package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerType identifies the ingress event class a trigger reacts to.
type TriggerType string

// Trigger type constants.
const (
	TriggerPush     TriggerType = "push"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
	TriggerManual   TriggerType = "manual"
)

var validTriggerTypes = map[TriggerType]bool{
	TriggerPush:     true,
	TriggerSchedule: true,
	TriggerWebhook:  true,
	TriggerManual:   true,
}

// MatchConditions filter ingress events before a trigger fires.
type MatchConditions struct {
	Branches           []string `json:"branches,omitempty"`
	FilePatterns       []string `json:"file_patterns,omitempty"`
	SkipPatterns       []string `json:"skip_patterns,omitempty"`
	CommitMessageRegex string   `json:"commit_message_regex,omitempty"`
	Schedule           string   `json:"schedule,omitempty"`
}

// ExecutionOptions configure how a trigger's suite runs are executed.
type ExecutionOptions struct {
	Parallel       bool  `json:"parallel"`
	MaxConcurrent  int   `json:"max_concurrent,omitempty"`
	TimeoutMs      int64 `json:"timeout_ms,omitempty"`
	RetryOnFailure bool  `json:"retry_on_failure"`
	MaxRetries     int   `json:"max_retries,omitempty"`
}

// TriggerStats aggregates dispatch history for a trigger.
type TriggerStats struct {
	TotalDispatches int        `json:"total_dispatches"`
	Duplicates      int        `json:"duplicates"`
	Rejected        int        `json:"rejected"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`
}

// Trigger maps external events to suite runs.
type Trigger struct {
	ID               string           `json:"id"`
	Enabled          bool             `json:"enabled"`
	TriggerType      TriggerType      `json:"trigger_type"`
	MatchConditions  MatchConditions  `json:"match_conditions"`
	TargetSuiteIDs   []string         `json:"target_suite_ids"`
	ExecutionOptions ExecutionOptions `json:"execution_options"`
	Stats            TriggerStats     `json:"stats"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Validate checks trigger structural invariants, including that the schedule
// expression parses and the commit-message regex compiles.
func (t *Trigger) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trigger id is required")
	}
	if !validTriggerTypes[t.TriggerType] {
		return fmt.Errorf("trigger %s: unknown type %q", t.ID, t.TriggerType)
	}
	if len(t.TargetSuiteIDs) == 0 {
		return fmt.Errorf("trigger %s: at least one target suite is required", t.ID)
	}
	if t.TriggerType == TriggerSchedule {
		if t.MatchConditions.Schedule == "" {
			return fmt.Errorf("trigger %s: schedule trigger requires a schedule expression", t.ID)
		}
		if _, err := cron.ParseStandard(t.MatchConditions.Schedule); err != nil {
			return fmt.Errorf("trigger %s: invalid schedule %q: %w", t.ID, t.MatchConditions.Schedule, err)
		}
	}
	if re := t.MatchConditions.CommitMessageRegex; re != "" {
		if _, err := regexp.Compile(re); err != nil {
			return fmt.Errorf("trigger %s: invalid commit message regex: %w", t.ID, err)
		}
	}
	return nil
}

// NextFire returns the next schedule fire time strictly after the given time.
// Only meaningful for schedule triggers.
func (t *Trigger) NextFire(after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(t.MatchConditions.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ExecutionStatus is the recorded outcome of one trigger dispatch attempt.
type ExecutionStatus string

// Execution status constants.
const (
	ExecutionDispatched ExecutionStatus = "dispatched"
	ExecutionDuplicate  ExecutionStatus = "duplicate"
	ExecutionRejected   ExecutionStatus = "rejected"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
)

// SuiteRunSummary is the per-suite outcome of a dispatched execution.
type SuiteRunSummary struct {
	SuiteID    string `json:"suite_id"`
	SuiteRunID string `json:"suite_run_id,omitempty"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Total      int    `json:"total"`
}

// TriggerExecution is one history row per dispatch (or rejection).
type TriggerExecution struct {
	ID        string            `json:"id"`
	TriggerID string            `json:"trigger_id"`
	DedupeKey string            `json:"dedupe_key,omitempty"`
	Status    ExecutionStatus   `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Suites    []SuiteRunSummary `json:"suites,omitempty"`
}

// VCSEvent is a normalised version-control ingress event.
type VCSEvent struct {
	Provider      string   `json:"provider"`
	Branch        string   `json:"branch"`
	CommitSha     string   `json:"commit_sha"`
	ChangedFiles  []string `json:"changed_files"`
	CommitMessage string   `json:"commit_message"`
}
