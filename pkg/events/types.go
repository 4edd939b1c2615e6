// Package events provides the in-process event bus carrying live execution
// progress from the executor and orchestrator to the status tracker, the
// websocket feed and the log.
package events

import "time"

// EventType identifies a live event.
type EventType string

// Event type constants. Within one run, events are published in ordinal
// order; subscribers observe them in publish order.
const (
	TypeRunStart          EventType = "run.start"
	TypeRunEnd            EventType = "run.end"
	TypeStepStart         EventType = "step.start"
	TypeStepPass          EventType = "step.pass"
	TypeStepFail          EventType = "step.fail"
	TypeCorrectionApplied EventType = "correction.applied"
	TypeSuiteStart        EventType = "suite.start"
	TypeSuiteEnd          EventType = "suite.end"
	TypeTestQueued        EventType = "test.queued"
	TypeTestStart         EventType = "test.start"
	TypeTestEnd           EventType = "test.end"
	TypeTriggerDispatched EventType = "trigger.dispatched"
	TypeTriggerRejected   EventType = "trigger.rejected"
)

// Event is one bus message. Payload is one of the typed payload structs in
// payloads.go, keyed by Type.
type Event struct {
	Type      EventType `json:"type"`
	SuiteID   string    `json:"suite_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}
