package events

import (
	"log/slog"
	"sync"
	"time"
)

// Bus is a non-blocking fan-out event bus. Publishers never block: a
// subscriber whose buffer is full misses events, which is acceptable for a
// live feed — the status tracker keeps authoritative state and polling
// clients reconcile from snapshots.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function must be called to release the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall execution.
		}
	}
}

// Publisher wraps the bus with typed publish methods and emits the one-line
// live log entry per state transition.
type Publisher struct {
	bus *Bus
	log *slog.Logger
}

// NewPublisher creates a publisher. bus may be nil, in which case only the
// live log is emitted.
func NewPublisher(bus *Bus, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{bus: bus, log: log}
}

func (p *Publisher) publish(ev Event) {
	if p == nil {
		return
	}
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}

// RunStart emits run.start.
func (p *Publisher) RunStart(suiteID, runID, planID, planName string) {
	p.log.Info("Run started", "run_id", runID, "plan_id", planID, "plan", planName)
	p.publish(Event{Type: TypeRunStart, SuiteID: suiteID, RunID: runID, PlanID: planID})
}

// RunEnd emits run.end.
func (p *Publisher) RunEnd(suiteID, runID, planID string, payload RunEndPayload) {
	p.log.Info("Run finished", "run_id", runID, "outcome", payload.Outcome,
		"passed", payload.Passed, "failed", payload.Failed, "duration_ms", payload.DurationMs)
	p.publish(Event{Type: TypeRunEnd, SuiteID: suiteID, RunID: runID, PlanID: planID, Payload: payload})
}

// StepStart emits step.start.
func (p *Publisher) StepStart(suiteID, runID, planID string, payload StepStartPayload) {
	p.log.Info("Step started", "run_id", runID, "ordinal", payload.Ordinal, "kind", payload.Kind, "attempt", payload.Attempt)
	p.publish(Event{Type: TypeStepStart, SuiteID: suiteID, RunID: runID, PlanID: planID, Payload: payload})
}

// StepPass emits step.pass.
func (p *Publisher) StepPass(suiteID, runID, planID string, payload StepEndPayload) {
	p.log.Info("Step passed", "run_id", runID, "ordinal", payload.Ordinal, "duration_ms", payload.DurationMs)
	p.publish(Event{Type: TypeStepPass, SuiteID: suiteID, RunID: runID, PlanID: planID, Payload: payload})
}

// StepFail emits step.fail.
func (p *Publisher) StepFail(suiteID, runID, planID string, payload StepEndPayload) {
	p.log.Warn("Step failed", "run_id", runID, "ordinal", payload.Ordinal,
		"error_kind", payload.ErrorKind, "error", payload.ErrorMessage)
	p.publish(Event{Type: TypeStepFail, SuiteID: suiteID, RunID: runID, PlanID: planID, Payload: payload})
}

// CorrectionApplied emits correction.applied.
func (p *Publisher) CorrectionApplied(suiteID, runID, planID string, payload CorrectionPayload) {
	p.log.Info("Selector correction applied", "run_id", runID, "ordinal", payload.Ordinal,
		"source", payload.Source, "from", payload.OriginalTarget, "to", payload.CorrectedTarget)
	p.publish(Event{Type: TypeCorrectionApplied, SuiteID: suiteID, RunID: runID, PlanID: planID, Payload: payload})
}

// SuiteStart emits suite.start.
func (p *Publisher) SuiteStart(suiteID string, total int) {
	p.log.Info("Suite started", "suite_id", suiteID, "total_tests", total)
	p.publish(Event{Type: TypeSuiteStart, SuiteID: suiteID, Payload: map[string]int{"total": total}})
}

// SuiteEnd emits suite.end.
func (p *Publisher) SuiteEnd(suiteID string, payload SuiteEndPayload) {
	p.log.Info("Suite finished", "suite_id", suiteID,
		"passed", payload.Passed, "failed", payload.Failed, "errored", payload.Errored)
	p.publish(Event{Type: TypeSuiteEnd, SuiteID: suiteID, Payload: payload})
}

// TestQueued emits test.queued.
func (p *Publisher) TestQueued(suiteID string, payload TestTransitionPayload) {
	p.publish(Event{Type: TypeTestQueued, SuiteID: suiteID, PlanID: payload.PlanID, Payload: payload})
}

// TestStart emits test.start.
func (p *Publisher) TestStart(suiteID string, payload TestTransitionPayload) {
	p.log.Info("Test started", "suite_id", suiteID, "plan_id", payload.PlanID)
	p.publish(Event{Type: TypeTestStart, SuiteID: suiteID, PlanID: payload.PlanID, Payload: payload})
}

// TestEnd emits test.end.
func (p *Publisher) TestEnd(suiteID string, payload TestTransitionPayload) {
	p.log.Info("Test finished", "suite_id", suiteID, "plan_id", payload.PlanID, "status", payload.Status)
	p.publish(Event{Type: TypeTestEnd, SuiteID: suiteID, PlanID: payload.PlanID, Payload: payload})
}

// TriggerDispatched emits trigger.dispatched.
func (p *Publisher) TriggerDispatched(payload TriggerPayload) {
	p.log.Info("Trigger dispatched", "trigger_id", payload.TriggerID, "suites", payload.SuiteIDs)
	p.publish(Event{Type: TypeTriggerDispatched, Payload: payload})
}

// TriggerRejected emits trigger.rejected.
func (p *Publisher) TriggerRejected(payload TriggerPayload) {
	p.log.Warn("Trigger rejected", "trigger_id", payload.TriggerID, "reason", payload.Reason)
	p.publish(Event{Type: TypeTriggerRejected, Payload: payload})
}
