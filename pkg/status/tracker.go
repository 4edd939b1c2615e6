// Package status maintains the process-wide live view of suites in flight.
// The executor and orchestrator push transitions; pollers read immutable
// snapshots. Completed suites stay visible for a TTL, then are erased.
package status

import (
	"sync"
	"time"
)

// SuiteStatus is the lifecycle state of a tracked suite.
type SuiteStatus string

// Suite status constants.
const (
	SuiteIdle      SuiteStatus = "idle"
	SuiteRunning   SuiteStatus = "running"
	SuiteCompleted SuiteStatus = "completed"
)

// TestStatus is the live state of one test within a suite.
type TestStatus string

// Test status constants.
const (
	TestQueued  TestStatus = "queued"
	TestRunning TestStatus = "running"
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
)

// DefaultTTL keeps completed suites pollable after suiteEnd.
const DefaultTTL = 5 * time.Minute

// Counts buckets tests by live status. Runs that errored count as failed
// here; the run record carries the distinction.
type Counts struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
}

// Progress summarises completion. Percentage is floor(100*(passed+failed)/total).
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// TestState is the live state of one test.
type TestState struct {
	PlanID      string     `json:"plan_id"`
	PlanName    string     `json:"plan_name"`
	Status      TestStatus `json:"status"`
	CurrentStep int        `json:"current_step,omitempty"`
	TotalSteps  int        `json:"total_steps,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// Snapshot is an immutable copy of a suite's live state.
type Snapshot struct {
	SuiteID   string      `json:"suite_id,omitempty"`
	Status    SuiteStatus `json:"status"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Progress  Progress    `json:"progress"`
	Counts    Counts      `json:"counts"`
	Tests     []TestState `json:"tests,omitempty"`
}

type suiteState struct {
	mu        sync.Mutex
	suiteID   string
	status    SuiteStatus
	startedAt time.Time
	endedAt   time.Time
	order     []string
	tests     map[string]*TestState
	eraser    *time.Timer
}

// TestRef identifies one test registered at suite start.
type TestRef struct {
	PlanID   string
	PlanName string
	Steps    int
}

// Tracker is the process-wide live-status map. All mutations serialize per
// suite; reads copy.
type Tracker struct {
	mu     sync.RWMutex
	suites map[string]*suiteState
	ttl    time.Duration
}

// NewTracker creates a tracker with the default TTL.
func NewTracker() *Tracker {
	return NewTrackerWithTTL(DefaultTTL)
}

// NewTrackerWithTTL creates a tracker erasing completed suites after ttl.
func NewTrackerWithTTL(ttl time.Duration) *Tracker {
	return &Tracker{suites: make(map[string]*suiteState), ttl: ttl}
}

func (t *Tracker) get(suiteID string) *suiteState {
	t.mu.RLock()
	s := t.suites[suiteID]
	t.mu.RUnlock()
	return s
}

// SuiteStart registers a suite and its queued tests. A restart of a tracked
// suite replaces the previous state.
func (t *Tracker) SuiteStart(suiteID string, tests []TestRef) {
	s := &suiteState{
		suiteID:   suiteID,
		status:    SuiteRunning,
		startedAt: time.Now(),
		tests:     make(map[string]*TestState, len(tests)),
	}
	for _, ref := range tests {
		s.order = append(s.order, ref.PlanID)
		s.tests[ref.PlanID] = &TestState{
			PlanID:     ref.PlanID,
			PlanName:   ref.PlanName,
			Status:     TestQueued,
			TotalSteps: ref.Steps,
		}
	}
	t.mu.Lock()
	if prev := t.suites[suiteID]; prev != nil && prev.eraser != nil {
		prev.eraser.Stop()
	}
	t.suites[suiteID] = s
	t.mu.Unlock()
}

// TestStart marks a test running.
func (t *Tracker) TestStart(suiteID, planID string) {
	s := t.get(suiteID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts := s.tests[planID]; ts != nil {
		now := time.Now()
		ts.Status = TestRunning
		ts.StartedAt = &now
	}
}

// StepProgress updates the current step of a running test.
func (t *Tracker) StepProgress(suiteID, planID string, currentStep int) {
	s := t.get(suiteID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts := s.tests[planID]; ts != nil {
		ts.CurrentStep = currentStep
	}
}

// TestEnd marks a test finished. passed=false covers both failed and errored
// runs.
func (t *Tracker) TestEnd(suiteID, planID string, passed bool, durationMs int64) {
	s := t.get(suiteID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tests[planID]
	if ts == nil {
		return
	}
	if passed {
		ts.Status = TestPassed
	} else {
		ts.Status = TestFailed
	}
	ts.DurationMs = durationMs
	ts.CurrentStep = ts.TotalSteps
}

// SuiteEnd marks the suite completed and schedules its erasure after the
// TTL. Counts are frozen from this point.
func (t *Tracker) SuiteEnd(suiteID string) {
	s := t.get(suiteID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.status = SuiteCompleted
	s.endedAt = time.Now()
	s.mu.Unlock()

	if t.ttl <= 0 {
		return
	}
	timer := time.AfterFunc(t.ttl, func() {
		t.mu.Lock()
		if cur := t.suites[suiteID]; cur == s {
			delete(t.suites, suiteID)
		}
		t.mu.Unlock()
	})
	t.mu.Lock()
	s.eraser = timer
	t.mu.Unlock()
}

// Snapshot returns the current state of a suite; unknown suites report idle.
func (t *Tracker) Snapshot(suiteID string) Snapshot {
	s := t.get(suiteID)
	if s == nil {
		return Snapshot{SuiteID: suiteID, Status: SuiteIdle}
	}
	return s.snapshot()
}

// ActiveSnapshots returns all tracked non-idle suites.
func (t *Tracker) ActiveSnapshots() map[string]Snapshot {
	t.mu.RLock()
	states := make([]*suiteState, 0, len(t.suites))
	for _, s := range t.suites {
		states = append(states, s)
	}
	t.mu.RUnlock()

	out := make(map[string]Snapshot, len(states))
	for _, s := range states {
		out[s.suiteID] = s.snapshot()
	}
	return out
}

func (s *suiteState) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SuiteID: s.suiteID,
		Status:  s.status,
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		snap.StartedAt = &started
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	for _, planID := range s.order {
		ts := s.tests[planID]
		copyTS := *ts
		if ts.StartedAt != nil {
			started := *ts.StartedAt
			copyTS.StartedAt = &started
		}
		snap.Tests = append(snap.Tests, copyTS)
		switch ts.Status {
		case TestQueued:
			snap.Counts.Queued++
		case TestRunning:
			snap.Counts.Running++
		case TestPassed:
			snap.Counts.Passed++
		case TestFailed:
			snap.Counts.Failed++
		}
	}
	total := len(s.order)
	completed := snap.Counts.Passed + snap.Counts.Failed
	snap.Progress = Progress{
		Completed: completed,
		Total:     total,
	}
	if total > 0 {
		snap.Progress.Percentage = 100 * completed / total
	}
	return snap
}
