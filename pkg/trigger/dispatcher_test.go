package trigger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testpilot-ai/testpilot/pkg/models"
	"github.com/testpilot-ai/testpilot/pkg/orchestrator"
)

// memStore keeps triggers and execution history in memory.
type memStore struct {
	mu       sync.Mutex
	triggers map[string]*models.Trigger
	execs    []*models.TriggerExecution
}

func newMemStore(triggers ...*models.Trigger) *memStore {
	s := &memStore{triggers: make(map[string]*models.Trigger)}
	for _, tr := range triggers {
		s.triggers[tr.ID] = tr
	}
	return s
}

func (s *memStore) Trigger(_ context.Context, id string) (*models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[id]
	if !ok {
		return nil, fmt.Errorf("trigger %s not found", id)
	}
	return tr, nil
}

func (s *memStore) List(_ context.Context) ([]*models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Trigger, 0, len(s.triggers))
	for _, tr := range s.triggers {
		out = append(out, tr)
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, tr *models.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[tr.ID] = tr
	return nil
}

func (s *memStore) SaveExecution(_ context.Context, exec *models.TriggerExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, exec)
	return nil
}

func (s *memStore) executions() []*models.TriggerExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.TriggerExecution(nil), s.execs...)
}

// stubLauncher records enqueued suites and optionally rejects.
type stubLauncher struct {
	mu       sync.Mutex
	enqueued []string
	err      error
}

func (l *stubLauncher) EnqueueSuite(_ context.Context, suiteID string, _ orchestrator.Options) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	l.enqueued = append(l.enqueued, suiteID)
	return "sr-" + suiteID, nil
}

func (l *stubLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.enqueued)
}

func pushTrigger(id string, suites ...string) *models.Trigger {
	return &models.Trigger{
		ID:          id,
		Enabled:     true,
		TriggerType: models.TriggerPush,
		MatchConditions: models.MatchConditions{
			Branches: []string{"main", "release/**"},
		},
		TargetSuiteIDs: suites,
	}
}

func pushEvent(sha string, files ...string) models.VCSEvent {
	return models.VCSEvent{
		Provider:      "github",
		Branch:        "main",
		CommitSha:     sha,
		ChangedFiles:  files,
		CommitMessage: "feat: add checkout",
	}
}

func TestManualDispatch(t *testing.T) {
	store := newMemStore(pushTrigger("t1", "s1", "s2"))
	launcher := &stubLauncher{}
	d := New(store, launcher, nil, nil)

	exec, err := d.Manual(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionDispatched, exec.Status)
	require.Len(t, exec.Suites, 2)
	assert.Equal(t, "sr-s1", exec.Suites[0].SuiteRunID)
	assert.Equal(t, 2, launcher.count())

	tr, _ := store.Trigger(context.Background(), "t1")
	assert.Equal(t, 1, tr.Stats.TotalDispatches)
	require.NotNil(t, tr.Stats.LastFiredAt)
}

func TestManualDisabledTrigger(t *testing.T) {
	tr := pushTrigger("t1", "s1")
	tr.Enabled = false
	store := newMemStore(tr)
	launcher := &stubLauncher{}
	d := New(store, launcher, nil, nil)

	exec, err := d.Manual(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRejected, exec.Status)
	assert.Equal(t, "trigger disabled", exec.Reason)
	assert.Zero(t, launcher.count())
}

func TestManualUnknownTrigger(t *testing.T) {
	d := New(newMemStore(), &stubLauncher{}, nil, nil)
	_, err := d.Manual(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestVCSEventDedupe(t *testing.T) {
	store := newMemStore(pushTrigger("t1", "s1"))
	launcher := &stubLauncher{}
	d := New(store, launcher, nil, nil)

	ev := pushEvent("abc123", "src/checkout.ts")
	first := d.VCSEvent(context.Background(), ev)
	require.Len(t, first, 1)
	assert.Equal(t, models.ExecutionDispatched, first[0].Status)
	assert.Equal(t, "t1:abc123", first[0].DedupeKey)

	second := d.VCSEvent(context.Background(), ev)
	require.Len(t, second, 1)
	assert.Equal(t, models.ExecutionDuplicate, second[0].Status)
	assert.Equal(t, 1, launcher.count(), "duplicate must not enqueue again")

	// A new commit on the same trigger fires normally.
	third := d.VCSEvent(context.Background(), pushEvent("def456", "src/checkout.ts"))
	require.Len(t, third, 1)
	assert.Equal(t, models.ExecutionDispatched, third[0].Status)
}

func TestVCSEventNoShaSkipsDedupe(t *testing.T) {
	store := newMemStore(pushTrigger("t1", "s1"))
	launcher := &stubLauncher{}
	d := New(store, launcher, nil, nil)

	ev := pushEvent("", "src/app.ts")
	d.VCSEvent(context.Background(), ev)
	d.VCSEvent(context.Background(), ev)
	assert.Equal(t, 2, launcher.count(), "events without a commit sha are never deduplicated")
}

func TestVCSEventQueueFullReleasesClaim(t *testing.T) {
	store := newMemStore(pushTrigger("t1", "s1"))
	launcher := &stubLauncher{err: orchestrator.ErrQueueFull}
	d := New(store, launcher, nil, nil)

	ev := pushEvent("abc123", "src/app.ts")
	out := d.VCSEvent(context.Background(), ev)
	require.Len(t, out, 1)
	assert.Equal(t, models.ExecutionRejected, out[0].Status)
	assert.Equal(t, "queue_full", out[0].Reason)

	// The claim was released: once capacity returns the same commit fires.
	launcher.err = nil
	out = d.VCSEvent(context.Background(), ev)
	require.Len(t, out, 1)
	assert.Equal(t, models.ExecutionDispatched, out[0].Status)
}

func TestVCSEventIgnoresNonPushTriggers(t *testing.T) {
	sched := &models.Trigger{
		ID: "t-sched", Enabled: true, TriggerType: models.TriggerSchedule,
		MatchConditions: models.MatchConditions{Schedule: "0 * * * *"},
		TargetSuiteIDs:  []string{"s1"},
	}
	disabled := pushTrigger("t-off", "s1")
	disabled.Enabled = false
	store := newMemStore(sched, disabled)
	d := New(store, &stubLauncher{}, nil, nil)

	out := d.VCSEvent(context.Background(), pushEvent("abc", "src/app.ts"))
	assert.Empty(t, out)
}

func TestScheduleTick(t *testing.T) {
	tr := &models.Trigger{
		ID: "t1", Enabled: true, TriggerType: models.TriggerSchedule,
		MatchConditions: models.MatchConditions{Schedule: "*/5 * * * *"},
		TargetSuiteIDs:  []string{"s1"},
		CreatedAt:       time.Date(2026, 8, 24, 9, 58, 0, 0, time.UTC),
	}
	store := newMemStore(tr)
	launcher := &stubLauncher{}
	d := New(store, launcher, nil, nil)

	// 10:00 is the first slot after creation.
	out := d.ScheduleTick(context.Background(), time.Date(2026, 8, 24, 10, 0, 30, 0, time.UTC))
	require.Len(t, out, 1)
	assert.Equal(t, models.ExecutionDispatched, out[0].Status)

	// The same slot does not fire twice.
	out = d.ScheduleTick(context.Background(), time.Date(2026, 8, 24, 10, 1, 0, 0, time.UTC))
	assert.Empty(t, out)

	// The next slot fires.
	out = d.ScheduleTick(context.Background(), time.Date(2026, 8, 24, 10, 5, 10, 0, time.UTC))
	require.Len(t, out, 1)
	assert.Equal(t, 2, launcher.count())
}

func TestScheduleTickSkipsUndueAndDisabled(t *testing.T) {
	due := &models.Trigger{
		ID: "later", Enabled: true, TriggerType: models.TriggerSchedule,
		MatchConditions: models.MatchConditions{Schedule: "0 6 * * *"},
		TargetSuiteIDs:  []string{"s1"},
		CreatedAt:       time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}
	off := &models.Trigger{
		ID: "off", Enabled: false, TriggerType: models.TriggerSchedule,
		MatchConditions: models.MatchConditions{Schedule: "* * * * *"},
		TargetSuiteIDs:  []string{"s1"},
	}
	d := New(newMemStore(due, off), &stubLauncher{}, nil, nil)

	out := d.ScheduleTick(context.Background(), time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	assert.Empty(t, out, "6am slot has not arrived and disabled triggers never fire")
}

func TestExecutionHistoryRecorded(t *testing.T) {
	store := newMemStore(pushTrigger("t1", "s1"))
	d := New(store, &stubLauncher{}, nil, nil)

	ev := pushEvent("abc123", "src/app.ts")
	d.VCSEvent(context.Background(), ev)
	d.VCSEvent(context.Background(), ev)

	execs := store.executions()
	require.Len(t, execs, 2)
	assert.Equal(t, models.ExecutionDispatched, execs[0].Status)
	assert.Equal(t, models.ExecutionDuplicate, execs[1].Status)

	tr, _ := store.Trigger(context.Background(), "t1")
	assert.Equal(t, 1, tr.Stats.TotalDispatches)
	assert.Equal(t, 1, tr.Stats.Duplicates)
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name string
		cond models.MatchConditions
		ev   models.VCSEvent
		want bool
	}{
		{
			name: "branch glob",
			cond: models.MatchConditions{Branches: []string{"release/**"}},
			ev:   models.VCSEvent{Branch: "release/2026-08", ChangedFiles: []string{"a.go"}},
			want: true,
		},
		{
			name: "branch mismatch",
			cond: models.MatchConditions{Branches: []string{"main"}},
			ev:   models.VCSEvent{Branch: "feature/x", ChangedFiles: []string{"a.go"}},
			want: false,
		},
		{
			name: "file pattern hit",
			cond: models.MatchConditions{FilePatterns: []string{"src/**/*.ts"}},
			ev:   models.VCSEvent{Branch: "main", ChangedFiles: []string{"src/pages/checkout.ts", "README.md"}},
			want: true,
		},
		{
			name: "file pattern miss",
			cond: models.MatchConditions{FilePatterns: []string{"src/**/*.ts"}},
			ev:   models.VCSEvent{Branch: "main", ChangedFiles: []string{"docs/guide.md"}},
			want: false,
		},
		{
			name: "all files skipped",
			cond: models.MatchConditions{SkipPatterns: []string{"docs/**", "**/*.md"}},
			ev:   models.VCSEvent{Branch: "main", ChangedFiles: []string{"docs/a.md", "README.md"}},
			want: false,
		},
		{
			name: "some files survive the skip list",
			cond: models.MatchConditions{SkipPatterns: []string{"docs/**"}},
			ev:   models.VCSEvent{Branch: "main", ChangedFiles: []string{"docs/a.md", "src/app.ts"}},
			want: true,
		},
		{
			name: "commit message regex",
			cond: models.MatchConditions{CommitMessageRegex: `^(feat|fix):`},
			ev:   models.VCSEvent{Branch: "main", CommitMessage: "fix: stale selector"},
			want: true,
		},
		{
			name: "commit message regex miss",
			cond: models.MatchConditions{CommitMessageRegex: `^(feat|fix):`},
			ev:   models.VCSEvent{Branch: "main", CommitMessage: "chore: bump deps"},
			want: false,
		},
		{
			name: "no conditions matches everything",
			cond: models.MatchConditions{},
			ev:   models.VCSEvent{Branch: "anything"},
			want: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(&tc.cond, tc.ev))
		})
	}
}
