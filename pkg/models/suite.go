package models

import (
	"fmt"
	"time"
)

// SuiteTest is one directly owned test of a suite. Disabled tests stay in the
// suite definition but are excluded from orchestrated runs.
type SuiteTest struct {
	Plan    Plan `json:"plan"`
	Enabled bool `json:"enabled"`
}

// SuiteStats aggregates historical run outcomes for a suite.
type SuiteStats struct {
	TotalRuns int        `json:"total_runs"`
	Passed    int        `json:"passed"`
	Failed    int        `json:"failed"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Suite is a named node in the suite forest. Nesting is by ParentID; a plan
// belongs to at most one suite's direct test list.
type Suite struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	ParentID    string      `json:"parent_id,omitempty"`
	Description string      `json:"description,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Tests       []SuiteTest `json:"tests"`
	Schedule    string      `json:"schedule,omitempty"`
	Stats       SuiteStats  `json:"stats"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Validate checks suite-level invariants.
func (s *Suite) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("suite id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("suite name is required")
	}
	if s.ParentID == s.ID {
		return fmt.Errorf("suite %s cannot be its own parent", s.ID)
	}
	seen := make(map[string]bool, len(s.Tests))
	for i := range s.Tests {
		plan := &s.Tests[i].Plan
		if seen[plan.ID] {
			return fmt.Errorf("suite %s: duplicate plan id %s", s.ID, plan.ID)
		}
		seen[plan.ID] = true
		if err := plan.Validate(); err != nil {
			return fmt.Errorf("suite %s: %w", s.ID, err)
		}
	}
	return nil
}

// EnabledPlans returns the suite's directly owned enabled plans in order.
func (s *Suite) EnabledPlans() []Plan {
	plans := make([]Plan, 0, len(s.Tests))
	for i := range s.Tests {
		if s.Tests[i].Enabled {
			plans = append(plans, s.Tests[i].Plan)
		}
	}
	return plans
}
