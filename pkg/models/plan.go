// Package models defines the domain types shared across the testpilot core:
// plans, runs, suites, corrections, analyses and triggers.
package models

import (
	"fmt"
	"net/url"
	"strings"
)

// StepKind identifies the action or assertion a step performs.
type StepKind string

// Step kind constants.
const (
	StepNavigate StepKind = "navigate"
	StepClick    StepKind = "click"
	StepType     StepKind = "type"
	StepHover    StepKind = "hover"
	StepSelect   StepKind = "select"
	StepPress    StepKind = "press"
	StepWait     StepKind = "wait"
	StepAssert   StepKind = "assert"
)

var validStepKinds = map[StepKind]bool{
	StepNavigate: true,
	StepClick:    true,
	StepType:     true,
	StepHover:    true,
	StepSelect:   true,
	StepPress:    true,
	StepWait:     true,
	StepAssert:   true,
}

// AssertionKind identifies the observable check an assertion performs.
type AssertionKind string

// Assertion kind constants.
const (
	AssertVisible         AssertionKind = "visible"
	AssertHidden          AssertionKind = "hidden"
	AssertTextEquals      AssertionKind = "textEquals"
	AssertTextContains    AssertionKind = "textContains"
	AssertURLEquals       AssertionKind = "urlEquals"
	AssertURLContains     AssertionKind = "urlContains"
	AssertCountEquals     AssertionKind = "countEquals"
	AssertAttributeEquals AssertionKind = "attributeEquals"
)

var validAssertionKinds = map[AssertionKind]bool{
	AssertVisible:         true,
	AssertHidden:          true,
	AssertTextEquals:      true,
	AssertTextContains:    true,
	AssertURLEquals:       true,
	AssertURLContains:     true,
	AssertCountEquals:     true,
	AssertAttributeEquals: true,
}

// Assertion describes an expected page observation. Exactly one comparand
// field is meaningful depending on Kind: Value for text/url/attribute checks,
// Count for countEquals, Attribute for attributeEquals (the step target then
// encodes "selector::attribute").
type Assertion struct {
	Kind      AssertionKind `json:"kind"`
	Value     string        `json:"value,omitempty"`
	Count     int           `json:"count,omitempty"`
	Attribute string        `json:"attribute,omitempty"`
}

// Validate checks the assertion for structural correctness.
func (a *Assertion) Validate() error {
	if !validAssertionKinds[a.Kind] {
		return fmt.Errorf("unknown assertion kind %q", a.Kind)
	}
	switch a.Kind {
	case AssertTextEquals, AssertTextContains, AssertURLEquals, AssertURLContains:
		if a.Value == "" {
			return fmt.Errorf("assertion %s requires a value", a.Kind)
		}
	case AssertCountEquals:
		if a.Count < 0 {
			return fmt.Errorf("assertion %s requires a non-negative count", a.Kind)
		}
	case AssertAttributeEquals:
		if a.Attribute == "" {
			return fmt.Errorf("assertion %s requires an attribute name", a.Kind)
		}
	}
	return nil
}

// Describe renders a human-readable expectation, used for StepResult.ExpectedText.
func (a *Assertion) Describe(target string) string {
	switch a.Kind {
	case AssertVisible:
		return fmt.Sprintf("%s is visible", target)
	case AssertHidden:
		return fmt.Sprintf("%s is hidden", target)
	case AssertTextEquals:
		return fmt.Sprintf("text of %s equals %q", target, a.Value)
	case AssertTextContains:
		return fmt.Sprintf("text of %s contains %q", target, a.Value)
	case AssertURLEquals:
		return fmt.Sprintf("page URL equals %q", a.Value)
	case AssertURLContains:
		return fmt.Sprintf("page URL contains %q", a.Value)
	case AssertCountEquals:
		return fmt.Sprintf("%s matches %d elements", target, a.Count)
	case AssertAttributeEquals:
		return fmt.Sprintf("attribute %s of %s equals %q", a.Attribute, target, a.Value)
	}
	return string(a.Kind)
}

// Step is a single action or assertion within a plan. Ordinals are 1-based
// and unique within the plan.
type Step struct {
	Ordinal     int        `json:"ordinal"`
	Kind        StepKind   `json:"kind"`
	Target      string     `json:"target,omitempty"`
	Data        string     `json:"data,omitempty"`
	Expected    *Assertion `json:"expected,omitempty"`
	Description string     `json:"description,omitempty"`
	TimeoutMs   int        `json:"timeout_ms,omitempty"`
}

// Validate checks the per-step invariants: data presence for type/select,
// an expected assertion for assert steps, and an absolute URL for navigate.
func (s *Step) Validate() error {
	if !validStepKinds[s.Kind] {
		return fmt.Errorf("step %d: unknown kind %q", s.Ordinal, s.Kind)
	}
	switch s.Kind {
	case StepType, StepSelect:
		if s.Data == "" {
			return fmt.Errorf("step %d: kind %s requires data", s.Ordinal, s.Kind)
		}
	case StepAssert:
		if s.Expected == nil {
			return fmt.Errorf("step %d: assert requires an expected assertion", s.Ordinal)
		}
		if err := s.Expected.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", s.Ordinal, err)
		}
	case StepNavigate:
		u, err := url.Parse(s.Target)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("step %d: navigate target must be an absolute URL, got %q", s.Ordinal, s.Target)
		}
	case StepPress:
		if s.Data == "" && s.Target == "" {
			return fmt.Errorf("step %d: press requires a key", s.Ordinal)
		}
	}
	return nil
}

// Key returns the key a press step sends. Historic plans carry the key in
// target, newer ones in data; data wins when both are set.
func (s *Step) Key() string {
	if s.Data != "" {
		return s.Data
	}
	return s.Target
}

// PlanOptions carries optional per-plan execution overrides.
type PlanOptions struct {
	Headless         *bool `json:"headless,omitempty"`
	DefaultTimeoutMs int   `json:"default_timeout_ms,omitempty"`
}

// Plan is an immutable ordered sequence of steps.
type Plan struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Steps       []Step       `json:"steps"`
	Options     *PlanOptions `json:"options,omitempty"`
}

// Validate checks the plan-level invariants: ordinals form 1..N without gaps
// and every step is individually valid.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("plan name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s has no steps", p.ID)
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Ordinal != i+1 {
			return fmt.Errorf("plan %s: step at index %d has ordinal %d, want %d", p.ID, i, step.Ordinal, i+1)
		}
		if err := step.Validate(); err != nil {
			return fmt.Errorf("plan %s: %w", p.ID, err)
		}
	}
	return nil
}

// FirstNavigateURL returns the target of the first navigate step, or "".
func (p *Plan) FirstNavigateURL() string {
	for i := range p.Steps {
		if p.Steps[i].Kind == StepNavigate {
			return p.Steps[i].Target
		}
	}
	return ""
}

// HasTag reports whether the plan carries the given tag (case-insensitive).
func (p *Plan) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
