// Package driver defines the neutral browser automation interface the core
// executes against, together with the tagged error taxonomy every backend
// must classify its failures into.
package driver

import (
	"context"
	"time"

	"github.com/testpilot-ai/testpilot/pkg/models"
)

// WaitUntil selects the navigation completion event.
type WaitUntil string

// Navigation wait constants.
const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// WaitState selects the element state a wait step blocks on.
type WaitState string

// Element wait state constants.
const (
	StateVisible  WaitState = "visible"
	StateHidden   WaitState = "hidden"
	StateAttached WaitState = "attached"
)

// DefaultOperationTimeout bounds a single driver operation unless overridden.
const DefaultOperationTimeout = 10 * time.Second

// BoundingBox is the viewport-relative box of a snapshotted element.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DomElement is one visible interactive element from a DOM snapshot.
type DomElement struct {
	Role        string       `json:"role,omitempty"`
	Text        string       `json:"text,omitempty"`
	Placeholder string       `json:"placeholder,omitempty"`
	AriaLabel   string       `json:"aria_label,omitempty"`
	Tag         string       `json:"tag"`
	Href        string       `json:"href,omitempty"`
	ID          string       `json:"id,omitempty"`
	Class       string       `json:"class,omitempty"`
	Box         *BoundingBox `json:"box,omitempty"`
}

// AssertResult is the observed outcome of an assertion evaluation. A false
// Passed is not a driver error; driver errors are reserved for the page being
// unreachable or the locator being unresolvable.
type AssertResult struct {
	Passed bool
	Actual string
}

// DefaultSnapshotMax caps the interactive-element snapshot size.
const DefaultSnapshotMax = 50

// Driver is a single-tabbed browser session. One session is created per plan
// run for isolation; Close releases it on every exit path. All operations
// honour context cancellation and return a tagged *Error on failure.
type Driver interface {
	Navigate(ctx context.Context, url string, waitUntil WaitUntil) error
	Click(ctx context.Context, target string) error
	Hover(ctx context.Context, target string) error
	Type(ctx context.Context, target, text string, clearFirst bool) error
	Select(ctx context.Context, target, value string) error
	Press(ctx context.Context, key string) error
	Wait(ctx context.Context, target string, state WaitState, timeout time.Duration) error

	// Assert evaluates an assertion against the live page. The target is the
	// step target string ("selector::attr" form for attributeEquals).
	Assert(ctx context.Context, target string, assertion models.Assertion) (AssertResult, error)

	SnapshotInteractiveElements(ctx context.Context, maxElements int) ([]DomElement, error)
	Screenshot(ctx context.Context) ([]byte, error)
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)

	// Events returns the session event log. Capture starts on the first
	// Navigate and stops at Close.
	Events() *EventLog

	Close(ctx context.Context) error
}

// SessionOptions configure a new browser session.
type SessionOptions struct {
	Headless         bool
	OperationTimeout time.Duration
}

// Factory creates isolated browser sessions.
type Factory interface {
	NewSession(ctx context.Context, opts SessionOptions) (Driver, error)
}
