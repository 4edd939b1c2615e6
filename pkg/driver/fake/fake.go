// Package fake provides a scripted in-memory implementation of driver.Driver
// for tests. Pages are declared up front; locator resolution, assertions and
// failure injection run against the declared elements without a browser.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/testpilot-ai/testpilot/pkg/driver"
	"github.com/testpilot-ai/testpilot/pkg/locator"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

// Element is one scripted page element.
type Element struct {
	Tag         string
	ID          string
	Class       string
	Text        string
	AriaLabel   string
	Placeholder string
	Role        string
	Href        string
	Attrs       map[string]string
	Visible     bool

	// Value mutates on Type/Select.
	Value string
}

// Page is one scripted page.
type Page struct {
	URL      string
	Title    string
	Elements []*Element
}

// Backend is a scripted driver factory: every session shares the page set
// and the injected failures, which lets a test drive multiple plan runs
// against one fixture.
type Backend struct {
	mu       sync.Mutex
	pages    map[string]*Page
	failures map[string]*injectedFailure
	latency  time.Duration
}

type injectedFailure struct {
	kind      driver.ErrorKind
	remaining int // negative means always
}

// NewBackend creates an empty scripted backend.
func NewBackend() *Backend {
	return &Backend{
		pages:    make(map[string]*Page),
		failures: make(map[string]*injectedFailure),
	}
}

// AddPage registers a page reachable by Navigate.
func (b *Backend) AddPage(p *Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[p.URL] = p
}

// FailTarget injects a failure for operations on the given target. A negative
// times fails forever.
func (b *Backend) FailTarget(target string, kind driver.ErrorKind, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[target] = &injectedFailure{kind: kind, remaining: times}
}

// SetLatency makes every operation take at least d (used to observe
// concurrency windows in orchestrator tests).
func (b *Backend) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// NewSession implements driver.Factory.
func (b *Backend) NewSession(_ context.Context, _ driver.SessionOptions) (driver.Driver, error) {
	return &Session{backend: b, events: driver.NewEventLog()}, nil
}

// Session is one scripted browser session.
type Session struct {
	backend *Backend
	events  *driver.EventLog

	mu      sync.Mutex
	current *Page
	closed  bool

	// Calls records operation names in order, for test assertions.
	Calls []string
}

var _ driver.Driver = (*Session)(nil)

func (s *Session) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, op)
}

func (s *Session) pause(ctx context.Context) error {
	s.backend.mu.Lock()
	d := s.backend.latency
	s.backend.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return driver.NewError(driver.KindCancelled, "wait", "", ctx.Err())
	}
}

func (s *Session) checkInjected(op, target string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	f, ok := s.backend.failures[target]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return driver.NewError(f.kind, op, target, fmt.Errorf("injected %s failure", f.kind))
}

func (s *Session) page() (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, fmt.Errorf("no page loaded")
	}
	return s.current, nil
}

// resolve finds visible elements matching a neutral-grammar target.
func (s *Session) resolve(op, target string) ([]*Element, error) {
	if err := s.checkInjected(op, target); err != nil {
		return nil, err
	}
	p, err := s.page()
	if err != nil {
		return nil, driver.NewError(driver.KindInternal, op, target, err)
	}
	loc, err := locator.Parse(target)
	if err != nil {
		// Raw CSS-ish targets from synthesised plans resolve by id/class/tag.
		if els := p.matchRaw(target); len(els) > 0 {
			return els, nil
		}
		return nil, driver.LocatorError(op, target, err)
	}
	els := p.match(loc)
	if len(els) == 0 {
		return nil, driver.LocatorError(op, target, fmt.Errorf("no visible element matched"))
	}
	return els, nil
}

func (p *Page) match(loc *locator.Locator) []*Element {
	var out []*Element
	for _, e := range p.Elements {
		if !e.Visible {
			continue
		}
		if elementMatches(e, loc) {
			out = append(out, e)
		}
	}
	return out
}

// matchRaw supports the simple CSS subset synthesised plans use: "#id",
// ".class", "tag".
func (p *Page) matchRaw(sel string) []*Element {
	var out []*Element
	for _, e := range p.Elements {
		if !e.Visible {
			continue
		}
		switch {
		case strings.HasPrefix(sel, "#"):
			if e.ID == sel[1:] {
				out = append(out, e)
			}
		case strings.HasPrefix(sel, "."):
			if e.Class == sel[1:] {
				out = append(out, e)
			}
		default:
			if e.Tag == sel {
				out = append(out, e)
			}
		}
	}
	return out
}

func elementMatches(e *Element, loc *locator.Locator) bool {
	switch loc.Kind {
	case locator.KindText, locator.KindTextRegex:
		return loc.MatchesText(e.Text)
	case locator.KindRole:
		if !strings.EqualFold(e.Role, loc.Role) {
			return false
		}
		if loc.Name == "" {
			return true
		}
		name := e.AriaLabel
		if name == "" {
			name = e.Text
		}
		return strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(loc.Name))
	case locator.KindAttr:
		switch loc.Attr {
		case "aria-label":
			return strings.EqualFold(e.AriaLabel, loc.Value)
		case "placeholder":
			return strings.EqualFold(e.Placeholder, loc.Value)
		case "id":
			return e.ID == loc.Value
		default:
			return e.Attrs[loc.Attr] == loc.Value
		}
	case locator.KindCSS:
		return len((&Page{Elements: []*Element{e}}).matchRaw(loc.Expr)) == 1
	case locator.KindXPath:
		// XPath is not modelled; tests use the other variants.
		return false
	}
	return false
}

// Navigate implements driver.Driver.
func (s *Session) Navigate(ctx context.Context, url string, _ driver.WaitUntil) error {
	s.record("navigate")
	if err := s.pause(ctx); err != nil {
		return err
	}
	if err := s.checkInjected("navigate", url); err != nil {
		return err
	}
	s.backend.mu.Lock()
	p, ok := s.backend.pages[url]
	s.backend.mu.Unlock()
	if !ok {
		return driver.NewError(driver.KindNetwork, "navigate", url, fmt.Errorf("no such page"))
	}
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	s.events.AddNetwork(models.NetworkCapture{Method: "GET", URL: url, Status: 200, Timestamp: time.Now()})
	return nil
}

// Click implements driver.Driver.
func (s *Session) Click(ctx context.Context, target string) error {
	s.record("click")
	if err := s.pause(ctx); err != nil {
		return err
	}
	_, err := s.resolve("click", target)
	return err
}

// Hover implements driver.Driver.
func (s *Session) Hover(ctx context.Context, target string) error {
	s.record("hover")
	if err := s.pause(ctx); err != nil {
		return err
	}
	_, err := s.resolve("hover", target)
	return err
}

// Type implements driver.Driver.
func (s *Session) Type(ctx context.Context, target, text string, clearFirst bool) error {
	s.record("type")
	if err := s.pause(ctx); err != nil {
		return err
	}
	els, err := s.resolve("type", target)
	if err != nil {
		return err
	}
	if clearFirst {
		els[0].Value = ""
	}
	els[0].Value += text
	return nil
}

// Select implements driver.Driver.
func (s *Session) Select(ctx context.Context, target, value string) error {
	s.record("select")
	if err := s.pause(ctx); err != nil {
		return err
	}
	els, err := s.resolve("select", target)
	if err != nil {
		return err
	}
	els[0].Value = value
	return nil
}

// Press implements driver.Driver.
func (s *Session) Press(ctx context.Context, key string) error {
	s.record("press")
	if err := s.pause(ctx); err != nil {
		return err
	}
	if key == "" {
		return driver.NewError(driver.KindInternal, "press", "", fmt.Errorf("empty key"))
	}
	return nil
}

// Wait implements driver.Driver.
func (s *Session) Wait(ctx context.Context, target string, state driver.WaitState, _ time.Duration) error {
	s.record("wait")
	if err := s.pause(ctx); err != nil {
		return err
	}
	_, err := s.resolve("wait", target)
	if state == driver.StateHidden {
		if err != nil {
			return nil
		}
		return driver.NewError(driver.KindTimeout, "wait", target, fmt.Errorf("element still visible"))
	}
	return err
}

// Assert implements driver.Driver.
func (s *Session) Assert(ctx context.Context, target string, a models.Assertion) (driver.AssertResult, error) {
	s.record("assert")
	if err := s.pause(ctx); err != nil {
		return driver.AssertResult{}, err
	}
	p, err := s.page()
	if err != nil {
		return driver.AssertResult{}, driver.NewError(driver.KindInternal, "assert", target, err)
	}

	switch a.Kind {
	case models.AssertURLEquals:
		return driver.AssertResult{Passed: p.URL == a.Value, Actual: p.URL}, nil
	case models.AssertURLContains:
		return driver.AssertResult{Passed: strings.Contains(p.URL, a.Value), Actual: p.URL}, nil
	}

	selTarget := target
	attr := ""
	if a.Kind == models.AssertAttributeEquals {
		var ok bool
		selTarget, attr, ok = locator.SplitAttrRef(target)
		if !ok {
			attr = a.Attribute
		}
	}

	els, err := s.resolve("assert", selTarget)
	if a.Kind == models.AssertHidden {
		if err != nil {
			return driver.AssertResult{Passed: true, Actual: "hidden"}, nil
		}
		return driver.AssertResult{Passed: false, Actual: "visible"}, nil
	}
	if a.Kind == models.AssertCountEquals {
		n := len(els)
		return driver.AssertResult{Passed: n == a.Count, Actual: fmt.Sprintf("%d", n)}, nil
	}
	if err != nil {
		return driver.AssertResult{}, err
	}

	el := els[0]
	switch a.Kind {
	case models.AssertVisible:
		return driver.AssertResult{Passed: true, Actual: "visible"}, nil
	case models.AssertTextEquals:
		return driver.AssertResult{
			Passed: strings.EqualFold(strings.TrimSpace(el.Text), strings.TrimSpace(a.Value)),
			Actual: el.Text,
		}, nil
	case models.AssertTextContains:
		return driver.AssertResult{Passed: strings.Contains(el.Text, a.Value), Actual: el.Text}, nil
	case models.AssertAttributeEquals:
		actual := el.Attrs[attr]
		return driver.AssertResult{Passed: actual == a.Value, Actual: actual}, nil
	}
	return driver.AssertResult{}, driver.NewError(driver.KindInternal, "assert", target, fmt.Errorf("unknown assertion kind %q", a.Kind))
}

// SnapshotInteractiveElements implements driver.Driver.
func (s *Session) SnapshotInteractiveElements(_ context.Context, maxElements int) ([]driver.DomElement, error) {
	p, err := s.page()
	if err != nil {
		return nil, driver.NewError(driver.KindInternal, "snapshot", "", err)
	}
	if maxElements <= 0 {
		maxElements = driver.DefaultSnapshotMax
	}
	var out []driver.DomElement
	for _, e := range p.Elements {
		if !e.Visible {
			continue
		}
		out = append(out, driver.DomElement{
			Role:        e.Role,
			Text:        e.Text,
			Placeholder: e.Placeholder,
			AriaLabel:   e.AriaLabel,
			Tag:         e.Tag,
			Href:        e.Href,
			ID:          e.ID,
			Class:       e.Class,
		})
		if len(out) >= maxElements {
			break
		}
	}
	return out, nil
}

// pngStub is a minimal valid PNG header so artifact files look like images.
var pngStub = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Screenshot implements driver.Driver.
func (s *Session) Screenshot(_ context.Context) ([]byte, error) {
	s.record("screenshot")
	return append([]byte(nil), pngStub...), nil
}

// CurrentURL implements driver.Driver.
func (s *Session) CurrentURL(_ context.Context) (string, error) {
	p, err := s.page()
	if err != nil {
		return "", nil
	}
	return p.URL, nil
}

// Title implements driver.Driver.
func (s *Session) Title(_ context.Context) (string, error) {
	p, err := s.page()
	if err != nil {
		return "", nil
	}
	return p.Title, nil
}

// Events implements driver.Driver.
func (s *Session) Events() *driver.EventLog { return s.events }

// Close implements driver.Driver.
func (s *Session) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called (teardown assertions in tests).
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
