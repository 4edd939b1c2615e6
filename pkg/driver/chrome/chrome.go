// Package chrome implements driver.Driver on top of headless Chrome via
// chromedp. Each session owns an isolated browser context; neutral-grammar
// locators are translated to CSS or XPath queries, with a JS marking pass for
// the text/role variants Chrome cannot express as a plain selector.
package chrome

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/testpilot-ai/testpilot/pkg/driver"
	"github.com/testpilot-ai/testpilot/pkg/locator"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

// Factory creates Chrome-backed sessions sharing one exec allocator.
type Factory struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

// NewFactory starts a Chrome exec allocator. Close releases it.
func NewFactory(ctx context.Context, headless bool) *Factory {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return &Factory{allocCtx: allocCtx, allocCancel: cancel}
}

// Close tears down the shared allocator and every remaining browser.
func (f *Factory) Close() {
	f.allocCancel()
}

// NewSession implements driver.Factory. The returned session owns a fresh
// browser context; network, console and exception capture starts immediately.
func (f *Factory) NewSession(_ context.Context, opts driver.SessionOptions) (driver.Driver, error) {
	tabCtx, cancel := chromedp.NewContext(f.allocCtx)

	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = driver.DefaultOperationTimeout
	}

	s := &Session{
		ctx:       tabCtx,
		cancel:    cancel,
		opTimeout: timeout,
		events:    driver.NewEventLog(),
	}
	if err := s.startCapture(); err != nil {
		cancel()
		return nil, driver.NewError(driver.KindInternal, "session", "", err)
	}
	return s, nil
}

// Session is one Chrome tab.
type Session struct {
	ctx       context.Context
	cancel    context.CancelFunc
	opTimeout time.Duration
	events    *driver.EventLog
}

var _ driver.Driver = (*Session)(nil)

// run executes actions under the per-operation timeout, honouring the
// caller's cancellation.
func (s *Session) run(ctx context.Context, op, target string, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(s.ctx, s.opTimeout)
	defer cancel()

	// Propagate caller cancellation into the tab context.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(opCtx, actions...)
	if err == nil {
		return nil
	}
	return s.classify(ctx, opCtx, op, target, err)
}

func (s *Session) classify(callerCtx, opCtx context.Context, op, target string, err error) error {
	if callerCtx.Err() != nil {
		return driver.NewError(driver.KindCancelled, op, target, callerCtx.Err())
	}
	if opCtx.Err() == context.DeadlineExceeded {
		return driver.NewError(driver.KindTimeout, op, target, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "net::"), strings.Contains(msg, "navigation failed"):
		return driver.NewError(driver.KindNetwork, op, target, err)
	case strings.Contains(msg, "could not find node"),
		strings.Contains(msg, "waiting for selector"),
		strings.Contains(msg, "invalid selector"):
		return driver.LocatorError(op, target, err)
	}
	return driver.NewError(driver.KindInternal, op, target, err)
}

// query translates a neutral-grammar target into chromedp query arguments.
// Variants without a direct selector form (text literal/regex, role with
// accessible name) are resolved by a JS pass that marks the first match with
// a private attribute, then queried by CSS.
func (s *Session) query(ctx context.Context, op, target string) (string, chromedp.QueryOption, error) {
	loc, err := locator.Parse(target)
	if err != nil {
		// Raw CSS from synthesised plans is accepted as-is.
		return target, chromedp.ByQuery, nil
	}
	switch loc.Kind {
	case locator.KindCSS:
		return loc.Expr, chromedp.ByQuery, nil
	case locator.KindXPath:
		return loc.Expr, chromedp.BySearch, nil
	case locator.KindAttr:
		return fmt.Sprintf(`[%s=%q]`, loc.Attr, loc.Value), chromedp.ByQuery, nil
	case locator.KindRole:
		if loc.Name == "" {
			return fmt.Sprintf(`[role=%q]`, loc.Role), chromedp.ByQuery, nil
		}
		return s.mark(ctx, op, target, markRoleJS(loc.Role, loc.Name))
	case locator.KindText:
		return s.mark(ctx, op, target, markTextJS(loc.Text, ""))
	case locator.KindTextRegex:
		return s.mark(ctx, op, target, markTextJS(loc.Text, loc.RegexFlags))
	}
	return "", nil, driver.LocatorError(op, target, fmt.Errorf("unsupported locator"))
}

const markAttr = "data-testpilot-mark"

// mark runs a JS matcher that tags the first matching visible element, then
// returns the CSS query for the tag.
func (s *Session) mark(ctx context.Context, op, target, js string) (string, chromedp.QueryOption, error) {
	var found bool
	if err := s.run(ctx, op, target, chromedp.Evaluate(js, &found)); err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, driver.LocatorError(op, target, fmt.Errorf("no visible element matched"))
	}
	return fmt.Sprintf("[%s]", markAttr), chromedp.ByQuery, nil
}

// Navigate implements driver.Driver.
func (s *Session) Navigate(ctx context.Context, url string, waitUntil driver.WaitUntil) error {
	actions := []chromedp.Action{chromedp.Navigate(url)}
	switch waitUntil {
	case driver.WaitNetworkIdle:
		// Heuristic settle window after load; CDP has no first-class
		// networkidle signal.
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery), chromedp.Sleep(500*time.Millisecond))
	case driver.WaitDOMContentLoaded:
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	default:
		actions = append(actions, chromedp.WaitVisible("body", chromedp.ByQuery))
	}
	return s.run(ctx, "navigate", url, actions...)
}

// Click implements driver.Driver.
func (s *Session) Click(ctx context.Context, target string) error {
	sel, opt, err := s.query(ctx, "click", target)
	if err != nil {
		return err
	}
	return s.run(ctx, "click", target, chromedp.Click(sel, opt, chromedp.NodeVisible))
}

// Hover implements driver.Driver.
func (s *Session) Hover(ctx context.Context, target string) error {
	sel, opt, err := s.query(ctx, "hover", target)
	if err != nil {
		return err
	}
	return s.run(ctx, "hover", target,
		chromedp.WaitVisible(sel, opt),
		chromedp.ScrollIntoView(sel, opt),
	)
}

// Type implements driver.Driver.
func (s *Session) Type(ctx context.Context, target, text string, clearFirst bool) error {
	sel, opt, err := s.query(ctx, "type", target)
	if err != nil {
		return err
	}
	actions := []chromedp.Action{chromedp.WaitVisible(sel, opt)}
	if clearFirst {
		actions = append(actions, chromedp.SetValue(sel, "", opt))
	}
	actions = append(actions, chromedp.SendKeys(sel, text, opt))
	return s.run(ctx, "type", target, actions...)
}

// Select implements driver.Driver.
func (s *Session) Select(ctx context.Context, target, value string) error {
	sel, opt, err := s.query(ctx, "select", target)
	if err != nil {
		return err
	}
	return s.run(ctx, "select", target,
		chromedp.WaitVisible(sel, opt),
		chromedp.SetValue(sel, value, opt),
	)
}

// Press implements driver.Driver.
func (s *Session) Press(ctx context.Context, key string) error {
	return s.run(ctx, "press", key, chromedp.KeyEvent(mapKey(key)))
}

func mapKey(key string) string {
	switch strings.ToLower(key) {
	case "enter", "return":
		return kb.Enter
	case "tab":
		return kb.Tab
	case "escape", "esc":
		return kb.Escape
	case "backspace":
		return kb.Backspace
	case "arrowdown", "down":
		return kb.ArrowDown
	case "arrowup", "up":
		return kb.ArrowUp
	}
	return key
}

// Wait implements driver.Driver.
func (s *Session) Wait(ctx context.Context, target string, state driver.WaitState, timeout time.Duration) error {
	sel, opt, err := s.query(ctx, "wait", target)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = s.opTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var action chromedp.Action
	switch state {
	case driver.StateHidden:
		action = chromedp.WaitNotVisible(sel, opt)
	case driver.StateAttached:
		action = chromedp.WaitReady(sel, opt)
	default:
		action = chromedp.WaitVisible(sel, opt)
	}
	return s.run(waitCtx, "wait", target, action)
}

// CurrentURL implements driver.Driver.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, "current_url", "", chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// Title implements driver.Driver.
func (s *Session) Title(ctx context.Context) (string, error) {
	var title string
	if err := s.run(ctx, "title", "", chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

// Screenshot implements driver.Driver.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, "screenshot", "", chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Events implements driver.Driver.
func (s *Session) Events() *driver.EventLog { return s.events }

// Close implements driver.Driver.
func (s *Session) Close(_ context.Context) error {
	s.cancel()
	return nil
}

// Assert implements driver.Driver.
func (s *Session) Assert(ctx context.Context, target string, a models.Assertion) (driver.AssertResult, error) {
	switch a.Kind {
	case models.AssertURLEquals, models.AssertURLContains:
		url, err := s.CurrentURL(ctx)
		if err != nil {
			return driver.AssertResult{}, err
		}
		if a.Kind == models.AssertURLEquals {
			return driver.AssertResult{Passed: url == a.Value, Actual: url}, nil
		}
		return driver.AssertResult{Passed: strings.Contains(url, a.Value), Actual: url}, nil
	}

	selTarget := target
	attr := a.Attribute
	if a.Kind == models.AssertAttributeEquals {
		if l, at, ok := locator.SplitAttrRef(target); ok {
			selTarget, attr = l, at
		}
	}
	sel, opt, err := s.query(ctx, "assert", selTarget)
	if a.Kind == models.AssertHidden {
		if err != nil {
			if driver.IsLocator(err) {
				return driver.AssertResult{Passed: true, Actual: "hidden"}, nil
			}
			return driver.AssertResult{}, err
		}
		return s.assertHidden(ctx, target, sel, opt)
	}
	if err != nil {
		if a.Kind == models.AssertCountEquals && driver.IsLocator(err) {
			return driver.AssertResult{Passed: a.Count == 0, Actual: "0"}, nil
		}
		return driver.AssertResult{}, err
	}

	switch a.Kind {
	case models.AssertVisible:
		if err := s.run(ctx, "assert", target, chromedp.WaitVisible(sel, opt)); err != nil {
			if driver.KindOf(err) == driver.KindTimeout {
				return driver.AssertResult{Passed: false, Actual: "not visible"}, nil
			}
			return driver.AssertResult{}, err
		}
		return driver.AssertResult{Passed: true, Actual: "visible"}, nil

	case models.AssertTextEquals, models.AssertTextContains:
		var text string
		if err := s.run(ctx, "assert", target, chromedp.Text(sel, &text, opt)); err != nil {
			return driver.AssertResult{}, err
		}
		if a.Kind == models.AssertTextEquals {
			passed := strings.EqualFold(strings.TrimSpace(text), strings.TrimSpace(a.Value))
			return driver.AssertResult{Passed: passed, Actual: text}, nil
		}
		return driver.AssertResult{Passed: strings.Contains(text, a.Value), Actual: text}, nil

	case models.AssertCountEquals:
		return s.assertCount(ctx, target, sel, a.Count)

	case models.AssertAttributeEquals:
		var value string
		var ok bool
		if err := s.run(ctx, "assert", target, chromedp.AttributeValue(sel, attr, &value, &ok, opt)); err != nil {
			return driver.AssertResult{}, err
		}
		if !ok {
			return driver.AssertResult{Passed: false, Actual: ""}, nil
		}
		return driver.AssertResult{Passed: value == a.Value, Actual: value}, nil
	}
	return driver.AssertResult{}, driver.NewError(driver.KindInternal, "assert", target, fmt.Errorf("unknown assertion kind %q", a.Kind))
}

func (s *Session) assertHidden(ctx context.Context, target, sel string, opt chromedp.QueryOption) (driver.AssertResult, error) {
	hiddenCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.run(hiddenCtx, "assert", target, chromedp.WaitNotVisible(sel, opt)); err != nil {
		if driver.KindOf(err) == driver.KindTimeout {
			return driver.AssertResult{Passed: false, Actual: "visible"}, nil
		}
		return driver.AssertResult{}, err
	}
	return driver.AssertResult{Passed: true, Actual: "hidden"}, nil
}

func (s *Session) assertCount(ctx context.Context, target, sel string, want int) (driver.AssertResult, error) {
	var count int
	js := fmt.Sprintf(`document.querySelectorAll(%q).length`, sel)
	if err := s.run(ctx, "assert", target, chromedp.Evaluate(js, &count)); err != nil {
		return driver.AssertResult{}, err
	}
	return driver.AssertResult{Passed: count == want, Actual: fmt.Sprintf("%d", count)}, nil
}
