package chrome

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/testpilot-ai/testpilot/pkg/driver"
	"github.com/testpilot-ai/testpilot/pkg/models"
)

// startCapture enables CDP domains and routes network responses, console
// messages and uncaught exceptions into the session event log. Request
// methods are remembered per request id so responses can be paired.
func (s *Session) startCapture() error {
	if err := chromedp.Run(s.ctx, network.Enable(), runtime.Enable()); err != nil {
		return err
	}

	requests := make(map[network.RequestID]string)

	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			requests[e.RequestID] = e.Request.Method

		case *network.EventResponseReceived:
			method := requests[e.RequestID]
			delete(requests, e.RequestID)
			s.events.AddNetwork(models.NetworkCapture{
				Method:    method,
				URL:       e.Response.URL,
				Status:    int(e.Response.Status),
				Timestamp: time.Now(),
			})

		case *network.EventLoadingFailed:
			delete(requests, e.RequestID)

		case *runtime.EventConsoleAPICalled:
			msg := ""
			if len(e.Args) > 0 && e.Args[0].Value != nil {
				msg = string(e.Args[0].Value)
			}
			s.events.AddConsole(models.ConsoleCapture{
				Level:     string(e.Type),
				Message:   msg,
				Timestamp: time.Now(),
			})

		case *runtime.EventExceptionThrown:
			msg := e.ExceptionDetails.Text
			if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
				msg = e.ExceptionDetails.Exception.Description
			}
			s.events.AddPageError(models.PageErrorCapture{
				Message:   msg,
				Timestamp: time.Now(),
			})
		}
	})
	return nil
}

// SnapshotInteractiveElements implements driver.Driver.
func (s *Session) SnapshotInteractiveElements(ctx context.Context, maxElements int) ([]driver.DomElement, error) {
	if maxElements <= 0 {
		maxElements = driver.DefaultSnapshotMax
	}
	var out []driver.DomElement
	if err := s.run(ctx, "snapshot", "", chromedp.Evaluate(snapshotJS(maxElements), &out)); err != nil {
		return nil, err
	}
	return out, nil
}
