package driver

import (
	"sync"
	"time"

	"github.com/testpilot-ai/testpilot/pkg/models"
)

// EventLog accumulates network, console and page-error events for one
// session. Backends append from their event callbacks; the executor reads
// wallclock windows to attribute events to steps. Safe for concurrent use.
type EventLog struct {
	mu         sync.Mutex
	network    []models.NetworkCapture
	console    []models.ConsoleCapture
	pageErrors []models.PageErrorCapture
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// AddNetwork records a network request/response pair.
func (l *EventLog) AddNetwork(c models.NetworkCapture) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.network = append(l.network, c)
}

// AddConsole records a console message.
func (l *EventLog) AddConsole(c models.ConsoleCapture) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console = append(l.console, c)
}

// AddPageError records an uncaught page exception.
func (l *EventLog) AddPageError(c models.PageErrorCapture) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pageErrors = append(l.pageErrors, c)
}

// Window returns copies of the events whose timestamp falls within
// [from, to] inclusive.
func (l *EventLog) Window(from, to time.Time) ([]models.NetworkCapture, []models.ConsoleCapture, []models.PageErrorCapture) {
	l.mu.Lock()
	defer l.mu.Unlock()

	in := func(ts time.Time) bool {
		return !ts.Before(from) && !ts.After(to)
	}
	var nets []models.NetworkCapture
	for _, c := range l.network {
		if in(c.Timestamp) {
			nets = append(nets, c)
		}
	}
	var cons []models.ConsoleCapture
	for _, c := range l.console {
		if in(c.Timestamp) {
			cons = append(cons, c)
		}
	}
	var errs []models.PageErrorCapture
	for _, c := range l.pageErrors {
		if in(c.Timestamp) {
			errs = append(errs, c)
		}
	}
	return nets, cons, errs
}

// Outside returns copies of the events that fall in none of the given
// windows. These are attached to the run rather than to any step.
func (l *EventLog) Outside(windows [][2]time.Time) ([]models.NetworkCapture, []models.ConsoleCapture, []models.PageErrorCapture) {
	l.mu.Lock()
	defer l.mu.Unlock()

	outside := func(ts time.Time) bool {
		for _, w := range windows {
			if !ts.Before(w[0]) && !ts.After(w[1]) {
				return false
			}
		}
		return true
	}
	var nets []models.NetworkCapture
	for _, c := range l.network {
		if outside(c.Timestamp) {
			nets = append(nets, c)
		}
	}
	var cons []models.ConsoleCapture
	for _, c := range l.console {
		if outside(c.Timestamp) {
			cons = append(cons, c)
		}
	}
	var errs []models.PageErrorCapture
	for _, c := range l.pageErrors {
		if outside(c.Timestamp) {
			errs = append(errs, c)
		}
	}
	return nets, cons, errs
}
