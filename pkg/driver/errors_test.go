package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/testpilot-ai/testpilot/pkg/models"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "tagged locator", err: LocatorError("click", "#btn", errors.New("no match")), want: KindLocator},
		{name: "tagged timeout", err: NewError(KindTimeout, "navigate", "", errors.New("slow")), want: KindTimeout},
		{name: "wrapped tag survives", err: errors.Join(errors.New("ctx"), NewError(KindNetwork, "navigate", "", errors.New("dns"))), want: KindNetwork},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "cancelled", err: context.Canceled, want: KindCancelled},
		{name: "untagged", err: errors.New("boom"), want: KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestRetryClassification(t *testing.T) {
	assert.True(t, IsRetryable(NewError(KindTimeout, "click", "#a", errors.New("slow"))))
	assert.True(t, IsRetryable(NewError(KindNetwork, "navigate", "", errors.New("reset"))))
	assert.False(t, IsRetryable(LocatorError("click", "#a", errors.New("no match"))))
	assert.False(t, IsRetryable(NewError(KindAssertion, "assert", "#a", errors.New("mismatch"))))

	assert.True(t, IsLocator(LocatorError("click", "#a", errors.New("no match"))))
	assert.False(t, IsLocator(context.DeadlineExceeded))
}

func TestErrorMessageIncludesTarget(t *testing.T) {
	err := LocatorError("click", "#login", errors.New("no visible match"))
	assert.Contains(t, err.Error(), `click on "#login"`)
	assert.Contains(t, err.Error(), "locator")

	bare := NewError(KindTimeout, "navigate", "", errors.New("slow"))
	assert.NotContains(t, bare.Error(), `""`)
}

func TestEventLogWindow(t *testing.T) {
	log := NewEventLog()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	log.AddNetwork(models.NetworkCapture{URL: "/api/a", Timestamp: base})
	log.AddNetwork(models.NetworkCapture{URL: "/api/b", Timestamp: base.Add(2 * time.Second)})
	log.AddConsole(models.ConsoleCapture{Message: "warn", Timestamp: base.Add(time.Second)})
	log.AddPageError(models.PageErrorCapture{Message: "boom", Timestamp: base.Add(3 * time.Second)})

	nets, cons, errs := log.Window(base, base.Add(time.Second))
	assert.Len(t, nets, 1)
	assert.Equal(t, "/api/a", nets[0].URL)
	assert.Len(t, cons, 1)
	assert.Empty(t, errs)
}

func TestEventLogOutside(t *testing.T) {
	log := NewEventLog()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	log.AddNetwork(models.NetworkCapture{URL: "/in", Timestamp: base})
	log.AddNetwork(models.NetworkCapture{URL: "/between", Timestamp: base.Add(5 * time.Second)})
	log.AddPageError(models.PageErrorCapture{Message: "late", Timestamp: base.Add(10 * time.Second)})

	windows := [][2]time.Time{
		{base, base.Add(time.Second)},
		{base.Add(8 * time.Second), base.Add(9 * time.Second)},
	}
	nets, cons, errs := log.Outside(windows)
	assert.Len(t, nets, 1)
	assert.Equal(t, "/between", nets[0].URL)
	assert.Empty(t, cons)
	assert.Len(t, errs, 1)
}
