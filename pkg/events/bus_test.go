package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(Event{Type: TypeRunStart, RunID: "r1"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeRunStart, ev.Type)
			assert.Equal(t, "r1", ev.RunID)
			assert.False(t, ev.Timestamp.IsZero(), "publish stamps the event")
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBusPreservesPublishOrder(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	for ordinal := 1; ordinal <= 5; ordinal++ {
		bus.Publish(Event{Type: TypeStepStart, Payload: StepStartPayload{Ordinal: ordinal}})
	}
	for want := 1; want <= 5; want++ {
		ev := <-ch
		require.Equal(t, want, ev.Payload.(StepStartPayload).Ordinal)
	}
}

func TestBusSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	slow, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeStepPass})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	// The buffer holds exactly one event; the rest were dropped.
	assert.Len(t, slow, 1)
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	bus.Publish(Event{Type: TypeRunEnd})
}

func TestPublisherWithoutBus(t *testing.T) {
	p := NewPublisher(nil, nil)
	// Log-only mode: none of these may panic.
	p.RunStart("", "r1", "p1", "Plan")
	p.StepStart("", "r1", "p1", StepStartPayload{Ordinal: 1})
	p.StepFail("", "r1", "p1", StepEndPayload{Ordinal: 1, ErrorKind: "locator"})
	p.RunEnd("", "r1", "p1", RunEndPayload{Outcome: "failed"})
}

func TestPublisherRoutesToBus(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	p := NewPublisher(bus, nil)
	p.SuiteStart("s1", 3)
	p.TestQueued("s1", TestTransitionPayload{PlanID: "p1", PlanName: "Login"})
	p.TriggerDispatched(TriggerPayload{TriggerID: "t1", SuiteIDs: []string{"s1"}})

	wantTypes := []EventType{TypeSuiteStart, TypeTestQueued, TypeTriggerDispatched}
	for _, want := range wantTypes {
		select {
		case ev := <-ch:
			assert.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", want)
		}
	}
}
