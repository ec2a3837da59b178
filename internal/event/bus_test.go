package event

import (
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()

	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe()

	for i := 1; i <= 100; i++ {
		bus.Emit(Event{Type: SessionSaved, TurnNumber: i})
	}

	for i := 1; i <= 100; i++ {
		ev := receive(t, sub)
		if ev.TurnNumber != i {
			t.Fatalf("event %d out of order: got turn %d", i, ev.TurnNumber)
		}
	}
}

func TestBus_EmitDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_ = bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Emit(Event{Type: Summarizing})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on an unread subscription")
	}
}

func TestBus_FilterByType(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(RolloverComplete)

	bus.Emit(Event{Type: Summarizing})
	bus.Emit(Event{Type: RolloverComplete, OriginalTokens: 10})

	ev := receive(t, sub)
	if ev.Type != RolloverComplete || ev.OriginalTokens != 10 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestBus_CloseEndsSubscription(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	sub.Close()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}

	bus.Emit(Event{Type: Compressed})
	bus.Close()
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	sub := bus.Subscribe()
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel from closed bus")
	}
}
