package bridge

import (
	"fmt"
	"testing"
	"time"
)

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestBusDeliversInOrderToEverySubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	first := bus.Subscribe()
	second := bus.Subscribe()

	for i := 0; i < 100; i++ {
		bus.Publish(Event{Kind: KindTransferProgress, PeerID: fmt.Sprint(i)})
	}
	for _, sub := range []*Subscription{first, second} {
		for i := 0; i < 100; i++ {
			if got := nextEvent(t, sub); got.PeerID != fmt.Sprint(i) {
				t.Fatalf("expected event %d, got %q", i, got.PeerID)
			}
		}
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	slow := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish(Event{Kind: KindTransferProgress, PeerID: fmt.Sprint(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on an idle subscriber")
	}

	if got := nextEvent(t, slow); got.PeerID != "0" {
		t.Fatalf("expected oldest event first, got %q", got.PeerID)
	}
	if got := nextEvent(t, slow); got.Time.IsZero() {
		t.Fatalf("expected publish to stamp the event time")
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	kept := bus.Subscribe()
	released := bus.Subscribe()
	released.Close()

	bus.Publish(Event{Kind: KindPeerLost, PeerID: "peer-1"})
	if got := nextEvent(t, kept); got.PeerID != "peer-1" {
		t.Fatalf("unexpected event %+v", got)
	}

	select {
	case _, ok := <-released.Events():
		if ok {
			t.Fatalf("released subscription must not receive events")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("released subscription channel was not closed")
	}
	released.Close()
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	bus.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed by bus Close")
	}

	late := bus.Subscribe()
	if _, ok := <-late.Events(); ok {
		t.Fatalf("subscriptions on a closed bus must be closed")
	}
	late.Close()
}
