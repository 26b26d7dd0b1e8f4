package events

import (
	"testing"
	"time"
)

func TestPublishReachesTypedSubscriber(t *testing.T) {
	bus := NewBus()

	got := make(chan Event, 1)
	bus.Subscribe(EventBreakerStateChanged, func(e Event) { got <- e })

	bus.PublishBreakerChange("closed", "open", "server")

	select {
	case e := <-got:
		if e.Type != EventBreakerStateChanged {
			t.Errorf("Unexpected type: %s", e.Type)
		}
		if e.Data["to"] != "open" {
			t.Errorf("Unexpected payload: %v", e.Data)
		}
		if e.Timestamp.IsZero() {
			t.Error("Publish did not stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber never received the event")
	}
}

func TestTypedSubscriberIgnoresOtherTypes(t *testing.T) {
	bus := NewBus()

	got := make(chan Event, 1)
	bus.Subscribe(EventBreakerStateChanged, func(e Event) { got <- e })

	bus.PublishBalanceRejected("BTC", "pull", "negative")

	select {
	case e := <-got:
		t.Fatalf("Subscriber received unrelated event: %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()

	got := make(chan EventType, 2)
	bus.SubscribeAll(func(e Event) { got <- e.Type })

	bus.PublishBreakerChange("closed", "open", "server")
	bus.PublishBalanceRejected("BTC", "pull", "negative")

	seen := make(map[EventType]bool)
	for i := 0; i < 2; i++ {
		select {
		case typ := <-got:
			seen[typ] = true
		case <-time.After(time.Second):
			t.Fatal("Catch-all subscriber missed an event")
		}
	}
	if !seen[EventBreakerStateChanged] || !seen[EventBalanceRejected] {
		t.Errorf("Expected both event types, got %v", seen)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	got := make(chan Event, 4)
	unsubscribe := bus.SubscribeAll(func(e Event) { got <- e })

	bus.PublishBreakerChange("closed", "open", "server")
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("Subscriber never received the first event")
	}

	// A departed consumer must not keep receiving; reconnecting clients
	// would otherwise accumulate dead subscribers forever.
	unsubscribe()
	bus.PublishBreakerChange("open", "half_open", "probe")

	select {
	case e := <-got:
		t.Fatalf("Unsubscribed consumer received %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()

	other := make(chan Event, 1)
	bus.SubscribeAll(func(e Event) { other <- e })

	unsubscribe := bus.SubscribeAll(func(e Event) {})
	unsubscribe()
	unsubscribe()

	// Remaining subscribers are unaffected.
	bus.PublishBreakerChange("closed", "open", "server")
	select {
	case <-other:
	case <-time.After(time.Second):
		t.Fatal("Surviving subscriber stopped receiving")
	}
}
