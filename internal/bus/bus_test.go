package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: "message.upserted", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "message.upserted" {
			t.Errorf("got kind %q, want message.upserted", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	b.Publish(Event{Kind: "message.upserted"})
	b.Publish(Event{Kind: "presence.online"})

	select {
	case evt := <-ch:
		if evt.Kind != "presence.online" {
			t.Errorf("got kind %q, want presence.online", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	b.Publish(Event{Kind: "message.upserted"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

// Subscribers must see events in subscription order so that UI updates stay
// deterministic relative to cache writes.
func TestDeliveryOrder(t *testing.T) {
	b := New()
	first, unsub1 := b.Subscribe("message.", 1)
	defer unsub1()
	second, unsub2 := b.Subscribe("message.", 1)
	defer unsub2()

	b.Publish(Event{Kind: "message.upserted"})

	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("first subscriber got nothing")
	}
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second subscriber got nothing")
	}
}
