package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("feed.", 10)
	defer unsub()

	b.Publish(NewEvent(KindFeedChanged, "home"))

	select {
	case evt := <-ch:
		if evt.Kind != KindFeedChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindFeedChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("NewEvent should stamp the timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("channel.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindFeedChanged})
	b.Publish(Event{Kind: KindChannelStateChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindChannelStateChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindChannelStateChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The feed event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("mutation.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindMutationConfirmed})

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
	// Buffer is full; this one is dropped without blocking.
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindFeedChanged})
	if b.Dropped() != 0 {
		t.Error("nil bus should report zero drops")
	}
}
