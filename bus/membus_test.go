package bus

import (
	"context"
	"testing"
	"time"

	"github.com/arbor-labs/arborflow/engine"
)

func testEvent(sessionID string, seq uint64, kind engine.EventKind) engine.Event {
	e := engine.NewEvent(kind, sessionID)
	e.Seq = seq
	return e
}

func TestMemBus_PublishSubscribe(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("sess-1")
	defer sub.Close()

	want := testEvent("sess-1", 1, engine.EventNodeStart)
	b.Publish(want)

	select {
	case got := <-sub.Events():
		if got.SessionID != "sess-1" || got.Seq != 1 || got.Kind != engine.EventNodeStart {
			t.Errorf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemBus_SessionIsolation(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("sess-1")
	defer sub.Close()

	b.Publish(testEvent("sess-2", 1, engine.EventNodeStart))
	b.Publish(testEvent("sess-1", 1, engine.EventNodeComplete))

	select {
	case got := <-sub.Events():
		if got.SessionID != "sess-1" {
			t.Errorf("received event for session %q, want sess-1", got.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemBus_FanOut(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub1 := b.Subscribe("sess-1")
	defer sub1.Close()
	sub2 := b.Subscribe("sess-1")
	defer sub2.Close()

	b.Publish(testEvent("sess-1", 1, engine.EventNodeStart))

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case got := <-sub.Events():
			if got.Seq != 1 {
				t.Errorf("subscriber %d got seq %d, want 1", i, got.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestMemBus_SubscribeAll(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.SubscribeAll()
	defer sub.Close()

	b.Publish(testEvent("sess-1", 1, engine.EventNodeStart))
	b.Publish(testEvent("sess-2", 1, engine.EventNodeStart))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case got := <-sub.Events():
			seen[got.SessionID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if !seen["sess-1"] || !seen["sess-2"] {
		t.Errorf("global subscriber saw %v, want both sessions", seen)
	}
}

func TestMemBus_StoreAppendBeforeDelivery(t *testing.T) {
	store := NewMemEventStore()
	b := NewMemBus(MemBusConfig{Store: store})
	defer b.Close()

	sub := b.Subscribe("sess-1")
	defer sub.Close()

	b.Publish(testEvent("sess-1", 1, engine.EventNodeStart))

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	stored, err := store.List(context.Background(), "sess-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Errorf("store has %d events, want 1", len(stored))
	}
}

func TestMemBus_PublishAfterClose(t *testing.T) {
	store := NewMemEventStore()
	b := NewMemBus(MemBusConfig{Store: store})

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	b.Publish(testEvent("sess-1", 1, engine.EventNodeStart))

	stored, err := store.List(context.Background(), "sess-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 0 {
		t.Errorf("closed bus persisted %d events, want 0", len(stored))
	}
}

func TestMemBus_CloseClosesSubscriptions(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("sess-1")

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}

	// Closing an already-closed subscription is safe.
	if err := sub.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestMemBus_DropsWhenSubscriberFull(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1})
	defer b.Close()

	sub := b.Subscribe("sess-1")
	defer sub.Close()

	b.Publish(testEvent("sess-1", 1, engine.EventNodeStart))
	b.Publish(testEvent("sess-1", 2, engine.EventNodeComplete))

	select {
	case got := <-sub.Events():
		if got.Seq != 1 {
			t.Errorf("got seq %d, want 1", got.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case got := <-sub.Events():
		t.Errorf("unexpected second delivery: seq %d", got.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}
