package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/arbor-labs/arborflow/core"
)

func TestEvent_Builders(t *testing.T) {
	e := NewEvent(EventNodeComplete, "sess-1").
		WithNode("n1", core.NodeTypeTask).
		WithElapsed(3 * time.Second).
		WithUsage(core.TokenUsage{TotalTokens: 7}).
		WithPayload("output", "done")

	if e.Kind != EventNodeComplete {
		t.Errorf("Kind = %v", e.Kind)
	}
	if e.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", e.SessionID)
	}
	if e.NodeID != "n1" || e.NodeType != core.NodeTypeTask {
		t.Errorf("node = %q/%q", e.NodeID, e.NodeType)
	}
	if e.Elapsed != 3*time.Second {
		t.Errorf("Elapsed = %v", e.Elapsed)
	}
	if e.Usage == nil || e.Usage.TotalTokens != 7 {
		t.Errorf("Usage = %+v", e.Usage)
	}
	if e.Payload["output"] != "done" {
		t.Errorf("Payload = %+v", e.Payload)
	}
	if e.Time.IsZero() {
		t.Error("Time should be set")
	}
}

func TestEvent_WithPayloadCopiesForward(t *testing.T) {
	e := NewEvent(EventNodeOutput, "s")
	e2 := e.WithPayload("delta", "x")
	if e.Payload != nil && len(e.Payload) != 0 {
		// The original value's map may be shared after the first add;
		// what matters is that the returned event carries the pair.
		t.Logf("original payload: %+v", e.Payload)
	}
	if e2.Payload["delta"] != "x" {
		t.Errorf("payload not set: %+v", e2.Payload)
	}
}

func TestSeqGen_Monotonic(t *testing.T) {
	s := &seqGen{}
	for want := uint64(1); want <= 5; want++ {
		if got := s.Next(); got != want {
			t.Errorf("Next() = %d, want %d", got, want)
		}
	}
}

func TestSeqGen_Concurrent(t *testing.T) {
	s := &seqGen{}
	const n = 100
	seen := make(chan uint64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- s.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		if unique[v] {
			t.Fatalf("duplicate sequence number %d", v)
		}
		unique[v] = true
	}
	if len(unique) != n {
		t.Errorf("got %d unique values, want %d", len(unique), n)
	}
}

func TestMultiEventHandler(t *testing.T) {
	var calls []string
	h := MultiEventHandler(
		func(Event) { calls = append(calls, "a") },
		nil,
		func(Event) { calls = append(calls, "b") },
	)
	h(NewEvent(EventNodeStart, "s"))
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Errorf("calls = %v, want [a b]", calls)
	}
}
