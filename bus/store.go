package bus

import (
	"context"

	"github.com/arbor-labs/arborflow/engine"
)

// EventStore persists events for replay. Events are append-only; the Seq
// assigned by the engine is stable across reads.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event engine.Event) error

	// List returns events for a session in Seq order, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]engine.Event, error)

	// LatestSeq returns the highest Seq for a session (0 if no events).
	LatestSeq(ctx context.Context, sessionID string) (uint64, error)
}
