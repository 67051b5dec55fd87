// Package bus distributes session events to subscribers and persists them
// for replay. Publishing appends the event to the store before fan-out, so
// a stored event is never missing from the log that live subscribers saw.
package bus

import "github.com/arbor-labs/arborflow/engine"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish appends an event to the store and sends it to all
	// matching subscribers.
	Publish(event engine.Event)

	// Subscribe registers a subscriber for a specific session.
	// Returns a Subscription that must be closed when done.
	Subscribe(sessionID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all
	// sessions. Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Store exposes the backing event store for replay.
	Store() EventStore

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan engine.Event

	// Close unsubscribes and releases resources.
	Close() error
}
