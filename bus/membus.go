package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arbor-labs/arborflow/engine"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// Store persists published events for replay. Defaults to a fresh
	// MemEventStore.
	Store EventStore

	// SubscriberBufferSize is the channel buffer size per subscriber
	// (default: 256).
	SubscriberBufferSize int

	Logger *slog.Logger
}

// MemBus is an in-memory event bus backed by an EventStore.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // sessionID -> subscribers
	globalSubs []*memSub            // subscribers for all sessions
	store      EventStore
	bufSize    int
	logger     *slog.Logger
	closed     bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	store := config.Store
	if store == nil {
		store = NewMemEventStore()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		store:   store,
		bufSize: bufSize,
		logger:  logger,
	}
}

// Publish appends the event to the store, then sends it to session-specific
// and global subscribers. A store failure is logged, not fatal; live
// delivery still happens. If the bus is closed the event is dropped.
func (b *MemBus) Publish(event engine.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if err := b.store.Append(context.Background(), event); err != nil {
		b.logger.Error("failed to persist event",
			"session_id", event.SessionID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}

	for _, sub := range b.subs[event.SessionID] {
		sub.send(event)
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a specific session.
func (b *MemBus) Subscribe(sessionID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events from all sessions.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Store exposes the backing event store.
func (b *MemBus) Store() EventStore {
	return b.store
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}

	return nil
}

// memSub is an in-memory subscription.
type memSub struct {
	ch     chan engine.Event
	mu     sync.Mutex
	closed bool
}

func newMemSub(bufSize int) *memSub {
	return &memSub{
		ch: make(chan engine.Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan engine.Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- event:
	default:
		// Drop if channel full.
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
