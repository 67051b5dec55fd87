// Package engine executes workflow graphs: it walks node by node, maintains
// per-session context, emits an ordered event stream, and handles pausing,
// cancellation and loops.
package engine

import (
	"sync/atomic"
	"time"

	"github.com/arbor-labs/arborflow/core"
)

// EventKind identifies the type of event emitted during execution.
type EventKind string

const (
	// EventNodeStart is emitted when a node begins execution.
	EventNodeStart EventKind = "node_start"

	// EventNodeOutput is emitted for each incremental piece of node output.
	EventNodeOutput EventKind = "node_output"

	// EventNodeComplete is emitted when a node finishes successfully.
	EventNodeComplete EventKind = "node_complete"

	// EventNodeError is emitted when a node fails. Execution continues on
	// unaffected branches.
	EventNodeError EventKind = "node_error"

	// EventUserInputRequest is emitted when execution pauses for a user
	// answer.
	EventUserInputRequest EventKind = "user_input_request"

	// EventBranchDecision is emitted when a branch resolves its condition
	// or an orchestrator selects its dispatch profiles.
	EventBranchDecision EventKind = "branch_decision"

	// EventConditionWarning is emitted when a condition failed to evaluate
	// and was treated as false.
	EventConditionWarning EventKind = "condition_warning"

	// EventWorkflowCancelled is the single acknowledgement emitted after a
	// cancellation request. No session events follow it.
	EventWorkflowCancelled EventKind = "workflow_cancelled"

	// EventWorkflowComplete is emitted when the session reaches a terminal
	// successful state.
	EventWorkflowComplete EventKind = "workflow_complete"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what happened during a
// session. Events are append-only and strictly ordered per session by Seq.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// SessionID is the session this event belongs to.
	SessionID string `json:"session_id"`

	// NodeID is the node that produced this event (empty for
	// session-level events).
	NodeID string `json:"node_id,omitempty"`

	// NodeType is the type of that node.
	NodeType core.NodeType `json:"node_type,omitempty"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Seq is a monotonic sequence number per session (1-indexed).
	// Assigned at publish; never reused, never reordered.
	Seq uint64 `json:"seq"`

	// Elapsed is the duration since the node started, set on completion
	// events.
	Elapsed time.Duration `json:"elapsed,omitempty"`

	// Usage reports token consumption, set on completion events of
	// worker-backed nodes.
	Usage *core.TokenUsage `json:"usage,omitempty"`

	// Payload contains event-specific data. Keep it small.
	Payload map[string]any `json:"payload,omitempty"`

	// TraceID is the OpenTelemetry trace ID (hex, empty when OTel inactive).
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID (hex, empty when OTel inactive).
	SpanID string `json:"span_id,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, sessionID string) Event {
	return Event{
		Kind:      kind,
		SessionID: sessionID,
		Time:      time.Now(),
	}
}

// WithNode sets the node information on the event.
func (e Event) WithNode(nodeID string, nodeType core.NodeType) Event {
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithUsage sets token usage on the event.
func (e Event) WithUsage(usage core.TokenUsage) Event {
	e.Usage = &usage
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// for example enriching events with trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers. Satisfied by
// bus.Bus, allowing the engine to distribute events without importing the
// bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// seqGen produces monotonically increasing sequence numbers for a single
// session.
type seqGen struct {
	counter atomic.Uint64
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}
