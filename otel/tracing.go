// Package otel provides OpenTelemetry integration for engine events.
package otel

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbor-labs/arborflow/engine"
)

// TracingHandler translates engine events into OpenTelemetry spans. It
// maintains maps of active session and node spans, creating and ending
// them based on event kind. Register it as an event handler on the bus.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	sessSpans map[string]trace.Span      // sessionID -> span
	sessCtxs  map[string]context.Context // sessionID -> context (for child spans)
	nodeSpans map[string]trace.Span      // sessionID:nodeID -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		sessSpans: make(map[string]trace.Span),
		sessCtxs:  make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes an engine event and creates or ends spans accordingly.
// It implements engine.EventHandler semantics.
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventNodeStart:
		h.handleNodeStart(e)
	case engine.EventNodeComplete:
		h.handleNodeComplete(e)
	case engine.EventNodeError:
		h.handleNodeError(e)
	case engine.EventBranchDecision, engine.EventConditionWarning, engine.EventUserInputRequest:
		h.handleSpanEvent(e)
	case engine.EventWorkflowComplete, engine.EventWorkflowCancelled:
		h.handleSessionEnd(e)
	}
}

// sessionCtx returns the active session context, creating the root span on
// first use.
func (h *TracingHandler) sessionCtx(e engine.Event) context.Context {
	h.mu.RLock()
	ctx, ok := h.sessCtxs[e.SessionID]
	h.mu.RUnlock()
	if ok {
		return ctx
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx, ok := h.sessCtxs[e.SessionID]; ok {
		return ctx
	}
	ctx, span := h.tracer.Start(context.Background(), "session:"+e.SessionID,
		trace.WithAttributes(
			attribute.String("arborflow.session_id", e.SessionID),
		),
		trace.WithTimestamp(e.Time),
	)
	h.sessSpans[e.SessionID] = span
	h.sessCtxs[e.SessionID] = ctx
	return ctx
}

func (h *TracingHandler) handleNodeStart(e engine.Event) {
	parentCtx := h.sessionCtx(e)

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("arborflow.session_id", e.SessionID),
			attribute.String("arborflow.node_id", e.NodeID),
			attribute.String("arborflow.node_type", string(e.NodeType)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[e.SessionID+":"+e.NodeID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeComplete(e engine.Event) {
	key := e.SessionID + ":" + e.NodeID

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	h.mu.Unlock()

	if ok {
		span.SetAttributes(
			attribute.String("arborflow.duration", e.Elapsed.String()),
		)
		if e.Usage != nil {
			span.SetAttributes(
				attribute.Int("arborflow.tokens.input", e.Usage.InputTokens),
				attribute.Int("arborflow.tokens.output", e.Usage.OutputTokens),
			)
		}
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

func (h *TracingHandler) handleNodeError(e engine.Event) {
	key := e.SessionID + ":" + e.NodeID

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	h.mu.Unlock()

	if ok {
		errMsg := "unknown error"
		if msg, found := e.Payload["error"]; found {
			if s, ok := msg.(string); ok {
				errMsg = s
			}
		}
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(errors.New(errMsg), trace.WithTimestamp(e.Time))
		span.End(trace.WithTimestamp(e.Time))
	}
}

// handleSpanEvent records decision and pause events on the node span.
func (h *TracingHandler) handleSpanEvent(e engine.Event) {
	h.mu.RLock()
	span, ok := h.nodeSpans[e.SessionID+":"+e.NodeID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("arborflow.event_kind", string(e.Kind)),
	}
	if result, found := e.Payload["result"]; found {
		if b, ok := result.(bool); ok {
			attrs = append(attrs, attribute.Bool("arborflow.branch_result", b))
		}
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleSessionEnd(e engine.Event) {
	h.mu.Lock()
	span, ok := h.sessSpans[e.SessionID]
	if ok {
		delete(h.sessSpans, e.SessionID)
		delete(h.sessCtxs, e.SessionID)
	}
	// A cancelled session may leave node spans open.
	for key, ns := range h.nodeSpans {
		if len(key) > len(e.SessionID) && key[:len(e.SessionID)] == e.SessionID {
			ns.End(trace.WithTimestamp(e.Time))
			delete(h.nodeSpans, key)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	status, _ := e.Payload["status"].(string)
	if e.Kind == engine.EventWorkflowCancelled {
		status = string(engine.SessionCancelled)
	}
	span.SetAttributes(attribute.String("arborflow.status", status))

	if status == string(engine.SessionError) {
		errMsg := "session failed"
		if msg, found := e.Payload["error"]; found {
			if s, ok := msg.(string); ok {
				errMsg = s
			}
		}
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext for the active node span.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(sessionID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if span, ok := h.nodeSpans[sessionID+":"+nodeID]; ok {
		return span.SpanContext()
	}
	return trace.SpanContext{}
}

// ActiveSessionSpanContext returns the SpanContext for the active session
// span. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSessionSpanContext(sessionID string) trace.SpanContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if span, ok := h.sessSpans[sessionID]; ok {
		return span.SpanContext()
	}
	return trace.SpanContext{}
}
