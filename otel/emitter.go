package otel

import (
	"github.com/arbor-labs/arborflow/engine"
)

// EnrichEmitter returns an engine.EventEmitterDecorator that drives the
// TracingHandler's span lifecycle and stamps outgoing events with the
// trace and span IDs of the active span for their node, falling back to
// the session span when no node span exists. Pass it in
// engine.Options.Decorators.
func EnrichEmitter(h *TracingHandler) engine.EventEmitterDecorator {
	return func(next engine.EventEmitter) engine.EventEmitter {
		return func(e engine.Event) {
			// Capture contexts before Handle, since span-ending events
			// remove their spans from the handler's maps.
			nodeSC := h.ActiveSpanContext(e.SessionID, e.NodeID)
			sessSC := h.ActiveSessionSpanContext(e.SessionID)

			h.Handle(e)

			sc := nodeSC
			if !sc.IsValid() {
				sc = h.ActiveSpanContext(e.SessionID, e.NodeID)
			}
			if !sc.IsValid() {
				sc = h.ActiveSessionSpanContext(e.SessionID)
			}
			if !sc.IsValid() {
				sc = sessSC
			}
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
			next(e)
		}
	}
}

// MetricsEmitter returns an engine.EventEmitterDecorator that feeds every
// emitted event to the MetricsHandler. Pass it in
// engine.Options.Decorators alongside EnrichEmitter.
func MetricsEmitter(h *MetricsHandler) engine.EventEmitterDecorator {
	return func(next engine.EventEmitter) engine.EventEmitter {
		return func(e engine.Event) {
			h.Handle(e)
			next(e)
		}
	}
}
