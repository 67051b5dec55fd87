package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/arbor-labs/arborflow/engine"
)

// MetricsHandler translates engine events into OpenTelemetry metrics.
// It records counters and histograms for node executions, failures, and
// session durations.
type MetricsHandler struct {
	nodeExecutions  metric.Int64Counter
	nodeFailures    metric.Int64Counter
	nodeDuration    metric.Float64Histogram
	sessionDuration metric.Float64Histogram

	mu      sync.Mutex
	started map[string]time.Time // sessionID -> first event time
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording engine metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	nodeExec, err := meter.Int64Counter("arborflow.node.executions",
		metric.WithDescription("Number of node executions"),
	)
	if err != nil {
		return nil, err
	}

	nodeFail, err := meter.Int64Counter("arborflow.node.failures",
		metric.WithDescription("Number of node failures"),
	)
	if err != nil {
		return nil, err
	}

	nodeDur, err := meter.Float64Histogram("arborflow.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	sessDur, err := meter.Float64Histogram("arborflow.session.duration",
		metric.WithDescription("Duration of a workflow session in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		nodeExecutions:  nodeExec,
		nodeFailures:    nodeFail,
		nodeDuration:    nodeDur,
		sessionDuration: sessDur,
		started:         make(map[string]time.Time),
	}, nil
}

// Handle processes an engine event and records the appropriate metrics.
func (h *MetricsHandler) Handle(e engine.Event) {
	h.noteStart(e)

	switch e.Kind {
	case engine.EventNodeComplete:
		h.handleNodeComplete(e)
	case engine.EventNodeError:
		h.handleNodeError(e)
	case engine.EventWorkflowComplete, engine.EventWorkflowCancelled:
		h.handleSessionEnd(e)
	}
}

// noteStart remembers when the session's first event was seen so the
// session duration can be measured at the terminal event.
func (h *MetricsHandler) noteStart(e engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.started[e.SessionID]; !ok {
		h.started[e.SessionID] = e.Time
	}
}

// handleNodeComplete increments the execution counter and records duration.
func (h *MetricsHandler) handleNodeComplete(e engine.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node_type", string(e.NodeType)),
		attribute.String("node_id", e.NodeID),
	)
	h.nodeExecutions.Add(ctx, 1, attrs)
	h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

// handleNodeError increments the failure counter.
func (h *MetricsHandler) handleNodeError(e engine.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node_type", string(e.NodeType)),
		attribute.String("node_id", e.NodeID),
	)
	h.nodeFailures.Add(ctx, 1, attrs)
}

// handleSessionEnd records the session duration measured from its first
// event to this terminal one.
func (h *MetricsHandler) handleSessionEnd(e engine.Event) {
	h.mu.Lock()
	start, ok := h.started[e.SessionID]
	delete(h.started, e.SessionID)
	h.mu.Unlock()
	if !ok {
		return
	}

	status, _ := e.Payload["status"].(string)
	if e.Kind == engine.EventWorkflowCancelled {
		status = string(engine.SessionCancelled)
	}

	h.sessionDuration.Record(context.Background(), e.Time.Sub(start).Seconds(),
		metric.WithAttributes(
			attribute.String("session_id", e.SessionID),
			attribute.String("status", status),
		),
	)
}
