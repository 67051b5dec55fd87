package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arbor-labs/arborflow/bus"
	"github.com/arbor-labs/arborflow/engine"
)

// Stream sentinels. A stream ends with exactly one of them on its own line.
const (
	doneSentinel  = "[DONE]"
	errorSentinel = "ERROR: "
)

// wireEvent is the JSON shape of one NDJSON stream line.
type wireEvent struct {
	Kind      string           `json:"kind"`
	SessionID string           `json:"session_id"`
	NodeID    string           `json:"node_id,omitempty"`
	NodeType  string           `json:"node_type,omitempty"`
	Time      time.Time        `json:"time"`
	Seq       uint64           `json:"seq"`
	ElapsedMs int64            `json:"elapsed_ms,omitempty"`
	Usage     *json.RawMessage `json:"usage,omitempty"`
	Payload   map[string]any   `json:"payload,omitempty"`
	TraceID   string           `json:"trace_id,omitempty"`
	SpanID    string           `json:"span_id,omitempty"`
}

func toWireEvent(e engine.Event) wireEvent {
	we := wireEvent{
		Kind:      string(e.Kind),
		SessionID: e.SessionID,
		NodeID:    e.NodeID,
		NodeType:  string(e.NodeType),
		Time:      e.Time,
		Seq:       e.Seq,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
	if e.Usage != nil {
		if b, err := json.Marshal(e.Usage); err == nil {
			raw := json.RawMessage(b)
			we.Usage = &raw
		}
	}
	return we
}

// streamEvents writes the session's events as newline-delimited JSON, one
// UTF-8 encoded event per line, ending with "[DONE]" on normal completion
// or "ERROR: <message>" on failure.
//
// The live subscription is opened before the stored replay so nothing can
// fall between them; replayed and live events are deduplicated by Seq, and
// replay only delivers events with Seq strictly greater than afterSeq.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, sessionID string, afterSeq uint64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming", nil)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replay to avoid a gap between the two phases.
	sub := s.bus.Subscribe(sessionID)
	defer sub.Close()

	lastSeq := afterSeq
	finished, err := s.replayStored(ctx, w, flusher, sessionID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	// The session may have terminated between replay and now, or its
	// terminal event may have been pruned from the store. Drain whatever
	// the live subscription buffered, then close the stream.
	if sess, err := s.engine.GetSession(sessionID); err == nil && sess.Status.Terminal() {
		for {
			select {
			case evt, ok := <-sub.Events():
				if !ok {
					s.writeTerminal(w, flusher, sess.Status, sess.Error)
					return
				}
				if evt.Seq <= lastSeq {
					continue
				}
				if err := writeEventLine(w, evt); err != nil {
					return
				}
				flusher.Flush()
				lastSeq = evt.Seq
				if done := s.maybeFinish(w, flusher, evt); done {
					return
				}
			default:
				s.writeTerminal(w, flusher, sess.Status, sess.Error)
				return
			}
		}
	}

	s.streamLive(ctx, w, flusher, sub, &lastSeq)
}

// replayStored replays stored events with Seq > afterSeq. It returns true
// when a terminal event ended the stream.
func (s *Server) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sessionID string,
	afterSeq uint64,
	lastSeq *uint64,
) (finished bool, err error) {
	events, err := s.bus.Store().List(ctx, sessionID, afterSeq, 0)
	if err != nil {
		s.logger.Error("event replay failed", "session", sessionID, "error", err)
		fmt.Fprintf(w, "%s%s\n", errorSentinel, "event replay failed")
		flusher.Flush()
		return true, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := writeEventLine(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()

		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}
		if done := s.maybeFinish(w, flusher, evt); done {
			return true, nil
		}
	}
	return false, nil
}

// streamLive forwards live events, skipping anything already delivered
// during replay.
func (s *Server) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= *lastSeq {
				continue
			}
			if err := writeEventLine(w, evt); err != nil {
				return
			}
			flusher.Flush()
			*lastSeq = evt.Seq

			if done := s.maybeFinish(w, flusher, evt); done {
				return
			}
		}
	}
}

// maybeFinish writes the closing sentinel when evt terminates the session.
func (s *Server) maybeFinish(w http.ResponseWriter, flusher http.Flusher, evt engine.Event) bool {
	switch evt.Kind {
	case engine.EventWorkflowComplete:
		if status, _ := evt.Payload["status"].(string); status == string(engine.SessionError) {
			msg, _ := evt.Payload["error"].(string)
			fmt.Fprintf(w, "%s%s\n", errorSentinel, msg)
		} else {
			fmt.Fprintln(w, doneSentinel)
		}
		flusher.Flush()
		return true
	case engine.EventWorkflowCancelled:
		// Cancellation is a requested termination; the ack line is the
		// last event and the stream closes normally.
		fmt.Fprintln(w, doneSentinel)
		flusher.Flush()
		return true
	}
	return false
}

func (s *Server) writeTerminal(w http.ResponseWriter, flusher http.Flusher, status engine.SessionStatus, errMsg string) {
	if status == engine.SessionError {
		fmt.Fprintf(w, "%s%s\n", errorSentinel, errMsg)
	} else {
		fmt.Fprintln(w, doneSentinel)
	}
	flusher.Flush()
}

// writeEventLine writes a single event as one JSON line.
func writeEventLine(w http.ResponseWriter, evt engine.Event) error {
	data, err := json.Marshal(toWireEvent(evt))
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n"))
	return err
}
