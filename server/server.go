// Package server exposes the workflow engine over HTTP: execution
// submission with a streamed event response, session queries, cancellation,
// pending-input answers, and reconnectable event streams.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arbor-labs/arborflow/bus"
	"github.com/arbor-labs/arborflow/engine"
	"github.com/arbor-labs/arborflow/loader"
)

// Config configures a Server.
type Config struct {
	Engine *engine.Engine
	Bus    bus.EventBus
	Logger *slog.Logger
}

// Server is the HTTP front of the engine.
type Server struct {
	engine *engine.Engine
	bus    bus.EventBus
	logger *slog.Logger
}

// New creates a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: cfg.Engine,
		bus:    cfg.Bus,
		logger: logger,
	}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/executions", s.handleExecute)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStreamSession)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancelSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", s.handleAnswerInput)

	return mux
}

// executeRequest is the body of POST /api/executions. Either Workflow is
// given to start a new session, or ExistingSessionID reattaches to one.
type executeRequest struct {
	Workflow  *loader.Document `json:"workflow,omitempty"`
	Input     string           `json:"input,omitempty"`
	StartNode string           `json:"start_node,omitempty"`

	// ExistingSessionID resumes streaming an existing session instead of
	// creating a new one.
	ExistingSessionID string `json:"existing_session_id,omitempty"`

	// LastEventIndex is the highest event Seq the client has already
	// seen; replay starts strictly after it.
	LastEventIndex uint64 `json:"last_event_index,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}

	if req.ExistingSessionID != "" {
		if _, err := s.engine.GetSession(req.ExistingSessionID); err != nil {
			writeSessionError(w, req.ExistingSessionID, err)
			return
		}
		s.streamEvents(w, r, req.ExistingSessionID, req.LastEventIndex)
		return
	}

	if req.Workflow == nil {
		writeJSONError(w, http.StatusBadRequest, "MISSING_WORKFLOW", "either workflow or existing_session_id is required", nil)
		return
	}
	g, err := req.Workflow.Graph()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_GRAPH", err.Error(), nil)
		return
	}

	sess, findings, err := s.engine.Submit(g, req.Input, req.StartNode)
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			writeJSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED",
				"graph validation failed", map[string]any{"findings": verr.Findings})
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "SUBMIT_FAILED", err.Error(), nil)
		return
	}
	if len(findings) > 0 {
		s.logger.Info("workflow accepted with findings",
			"session", sess.ID, "findings", len(findings))
	}

	s.streamEvents(w, r, sess.ID, 0)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions, err := s.engine.Sessions()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// sessionResponse is the session record together with its ordered event
// log, as returned by GET /api/sessions/{id}.
type sessionResponse struct {
	*engine.Session
	Events []wireEvent `json:"events"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.engine.GetSession(id)
	if err != nil {
		writeSessionError(w, id, err)
		return
	}
	stored, err := s.bus.Store().List(r.Context(), id, 0, 0)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "SESSION_LOOKUP_FAILED", err.Error(), nil)
		return
	}
	events := make([]wireEvent, len(stored))
	for i, evt := range stored {
		events[i] = toWireEvent(evt)
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Events: events})
}

func (s *Server) handleStreamSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.GetSession(id); err != nil {
		writeSessionError(w, id, err)
		return
	}

	var afterSeq uint64
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseUint(afterStr, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "INVALID_QUERY", "after must be an unsigned integer", nil)
			return
		}
		afterSeq = parsed
	}

	s.streamEvents(w, r, id, afterSeq)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(id); err != nil {
		switch {
		case errors.Is(err, engine.ErrSessionNotFound):
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("session %q not found", id), nil)
		case errors.Is(err, engine.ErrSessionNotRunning):
			writeJSONError(w, http.StatusConflict, "NOT_RUNNING", err.Error(), nil)
		default:
			writeJSONError(w, http.StatusInternalServerError, "CANCEL_FAILED", err.Error(), nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(engine.SessionCancelled)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.engine.GetSession(id)
	if err != nil {
		writeSessionError(w, id, err)
		return
	}
	if !sess.Status.Terminal() {
		writeJSONError(w, http.StatusConflict, "NOT_TERMINAL",
			fmt.Sprintf("session %q is %s; cancel it first", id, sess.Status), nil)
		return
	}
	if err := s.engine.DeleteSession(id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "DELETE_FAILED", err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// answerRequest is the body of POST /api/sessions/{id}/input.
type answerRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAnswerInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req answerRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", err.Error(), nil)
		return
	}
	if err := s.engine.AnswerInput(id, req.Answer); err != nil {
		switch {
		case errors.Is(err, engine.ErrSessionNotFound):
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("session %q not found", id), nil)
		case errors.Is(err, engine.ErrNoPendingInput), errors.Is(err, engine.ErrSessionNotRunning):
			writeJSONError(w, http.StatusConflict, "NO_PENDING_INPUT", err.Error(), nil)
		default:
			writeJSONError(w, http.StatusInternalServerError, "ANSWER_FAILED", err.Error(), nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

func writeSessionError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, engine.ErrSessionNotFound) {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("session %q not found", id), nil)
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "SESSION_LOOKUP_FAILED", err.Error(), nil)
}

type apiErrorResponse struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func decodeJSONBody(r *http.Request, target any) error {
	if target == nil {
		return errors.New("decode target is nil")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
