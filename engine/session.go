package engine

import (
	"time"

	"github.com/arbor-labs/arborflow/graph"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError || s == SessionCancelled
}

// PendingInput describes the single outstanding user input request of a
// session. At most one exists at a time.
type PendingInput struct {
	NodeID   string `json:"node_id"`
	Question string `json:"question"`
}

// Session is the durable record of one workflow execution.
type Session struct {
	ID           string        `json:"id"`
	GraphID      string        `json:"graph_id"`
	InitialInput string        `json:"initial_input"`
	StartNode    string        `json:"start_node,omitempty"`
	Status       SessionStatus `json:"status"`

	// CurrentNodeID is the node most recently started. Empty once the
	// session terminates.
	CurrentNodeID string `json:"current_node_id,omitempty"`

	// Error holds the failure description when Status is SessionError.
	Error string `json:"error,omitempty"`

	// PendingInput is set while execution is paused for a user answer.
	PendingInput *PendingInput `json:"pending_input,omitempty"`

	// Context is the per-node state snapshot, keyed by node ID.
	Context map[string]NodeState `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Graph is the validated graph this session executes. In-memory
	// only; stores persist the identifier, not the structure.
	Graph *graph.Graph `json:"-"`
}

// Clone returns a deep copy safe to hand across API boundaries.
func (s *Session) Clone() *Session {
	cp := *s
	if s.PendingInput != nil {
		pi := *s.PendingInput
		cp.PendingInput = &pi
	}
	if s.Context != nil {
		cp.Context = make(map[string]NodeState, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

// SessionStore persists session records. Implementations must return
// ErrSessionNotFound (possibly wrapped) for unknown IDs and must not alias
// stored records with returned ones.
type SessionStore interface {
	Create(sess *Session) error
	Get(id string) (*Session, error)
	Update(sess *Session) error
	Delete(id string) error
	List() ([]*Session, error)
}
