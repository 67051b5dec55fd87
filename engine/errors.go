package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arbor-labs/arborflow/graph"
)

// Engine errors
var (
	// ErrSessionNotFound is returned for lookups of unknown sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotRunning is returned when an operation requires a live
	// session (cancel, answer) but the session has already terminated.
	ErrSessionNotRunning = errors.New("session is not running")

	// ErrNoPendingInput is returned when an answer arrives but no input
	// request is outstanding.
	ErrNoPendingInput = errors.New("no pending input request")

	// ErrCancelled marks work aborted by a cancellation request.
	ErrCancelled = errors.New("session cancelled")
)

// ValidationError is returned when a submitted graph fails validation.
// No session is created; Findings carries the full report.
type ValidationError struct {
	Findings []graph.Finding
}

func (e *ValidationError) Error() string {
	errs := graph.Errors(e.Findings)
	msgs := make([]string, 0, len(errs))
	for _, f := range errs {
		if f.NodeID != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", f.NodeID, f.Message))
		} else {
			msgs = append(msgs, f.Message)
		}
	}
	return "graph validation failed: " + strings.Join(msgs, "; ")
}

// NodeExecutionError wraps a failure inside one node. It halts only the
// branch containing the node.
type NodeExecutionError struct {
	NodeID string
	Err    error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}
