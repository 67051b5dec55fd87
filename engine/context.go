package engine

import (
	"sync"
	"time"

	"github.com/arbor-labs/arborflow/core"
)

// NodeState is the recorded execution state of one node within one session.
type NodeState struct {
	Status     core.NodeStatus  `json:"status"`
	Input      string           `json:"input,omitempty"`
	Output     string           `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	Iterations int              `json:"iterations,omitempty"`
	StartedAt  time.Time        `json:"started_at,omitempty"`
	Elapsed    time.Duration    `json:"elapsed,omitempty"`
	Usage      *core.TokenUsage `json:"usage,omitempty"`
}

// ExecContext holds all per-session node state, keyed by node ID. Each
// session owns exactly one ExecContext; nothing in it is shared across
// sessions. Safe for concurrent use by parallel branches.
type ExecContext struct {
	mu     sync.RWMutex
	states map[string]*NodeState
}

// NewExecContext creates an empty execution context.
func NewExecContext() *ExecContext {
	return &ExecContext{states: make(map[string]*NodeState)}
}

func (c *ExecContext) state(nodeID string) *NodeState {
	st, ok := c.states[nodeID]
	if !ok {
		st = &NodeState{Status: core.NodeStatusIdle}
		c.states[nodeID] = st
	}
	return st
}

// Begin marks a node running with the given input. Returns the start time.
func (c *ExecContext) Begin(nodeID, input string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	st.Status = core.NodeStatusRunning
	st.Input = input
	st.Output = ""
	st.Error = ""
	st.StartedAt = time.Now()
	return st.StartedAt
}

// AppendOutput accumulates an output delta for a running node.
func (c *ExecContext) AppendOutput(nodeID, delta string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(nodeID).Output += delta
}

// Complete marks a node completed and records its timing and usage.
func (c *ExecContext) Complete(nodeID string, elapsed time.Duration, usage *core.TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	st.Status = core.NodeStatusCompleted
	st.Elapsed = elapsed
	if usage != nil {
		u := *usage
		st.Usage = &u
	}
}

// SetOutput replaces a node's output wholesale. Used by nodes whose output
// is derived rather than streamed (branch, repeat, join).
func (c *ExecContext) SetOutput(nodeID, output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(nodeID).Output = output
}

// Fail marks a node errored.
func (c *ExecContext) Fail(nodeID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	st.Status = core.NodeStatusErrored
	st.Error = err.Error()
}

// MarkSkipped marks a node skipped. Skipped nodes count as absent parents
// for join merging.
func (c *ExecContext) MarkSkipped(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	if st.Status == core.NodeStatusIdle {
		st.Status = core.NodeStatusSkipped
	}
}

// Output returns a node's current output.
func (c *ExecContext) Output(nodeID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.states[nodeID]; ok {
		return st.Output
	}
	return ""
}

// Status returns a node's current status.
func (c *ExecContext) Status(nodeID string) core.NodeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.states[nodeID]; ok {
		return st.Status
	}
	return core.NodeStatusIdle
}

// BumpIterations increments and returns a node's iteration counter.
// Used by branch caps and repeat bounds; loops re-schedule through the
// worklist rather than recurse, so the counter is the only loop state.
func (c *ExecContext) BumpIterations(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(nodeID)
	st.Iterations++
	return st.Iterations
}

// Iterations returns a node's iteration counter.
func (c *ExecContext) Iterations(nodeID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.states[nodeID]; ok {
		return st.Iterations
	}
	return 0
}

// Snapshot returns a deep copy of all node states. The copy is detached;
// callers may serialize it without holding any engine locks.
func (c *ExecContext) Snapshot() map[string]NodeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]NodeState, len(c.states))
	for id, st := range c.states {
		cp := *st
		if st.Usage != nil {
			u := *st.Usage
			cp.Usage = &u
		}
		snap[id] = cp
	}
	return snap
}
