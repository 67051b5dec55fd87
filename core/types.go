// Package core provides the foundational types for Arborflow workflows.
//
// This package contains:
//   - The node model: NodeType, Node, per-type configuration structs
//   - Edges with optional source ports for branch/loop routing
//   - Conditions and merge strategies referenced by node configs
//   - The WorkerExecutor contract and agent profiles
package core

import "fmt"

// NodeType identifies the variant of a workflow node.
// The set of types is closed; the engine dispatches on it exhaustively.
type NodeType string

const (
	NodeTypeEntry        NodeType = "entry"
	NodeTypeTask         NodeType = "task"
	NodeTypeOrchestrator NodeType = "orchestrator"
	NodeTypeBranch       NodeType = "branch"
	NodeTypeRepeat       NodeType = "repeat"
	NodeTypeJoin         NodeType = "join"
)

// String returns the string representation of the NodeType.
func (t NodeType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeEntry, NodeTypeTask, NodeTypeOrchestrator,
		NodeTypeBranch, NodeTypeRepeat, NodeTypeJoin:
		return true
	}
	return false
}

// Node is a workflow graph node. Exactly one of the configuration fields
// matching Type is populated; the others are nil. Keeping the union closed
// lets the engine handle every variant at a single dispatch site.
type Node struct {
	ID   string   `json:"id" yaml:"id"`
	Type NodeType `json:"type" yaml:"type"`

	Entry        *EntryConfig        `json:"entry,omitempty" yaml:"entry,omitempty"`
	Task         *TaskConfig         `json:"task,omitempty" yaml:"task,omitempty"`
	Orchestrator *OrchestratorConfig `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`
	Branch       *BranchConfig       `json:"branch,omitempty" yaml:"branch,omitempty"`
	Repeat       *RepeatConfig       `json:"repeat,omitempty" yaml:"repeat,omitempty"`
	Join         *JoinConfig         `json:"join,omitempty" yaml:"join,omitempty"`
}

// Config returns the populated variant config, or nil when the node is
// malformed. Used by validation; the engine accesses typed fields directly.
func (n Node) Config() any {
	switch n.Type {
	case NodeTypeEntry:
		if n.Entry != nil {
			return n.Entry
		}
	case NodeTypeTask:
		if n.Task != nil {
			return n.Task
		}
	case NodeTypeOrchestrator:
		if n.Orchestrator != nil {
			return n.Orchestrator
		}
	case NodeTypeBranch:
		if n.Branch != nil {
			return n.Branch
		}
	case NodeTypeRepeat:
		if n.Repeat != nil {
			return n.Repeat
		}
	case NodeTypeJoin:
		if n.Join != nil {
			return n.Join
		}
	}
	return nil
}

// EntryConfig configures an Entry node: the values a session starts from.
type EntryConfig struct {
	// Input is the default initial input, used when the submission
	// does not supply one.
	Input string `json:"input,omitempty" yaml:"input,omitempty"`

	// ParallelChildren runs all outgoing edges concurrently instead of
	// in declaration order.
	ParallelChildren bool `json:"parallel_children,omitempty" yaml:"parallel_children,omitempty"`
}

// TaskConfig configures a Task node: one unit of agent work.
type TaskConfig struct {
	// Profile names the capability profile the worker executes with.
	Profile string `json:"profile" yaml:"profile"`

	// Template is the task text. The literal placeholder "{input}" is
	// replaced with the upstream node's output before dispatch.
	Template string `json:"template" yaml:"template"`

	// Tools restricts the tools available to the worker for this task.
	// Empty means the profile's own default set.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// OrchestratorConfig configures an Orchestrator node: a task fanned out
// across dynamically selected candidate profiles.
type OrchestratorConfig struct {
	// Template is the task text, with the same "{input}" substitution
	// as TaskConfig.
	Template string `json:"template" yaml:"template"`

	// Candidates are the profiles the selector may dispatch to,
	// in preference order.
	Candidates []string `json:"candidates" yaml:"candidates"`
}

// BranchConfig configures a Branch node: conditional routing over the
// upstream output.
type BranchConfig struct {
	Condition Condition `json:"condition" yaml:"condition"`

	// MaxIterations caps how many times this branch may be evaluated in
	// one session. Once exceeded the "true" edge is taken unconditionally.
	// Zero means no cap.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// RepeatConfig configures a Repeat node: bounded re-execution of the
// subtree behind the node's "loop" edge.
type RepeatConfig struct {
	// MaxIterations is the hard iteration bound. Required, must be >= 1.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// Until optionally terminates the loop early when it evaluates true
	// against the latest iteration output.
	Until *Condition `json:"until,omitempty" yaml:"until,omitempty"`
}

// JoinConfig configures a Join node: merging the outputs of all
// non-absent parents.
type JoinConfig struct {
	Strategy MergeStrategy `json:"strategy" yaml:"strategy"`

	// Separator joins parent outputs under MergeConcat. Defaults to "\n".
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty"`

	// Template formats parent outputs under MergeTemplate using ordinal
	// placeholders {1}, {2}, ... in parent declaration order.
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
}

// MergeStrategy names how a Join node combines parent outputs.
type MergeStrategy string

const (
	MergeConcat   MergeStrategy = "concat"
	MergeFirst    MergeStrategy = "first"
	MergeLast     MergeStrategy = "last"
	MergeTemplate MergeStrategy = "template"
)

// Valid reports whether s is a known merge strategy.
func (s MergeStrategy) Valid() bool {
	switch s {
	case MergeConcat, MergeFirst, MergeLast, MergeTemplate:
		return true
	}
	return false
}

// ConditionKind names the evaluation method of a Condition.
type ConditionKind string

const (
	// ConditionContains is a plain substring test.
	ConditionContains ConditionKind = "contains"

	// ConditionRegex matches Value as a Go regular expression.
	ConditionRegex ConditionKind = "regex"

	// ConditionLength compares len(output) using Value of the form
	// "<op> <number>", e.g. "> 100".
	ConditionLength ConditionKind = "length"

	// ConditionExpression evaluates Value as a sandboxed boolean
	// expression with a single read-only binding named "output".
	ConditionExpression ConditionKind = "expression"

	// ConditionLLM asks a judge model to answer yes or no.
	ConditionLLM ConditionKind = "llm"
)

// Valid reports whether k is a known condition kind.
func (k ConditionKind) Valid() bool {
	switch k {
	case ConditionContains, ConditionRegex, ConditionLength,
		ConditionExpression, ConditionLLM:
		return true
	}
	return false
}

// Condition is a predicate over a node output, used by Branch routing and
// Repeat termination.
type Condition struct {
	Kind  ConditionKind `json:"kind" yaml:"kind"`
	Value string        `json:"value" yaml:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s(%q)", c.Kind, c.Value)
}

// Edge connects two nodes. SourcePort disambiguates multiple outgoing
// routes from one node: "true"/"false" on Branch nodes, "loop"/"done" on
// Repeat nodes, empty elsewhere.
type Edge struct {
	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	Source     string `json:"source" yaml:"source"`
	Target     string `json:"target" yaml:"target"`
	SourcePort string `json:"source_port,omitempty" yaml:"source_port,omitempty"`
}

// Edge source ports.
const (
	PortTrue  = "true"
	PortFalse = "false"
	PortLoop  = "loop"
	PortDone  = "done"
)

// TokenUsage reports token consumption for one worker invocation.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// NodeStatus is the lifecycle state of a node within one session.
type NodeStatus string

const (
	NodeStatusIdle      NodeStatus = "idle"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusErrored   NodeStatus = "errored"
	NodeStatusSkipped   NodeStatus = "skipped"
)
