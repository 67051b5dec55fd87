package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arbor-labs/arborflow/core"
)

// Finding severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Finding is one validation result. Error findings block execution;
// warnings and infos are advisory.
type Finding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	NodeID   string `json:"node_id,omitempty"`
	Message  string `json:"message"`

	// Suggestion is an optional remediation hint.
	Suggestion string `json:"suggestion,omitempty"`
}

// HasErrors returns true if any finding has error severity.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity findings.
func Errors(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// Validate inspects the graph and returns all findings. It never stops at
// the first problem; callers gate execution on HasErrors.
func Validate(g *Graph) []Finding {
	var findings []Finding

	if g.Len() == 0 {
		return []Finding{{
			Code:     "empty_graph",
			Severity: SeverityError,
			Message:  "graph has no nodes",
		}}
	}

	entries := g.EntryNodes()
	if len(entries) == 0 {
		findings = append(findings, Finding{
			Code:       "no_entry",
			Severity:   SeverityError,
			Message:    "graph has no entry node",
			Suggestion: "add a node of type \"entry\"",
		})
	}

	for _, n := range g.Nodes() {
		findings = append(findings, validateNode(g, n)...)
	}

	findings = append(findings, validateReachability(g, entries)...)
	findings = append(findings, validateCycles(g)...)

	return findings
}

func validateNode(g *Graph, n core.Node) []Finding {
	var findings []Finding

	if !n.Type.Valid() {
		return []Finding{{
			Code:     "unknown_node_type",
			Severity: SeverityError,
			NodeID:   n.ID,
			Message:  fmt.Sprintf("unknown node type %q", n.Type),
		}}
	}
	if n.Config() == nil {
		return []Finding{{
			Code:       "missing_config",
			Severity:   SeverityError,
			NodeID:     n.ID,
			Message:    fmt.Sprintf("node of type %q has no matching configuration", n.Type),
			Suggestion: fmt.Sprintf("populate the %q field", n.Type),
		}}
	}

	switch n.Type {
	case core.NodeTypeEntry:
		if len(g.Predecessors(n.ID)) > 0 {
			findings = append(findings, Finding{
				Code:     "entry_has_parents",
				Severity: SeverityWarning,
				NodeID:   n.ID,
				Message:  "entry node has incoming edges; they are never followed",
			})
		}

	case core.NodeTypeTask:
		if n.Task.Profile == "" {
			findings = append(findings, Finding{
				Code:     "missing_profile",
				Severity: SeverityError,
				NodeID:   n.ID,
				Message:  "task node has no profile",
			})
		}
		findings = append(findings, validateTemplate(n.ID, n.Task.Template)...)

	case core.NodeTypeOrchestrator:
		if len(n.Orchestrator.Candidates) == 0 {
			findings = append(findings, Finding{
				Code:       "no_candidates",
				Severity:   SeverityError,
				NodeID:     n.ID,
				Message:    "orchestrator node has no candidate profiles",
				Suggestion: "list at least one profile under candidates",
			})
		}
		findings = append(findings, validateTemplate(n.ID, n.Orchestrator.Template)...)

	case core.NodeTypeBranch:
		findings = append(findings, validateCondition(n.ID, n.Branch.Condition)...)
		if len(g.SuccessorsPort(n.ID, core.PortTrue)) == 0 {
			findings = append(findings, Finding{
				Code:       "missing_branch_edge",
				Severity:   SeverityError,
				NodeID:     n.ID,
				Message:    "branch node has no \"true\" edge",
				Suggestion: "add an outgoing edge with source_port: true",
			})
		}
		if len(g.SuccessorsPort(n.ID, core.PortFalse)) == 0 {
			findings = append(findings, Finding{
				Code:       "missing_branch_edge",
				Severity:   SeverityError,
				NodeID:     n.ID,
				Message:    "branch node has no \"false\" edge",
				Suggestion: "add an outgoing edge with source_port: false",
			})
		}
		for _, e := range g.Successors(n.ID) {
			if e.SourcePort != core.PortTrue && e.SourcePort != core.PortFalse {
				findings = append(findings, Finding{
					Code:     "invalid_port",
					Severity: SeverityError,
					NodeID:   n.ID,
					Message:  fmt.Sprintf("branch edge %q has port %q; must be \"true\" or \"false\"", e.ID, e.SourcePort),
				})
			}
		}

	case core.NodeTypeRepeat:
		if n.Repeat.MaxIterations < 1 {
			findings = append(findings, Finding{
				Code:       "invalid_max_iterations",
				Severity:   SeverityError,
				NodeID:     n.ID,
				Message:    "repeat node requires max_iterations >= 1",
				Suggestion: "set max_iterations to a positive bound",
			})
		}
		if n.Repeat.Until != nil {
			findings = append(findings, validateCondition(n.ID, *n.Repeat.Until)...)
		}
		if len(g.SuccessorsPort(n.ID, core.PortLoop)) == 0 {
			findings = append(findings, Finding{
				Code:       "missing_loop_edge",
				Severity:   SeverityError,
				NodeID:     n.ID,
				Message:    "repeat node has no \"loop\" edge",
				Suggestion: "add an outgoing edge with source_port: loop",
			})
		}
		for _, e := range g.Successors(n.ID) {
			if e.SourcePort != core.PortLoop && e.SourcePort != core.PortDone && e.SourcePort != "" {
				findings = append(findings, Finding{
					Code:     "invalid_port",
					Severity: SeverityError,
					NodeID:   n.ID,
					Message:  fmt.Sprintf("repeat edge %q has port %q; must be \"loop\", \"done\" or empty", e.ID, e.SourcePort),
				})
			}
		}

	case core.NodeTypeJoin:
		if !n.Join.Strategy.Valid() {
			findings = append(findings, Finding{
				Code:     "unknown_merge_strategy",
				Severity: SeverityError,
				NodeID:   n.ID,
				Message:  fmt.Sprintf("unknown merge strategy %q", n.Join.Strategy),
			})
		}
		if n.Join.Strategy == core.MergeTemplate && n.Join.Template == "" {
			findings = append(findings, Finding{
				Code:       "missing_template",
				Severity:   SeverityError,
				NodeID:     n.ID,
				Message:    "join node with template strategy has no template",
				Suggestion: "set template using {1}, {2}, ... placeholders",
			})
		}
		if len(g.Predecessors(n.ID)) < 2 {
			findings = append(findings, Finding{
				Code:     "join_single_parent",
				Severity: SeverityWarning,
				NodeID:   n.ID,
				Message:  "join node has fewer than two parents; merging is a no-op",
			})
		}
	}

	// Port misuse outside branch/repeat.
	if n.Type != core.NodeTypeBranch && n.Type != core.NodeTypeRepeat {
		for _, e := range g.Successors(n.ID) {
			if e.SourcePort != "" {
				findings = append(findings, Finding{
					Code:     "invalid_port",
					Severity: SeverityWarning,
					NodeID:   n.ID,
					Message:  fmt.Sprintf("edge %q declares port %q on a %s node; ports are ignored here", e.ID, e.SourcePort, n.Type),
				})
			}
		}
	}

	return findings
}

// validateTemplate checks brace balance and placeholder usage. Templates use
// the single placeholder {input}; anything else in braces is suspicious.
func validateTemplate(nodeID, tmpl string) []Finding {
	var findings []Finding
	if tmpl == "" {
		return []Finding{{
			Code:     "empty_template",
			Severity: SeverityError,
			NodeID:   nodeID,
			Message:  "template must not be empty",
		}}
	}
	if strings.Count(tmpl, "{") != strings.Count(tmpl, "}") {
		findings = append(findings, Finding{
			Code:       "unbalanced_braces",
			Severity:   SeverityError,
			NodeID:     nodeID,
			Message:    "template has unbalanced braces",
			Suggestion: "the only supported placeholder is {input}",
		})
	}
	if !strings.Contains(tmpl, "{input}") {
		findings = append(findings, Finding{
			Code:     "no_placeholder",
			Severity: SeverityInfo,
			NodeID:   nodeID,
			Message:  "template has no {input} placeholder; upstream output is ignored",
		})
	}
	return findings
}

func validateCondition(nodeID string, c core.Condition) []Finding {
	var findings []Finding
	if !c.Kind.Valid() {
		return []Finding{{
			Code:     "unknown_condition",
			Severity: SeverityError,
			NodeID:   nodeID,
			Message:  fmt.Sprintf("unknown condition kind %q", c.Kind),
		}}
	}
	if c.Value == "" {
		findings = append(findings, Finding{
			Code:     "empty_condition",
			Severity: SeverityError,
			NodeID:   nodeID,
			Message:  fmt.Sprintf("%s condition has no value", c.Kind),
		})
		return findings
	}
	if c.Kind == core.ConditionRegex {
		if _, err := regexp.Compile(c.Value); err != nil {
			findings = append(findings, Finding{
				Code:     "invalid_regex",
				Severity: SeverityError,
				NodeID:   nodeID,
				Message:  fmt.Sprintf("condition regex does not compile: %v", err),
			})
		}
	}
	return findings
}

func validateReachability(g *Graph, entries []string) []Finding {
	if len(entries) == 0 {
		return nil
	}
	reachable := make(map[string]bool)
	for _, entry := range entries {
		for _, id := range g.Reachable(entry) {
			reachable[id] = true
		}
	}
	var findings []Finding
	for _, n := range g.Nodes() {
		if !reachable[n.ID] {
			findings = append(findings, Finding{
				Code:       "unreachable_node",
				Severity:   SeverityWarning,
				NodeID:     n.ID,
				Message:    "node is not reachable from any entry node",
				Suggestion: "connect it or remove it",
			})
		}
	}
	return findings
}

// validateCycles walks the graph looking for cycles. A cycle is legal when
// it passes through a Repeat node or a capped Branch node; a cycle through
// an uncapped Branch gets a warning, and a cycle with neither is an error.
func validateCycles(g *Graph) []Finding {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	stack := make([]string, 0, g.Len())
	var findings []Finding
	reported := make(map[string]bool)

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range g.Successors(id) {
			switch color[e.Target] {
			case white:
				visit(e.Target)
			case gray:
				// Back edge: the cycle is the stack suffix from e.Target.
				start := 0
				for i, sid := range stack {
					if sid == e.Target {
						start = i
						break
					}
				}
				cycle := stack[start:]
				findings = append(findings, classifyCycle(g, cycle, reported)...)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, n := range g.Nodes() {
		if color[n.ID] == white {
			visit(n.ID)
		}
	}
	return findings
}

func classifyCycle(g *Graph, cycle []string, reported map[string]bool) []Finding {
	key := strings.Join(cycle, ",")
	if reported[key] {
		return nil
	}
	reported[key] = true

	bounded := false
	uncappedBranch := false
	for _, id := range cycle {
		n, _ := g.NodeByID(id)
		switch n.Type {
		case core.NodeTypeRepeat:
			bounded = true
		case core.NodeTypeBranch:
			if n.Branch != nil && n.Branch.MaxIterations > 0 {
				bounded = true
			} else {
				uncappedBranch = true
			}
		}
	}

	switch {
	case bounded:
		return nil
	case uncappedBranch:
		return []Finding{{
			Code:       "unbounded_cycle",
			Severity:   SeverityWarning,
			NodeID:     cycle[0],
			Message:    fmt.Sprintf("cycle through %s is bounded only by branch conditions", strings.Join(cycle, " -> ")),
			Suggestion: "set max_iterations on the branch node",
		}}
	default:
		return []Finding{{
			Code:       "illegal_cycle",
			Severity:   SeverityError,
			NodeID:     cycle[0],
			Message:    fmt.Sprintf("cycle through %s has no branch or repeat node", strings.Join(cycle, " -> ")),
			Suggestion: "route the loop through a branch or repeat node",
		}}
	}
}
