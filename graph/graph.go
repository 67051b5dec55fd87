// Package graph provides the workflow graph structure and its validator.
package graph

import (
	"errors"
	"fmt"

	"github.com/arbor-labs/arborflow/core"
)

// Graph errors
var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("duplicate node ID")
	ErrInvalidEdge   = errors.New("invalid edge")
	ErrEmptyGraph    = errors.New("graph has no nodes")
)

// Graph is a directed graph of workflow nodes. Edges preserve declaration
// order; successor and predecessor lists follow it, which makes downstream
// scheduling and join merging deterministic. Cycles are allowed only through
// Branch and Repeat nodes; the Validator enforces that.
type Graph struct {
	id           string
	nodes        map[string]core.Node
	nodeOrder    []string
	edges        []core.Edge
	successors   map[string][]core.Edge // source node ID -> outgoing edges
	predecessors map[string][]core.Edge // target node ID -> incoming edges
}

// New creates an empty graph with the given identifier.
func New(id string) *Graph {
	return &Graph{
		id:           id,
		nodes:        make(map[string]core.Node),
		successors:   make(map[string][]core.Edge),
		predecessors: make(map[string][]core.Edge),
	}
}

// Build constructs a graph from node and edge slices, as decoded from a
// workflow document. Order is preserved.
func Build(id string, nodes []core.Node, edges []core.Edge) (*Graph, error) {
	g := New(id)
	for _, n := range nodes {
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, e := range edges {
		if err := g.AddEdge(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ID returns the graph's identifier.
func (g *Graph) ID() string {
	return g.id
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []core.Node {
	nodes := make([]core.Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		nodes = append(nodes, g.nodes[id])
	}
	return nodes
}

// Edges returns all edges in declaration order.
func (g *Graph) Edges() []core.Edge {
	return g.edges
}

// NodeByID retrieves a node by its ID.
func (g *Graph) NodeByID(id string) (core.Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Len returns the node count.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// AddNode adds a node to the graph.
// Returns an error if a node with the same ID already exists.
func (g *Graph) AddNode(n core.Node) error {
	if n.ID == "" {
		return errors.New("cannot add node with empty ID")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	g.nodes[n.ID] = n
	g.nodeOrder = append(g.nodeOrder, n.ID)
	return nil
}

// AddEdge adds a directed edge. Both endpoints must already exist.
func (g *Graph) AddEdge(e core.Edge) error {
	if _, ok := g.nodes[e.Source]; !ok {
		return fmt.Errorf("%w: source node %q not found", ErrInvalidEdge, e.Source)
	}
	if _, ok := g.nodes[e.Target]; !ok {
		return fmt.Errorf("%w: target node %q not found", ErrInvalidEdge, e.Target)
	}
	if e.ID == "" {
		e.ID = fmt.Sprintf("%s->%s", e.Source, e.Target)
	}
	g.edges = append(g.edges, e)
	g.successors[e.Source] = append(g.successors[e.Source], e)
	g.predecessors[e.Target] = append(g.predecessors[e.Target], e)
	return nil
}

// Successors returns the outgoing edges of a node in declaration order.
func (g *Graph) Successors(nodeID string) []core.Edge {
	return g.successors[nodeID]
}

// SuccessorsPort returns the outgoing edges of a node whose SourcePort
// equals port, in declaration order.
func (g *Graph) SuccessorsPort(nodeID, port string) []core.Edge {
	var out []core.Edge
	for _, e := range g.successors[nodeID] {
		if e.SourcePort == port {
			out = append(out, e)
		}
	}
	return out
}

// Predecessors returns the incoming edges of a node in declaration order.
func (g *Graph) Predecessors(nodeID string) []core.Edge {
	return g.predecessors[nodeID]
}

// EntryNodes returns the IDs of all Entry nodes in insertion order.
func (g *Graph) EntryNodes() []string {
	var out []string
	for _, id := range g.nodeOrder {
		if g.nodes[id].Type == core.NodeTypeEntry {
			out = append(out, id)
		}
	}
	return out
}

// Reachable returns all node IDs reachable from the given start node,
// including the start node itself.
func (g *Graph) Reachable(startID string) []string {
	visited := make(map[string]bool)
	result := make([]string, 0)

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		result = append(result, id)
		for _, e := range g.successors[id] {
			visit(e.Target)
		}
	}

	visit(startID)
	return result
}
