// Package dag is a small directed graph with Graphviz attributes on the
// graph, its nodes and its edges, used to render saga definitions.
package dag

import (
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	name      string
	attrs     encoding.Attributes
	nodeAttrs encoding.Attributes
	edgeAttrs encoding.Attributes
	byID      map[string]*Node
}

func New(name string) *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		name:          name,
		byID:          make(map[string]*Node),
	}
}

func (g *Graph) DOTID() string { return g.name }

// DOTAttributers returns the graph-wide, default node and default edge attributes.
func (g *Graph) DOTAttributers() (encoding.Attributer, encoding.Attributer, encoding.Attributer) {
	return &g.attrs, &g.nodeAttrs, &g.edgeAttrs
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

// SetNodeDefault sets an attribute applied to every node.
func (g *Graph) SetNodeDefault(key, value string) {
	_ = g.nodeAttrs.SetAttribute(encoding.Attribute{Key: key, Value: value})
}

// SetEdgeDefault sets an attribute applied to every edge.
func (g *Graph) SetEdgeDefault(key, value string) {
	_ = g.edgeAttrs.SetAttribute(encoding.Attribute{Key: key, Value: value})
}

type Node struct {
	graph.Node
	dotID string
	attrs encoding.Attributes
}

func (n *Node) DOTID() string { return n.dotID }

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// Add returns the node with the given DOT id, creating it if needed, and sets attrs on it.
func (g *Graph) Add(id string, attrs ...encoding.Attribute) *Node {
	n, ok := g.byID[id]
	if !ok {
		n = &Node{Node: g.DirectedGraph.NewNode(), dotID: id}
		g.DirectedGraph.AddNode(n)
		g.byID[id] = n
	}
	for _, attr := range attrs {
		_ = n.attrs.SetAttribute(attr)
	}
	return n
}

// Lookup returns the node with the given DOT id.
func (g *Graph) Lookup(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Connect adds an edge from -> to carrying attrs.
func (g *Graph) Connect(from, to *Node, attrs ...encoding.Attribute) {
	e := &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
	for _, attr := range attrs {
		_ = e.attrs.SetAttribute(attr)
	}
	g.SetEdge(e)
}

// Order returns the node ids in topological order, or an error if the graph has a cycle.
func (g *Graph) Order() ([]string, error) {
	sorted, err := topo.Sort(g.DirectedGraph)
	if err != nil {
		return nil, fmt.Errorf("graph %s is not acyclic: %w", g.name, err)
	}
	ids := make([]string, len(sorted))
	for i, n := range sorted {
		ids[i] = n.(*Node).dotID
	}
	return ids, nil
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot() (string, error) {
	data, err := dot.Marshal(g, g.name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export graph to DOT format: %v", err)
	}
	return string(data), nil
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}

// Attr is shorthand for an encoding.Attribute.
func Attr(key, value string) encoding.Attribute {
	return encoding.Attribute{Key: key, Value: value}
}
