package fsm

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"
)

// Graph is the static transition graph of a definition. Only declared
// targets are drawn: transitions registered with On and no targets, and
// entry actions without targets, contribute no edges. Self transitions are
// omitted.
type Graph struct {
	*simple.DirectedGraph
	name string
}

// StateNode is a state in a Graph.
type StateNode struct {
	id      int64
	Label   string
	Initial bool
}

func (n *StateNode) ID() int64 { return n.id }

// DOTID implements dot.Node.
func (n *StateNode) DOTID() string { return n.Label }

// Attributes implements encoding.Attributer.
func (n *StateNode) Attributes() []encoding.Attribute {
	if n.Initial {
		return []encoding.Attribute{{Key: "shape", Value: "doublecircle"}}
	}
	return nil
}

// TransitionEdge connects two states and lists the events (or "(entry)")
// that move between them.
type TransitionEdge struct {
	F, T   *StateNode
	Events []string
}

func (e *TransitionEdge) From() graph.Node { return e.F }
func (e *TransitionEdge) To() graph.Node   { return e.T }

func (e *TransitionEdge) ReversedEdge() graph.Edge {
	return &TransitionEdge{F: e.T, T: e.F, Events: e.Events}
}

// Attributes implements encoding.Attributer.
func (e *TransitionEdge) Attributes() []encoding.Attribute {
	return []encoding.Attribute{{Key: "label", Value: strings.Join(e.Events, ", ")}}
}

const entryLabel = "(entry)"

// Graph builds the transition graph.
func (d *Definition[S, D]) Graph() *Graph {
	g, _ := d.graph()
	return g
}

func (d *Definition[S, D]) graph() (*Graph, map[S]*StateNode) {
	g := &Graph{DirectedGraph: simple.NewDirectedGraph(), name: d.name}
	nodes := make(map[S]*StateNode, len(d.order))
	for _, s := range d.order {
		n := &StateNode{id: g.NewNode().ID(), Label: fmt.Sprint(s), Initial: s == d.initial}
		g.AddNode(n)
		nodes[s] = n
	}

	for _, key := range d.edgeOrder {
		tr := d.transitions[key]
		if tr.targets == nil {
			continue
		}
		for _, to := range d.order {
			if tr.targets.Contains(to) {
				g.link(nodes[key.from], nodes[to], shortType(key.event))
			}
		}
	}
	for _, from := range d.order {
		en, ok := d.entries[from]
		if !ok || en.targets == nil {
			continue
		}
		for _, to := range d.order {
			if en.targets.Contains(to) {
				g.link(nodes[from], nodes[to], entryLabel)
			}
		}
	}
	return g, nodes
}

func (g *Graph) link(from, to *StateNode, label string) {
	if from.ID() == to.ID() {
		return
	}
	if e, ok := g.Edge(from.ID(), to.ID()).(*TransitionEdge); ok {
		e.Events = append(e.Events, label)
		return
	}
	g.SetEdge(&TransitionEdge{F: from, T: to, Events: []string{label}})
}

// DOT exports the transition graph in Graphviz format.
func (d *Definition[S, D]) DOT() (string, error) {
	g := d.Graph()
	data, err := dot.Marshal(g, g.name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export machine %q to DOT format: %w", d.name, err)
	}
	return string(data), nil
}

// Unreachable returns the declared states that no declared edge reaches
// from the initial state, in declaration order.
func (d *Definition[S, D]) Unreachable() []S {
	g, nodes := d.graph()
	reached := make(map[int64]bool, len(nodes))
	bf := traverse.BreadthFirst{
		Visit: func(n graph.Node) { reached[n.ID()] = true },
	}
	bf.Walk(g, nodes[d.initial], nil)

	var out []S
	for _, s := range d.order {
		if !reached[nodes[s].ID()] {
			out = append(out, s)
		}
	}
	return out
}

// shortType trims the package path from a message type name.
func shortType(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		prefix := ""
		if strings.HasPrefix(name, "*") {
			prefix = "*"
		}
		return prefix + name[i+1:]
	}
	return name
}
