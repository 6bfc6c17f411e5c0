package sec

import (
	"fmt"

	"github.com/fortressi/sec/dag"
)

// Graph renders the definition: solid edges run forward through the steps,
// dashed edges run backwards through the compensations, and dotted edges show
// where a failing step hands over to the compensation chain.
func (d *SagaDefinition) Graph() *dag.Graph {
	g := dag.New(d.ID)
	g.SetNodeDefault("shape", "box")

	start := g.Add("start", dag.Attr("shape", "circle"))
	end := g.Add("completed", dag.Attr("shape", "doublecircle"))
	compensated := g.Add("compensated", dag.Attr("shape", "doublecircle"))

	forward := make([]*dag.Node, len(d.Steps))
	undo := make([]*dag.Node, len(d.Steps))
	for i, step := range d.Steps {
		forward[i] = g.Add("step_"+step.Name, dag.Attr("label", fmt.Sprintf("%s (%s)", step.Name, step.CommandType)))
		if step.HasCompensation() {
			undo[i] = g.Add("undo_"+step.Name,
				dag.Attr("label", fmt.Sprintf("%s (%s)", step.Name, step.CompensationType)),
				dag.Attr("style", "dashed"))
		}
	}

	prev := start
	for _, n := range forward {
		g.Connect(prev, n)
		prev = n
	}
	g.Connect(prev, end)

	// below returns the compensation node reached when unwinding from index i.
	below := func(i int) *dag.Node {
		for j := i; j >= 0; j-- {
			if undo[j] != nil {
				return undo[j]
			}
		}
		return compensated
	}
	for i := range d.Steps {
		g.Connect(forward[i], below(i-1), dag.Attr("style", "dotted"), dag.Attr("label", "on failure"))
		if undo[i] != nil {
			g.Connect(undo[i], below(i-1), dag.Attr("style", "dashed"))
		}
	}
	return g
}

// DOT renders the definition graph in Graphviz format.
func (d *SagaDefinition) DOT() (string, error) {
	return d.Graph().ExportToDot()
}
