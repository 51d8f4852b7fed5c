package depval

import (
	"fmt"

	"github.com/emicklei/dot"
)

// DOT renders the current graph to Graphviz DOT for diagnostic dumps,
// mirroring the teacher's own use of emicklei/dot for forkchoice/graph
// debugging. Leaf nodes are labeled with their path; composites show their
// child count. Stale nodes (validation-index != 0) are shaded.
func (r *Registry) DOT() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g := dot.NewGraph(dot.Directed)
	drawn := make(map[NodeID]dot.Node, len(r.nodes))

	for id, n := range r.nodes {
		n.mu.Lock()
		label := fmt.Sprintf("#%d", id)
		if n.kind == kindLeaf {
			label = n.snapshot.Path
		} else {
			label = fmt.Sprintf("composite(%d children)", len(n.children))
		}
		stale := n.validationIndex != 0
		n.mu.Unlock()

		gn := g.Node(fmt.Sprintf("n%d", id)).Label(label)
		if stale {
			gn = gn.Attr("style", "filled").Attr("fillcolor", "lightpink")
		}
		drawn[id] = gn
	}

	for id, n := range r.nodes {
		n.mu.Lock()
		children := append([]NodeID(nil), n.children...)
		n.mu.Unlock()
		for _, c := range children {
			if cn, ok := drawn[c]; ok {
				g.Edge(drawn[id], cn)
			}
		}
	}

	return g.String()
}
