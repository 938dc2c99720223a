package cob

import (
	"bytes"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/hwmesh/hw/internal/identity"
)

// Graph is the directed acyclic graph of Entry nodes materialised from a
// COB's tip references, per §3/§4.2. Cycles are impossible by construction
// (entries reference parents by content hash — a cycle would require a hash
// collision, per §9), so Graph never needs a runtime cycle check.
type Graph struct {
	nodes map[identity.ID]*Entry
	// children maps a parent id to the set of its children ids, used to
	// walk the graph root-outward during evaluation (§4.3).
	children map[identity.ID][]identity.ID
	root     identity.ID
}

// Root returns the graph's single root entry (the COB's object id).
func (g *Graph) Root() *Entry { return g.nodes[g.root] }

// Node looks up an entry already materialised in the graph.
func (g *Graph) Node(id identity.ID) (*Entry, bool) {
	e, ok := g.nodes[id]
	return e, ok
}

// Children returns id's children ordered deterministically: timestamp
// ascending, tie-broken by id ascending (§4.2 "Traversal ordering").
func (g *Graph) Children(id identity.ID) []*Entry {
	ids := g.children[id]
	out := make([]*Entry, 0, len(ids))
	for _, cid := range ids {
		out = append(out, g.nodes[cid])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Len returns the number of nodes materialised in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

type pendingEdge struct {
	child, parent identity.ID
}

// LoadGraph builds a Graph from the given tip references by walking parent
// links to the root, per §4.2:
//  1. seed a worklist with tip targets;
//  2. pop, load, record pending edges, push parents;
//  3. materialise edges only after every node is inserted (edge insertion
//     before node insertion is forbidden, hence the two-phase approach);
//  4. if no root is found, return (nil, false).
//
// Load failures on individual entries are logged and skipped; their subtrees
// become unreachable, matching the pruning discipline carried through to
// evaluation (§4.3).
func LoadGraph(store *Store, tips []identity.ID, log *logrus.Logger) (*Graph, bool) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	g := &Graph{nodes: make(map[identity.ID]*Entry), children: make(map[identity.ID][]identity.ID)}

	seen := make(map[identity.ID]bool)
	var pending []pendingEdge
	worklist := append([]identity.ID(nil), tips...)

	for len(worklist) > 0 {
		id := worklist[0]
		worklist = worklist[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		e, err := store.Load(id)
		if err != nil {
			log.Warnf("cob.graph: skipping unreachable entry %s: %v", id, err)
			continue
		}
		rejected := false
		for _, p := range e.Parents {
			if p == e.Resource && !e.Resource.IsZero() {
				log.Warnf("cob.graph: entry %s has parent equal to its resource; rejecting", id)
				rejected = true
				break
			}
		}
		if rejected {
			continue
		}

		g.nodes[id] = e
		for _, p := range e.Parents {
			pending = append(pending, pendingEdge{child: id, parent: p})
			if !seen[p] {
				worklist = append(worklist, p)
			}
		}
	}

	for _, edge := range pending {
		if _, ok := g.nodes[edge.parent]; !ok {
			// Parent failed to load; this child's branch is pruned at
			// evaluation time (it has a dangling dependency).
			continue
		}
		g.children[edge.parent] = append(g.children[edge.parent], edge.child)
	}

	// Root: exactly one node with no parents inside the graph.
	inDegreeZero := make([]identity.ID, 0, 1)
	for id, e := range g.nodes {
		if len(parentsInGraph(g, e)) == 0 {
			inDegreeZero = append(inDegreeZero, id)
		}
	}
	if len(inDegreeZero) == 0 {
		return nil, false
	}
	// Deterministic root choice if, pathologically, more than one
	// zero-in-degree node survived pruning (disjoint history fragments):
	// the smallest-timestamp, then smallest-id node is treated as root,
	// and unreachable-from-it nodes are simply never visited by evaluation
	// (Children() never returns them).
	sort.Slice(inDegreeZero, func(i, j int) bool {
		a, b := g.nodes[inDegreeZero[i]], g.nodes[inDegreeZero[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	g.root = inDegreeZero[0]
	return g, true
}

func parentsInGraph(g *Graph, e *Entry) []identity.ID {
	out := make([]identity.ID, 0, len(e.Parents))
	for _, p := range e.Parents {
		if _, ok := g.nodes[p]; ok {
			out = append(out, p)
		}
	}
	return out
}
