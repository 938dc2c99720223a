package cob

import (
	"bytes"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/hwmesh/hw/internal/errs"
	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
)

// Evaluate is the capability a COB type implements to fold entries into
// application state, per §4.3. apply receives concurrent siblings so type
// implementations can run deterministic CRDT conflict resolution (LWW,
// tombstones, ...).
type Evaluate interface {
	// Init builds the initial state from a COB's root entry.
	Init(root *Entry) error
	// Apply folds entry into state, given its concurrent siblings (entries
	// sharing at least one parent with entry, presented in the graph's
	// deterministic sibling order). A non-nil error prunes entry's branch.
	Apply(entry *Entry, siblings []*Entry, store *Store) error
}

// Object pairs a folded state with the pruned history that produced it.
type Object[T Evaluate] struct {
	State   T
	History *Graph
	// Pruned lists the ids of entries whose branch was cut, either for an
	// invalid signature or a failed Apply (§4.3 step 3).
	Pruned []identity.ID
}

// EvaluateGraph folds graph into a CollaborativeObject<T> by walking from the
// root's dependents in topological (sibling-ordered) order, pruning any
// branch whose signatures fail to verify or whose Apply errors.
//
// Pruning, not failure, is the response to locally invalid operations: a
// peer can publish nonsense and the object must still be evaluable from
// other branches (§4.3).
func EvaluateGraph[T Evaluate](g *Graph, store *Store, v sign.Verifier, state T, log *logrus.Logger) (*Object[T], error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	root := g.Root()
	if root == nil {
		return nil, errs.MissingRoot
	}
	if !ValidSignatures(root, v) {
		return nil, errs.New(errs.Signature, "cob.evaluate", errNotVerified(root.ID))
	}
	if err := state.Init(root); err != nil {
		return nil, errs.New(errs.Identity, "cob.evaluate.init", err)
	}

	obj := &Object[T]{State: state, History: g}
	pruned := make(map[identity.ID]bool)

	// Explicit worklist, not a generator, per §9: deterministic and
	// re-entrant across fetches.
	type frame struct {
		id identity.ID
	}

	// Build sibling sets (same-parent entries share the "siblings" slice,
	// minus themselves) by grouping children once up front.
	siblingsOf := make(map[identity.ID][]*Entry)
	for id := range g.nodes {
		e := g.nodes[id]
		for _, p := range e.Parents {
			if _, ok := g.nodes[p]; ok {
				siblingsOf[p] = append(siblingsOf[p], e)
			}
		}
	}

	visited := make(map[identity.ID]bool)
	var worklist []frame
	for _, child := range g.Children(root.ID) {
		worklist = append(worklist, frame{id: child.ID})
	}

	for len(worklist) > 0 {
		f := worklist[0]
		worklist = worklist[1:]
		if visited[f.id] {
			continue
		}
		// A child is only ready once all its in-graph parents are
		// resolved (applied or pruned); re-enqueue otherwise. Since the
		// graph is acyclic and finite this always terminates.
		e := g.nodes[f.id]
		ready := true
		for _, p := range e.Parents {
			if _, ok := g.nodes[p]; !ok {
				continue
			}
			if !visited[p] {
				ready = false
				break
			}
		}
		if !ready {
			worklist = append(worklist, f)
			continue
		}
		visited[f.id] = true

		// If any ancestor was pruned, this entry is unreachable.
		if anyParentPruned(g, e, pruned) {
			pruned[f.id] = true
			obj.Pruned = append(obj.Pruned, f.id)
			continue
		}

		if !ValidSignatures(e, v) {
			log.Debugf("cob.evaluate: pruning %s: invalid signature", f.id)
			pruned[f.id] = true
			obj.Pruned = append(obj.Pruned, f.id)
		} else {
			sibs := siblingsExcludingSelf(siblingsOf, e)
			if err := obj.State.Apply(e, sibs, store); err != nil {
				log.Debugf("cob.evaluate: pruning %s: apply failed: %v", f.id, err)
				pruned[f.id] = true
				obj.Pruned = append(obj.Pruned, f.id)
			}
		}

		for _, child := range g.Children(f.id) {
			worklist = append(worklist, frame{id: child.ID})
		}
	}

	return obj, nil
}

func anyParentPruned(g *Graph, e *Entry, pruned map[identity.ID]bool) bool {
	for _, p := range e.Parents {
		if _, ok := g.nodes[p]; !ok {
			continue
		}
		if pruned[p] {
			return true
		}
	}
	return false
}

// siblingsExcludingSelf returns self's siblings (entries sharing at least
// one parent with self) in the same deterministic timestamp-then-id order
// Graph.Children uses, per §8's requirement that Apply see siblings in a
// stable order regardless of the map iteration that assembled siblingsOf.
func siblingsExcludingSelf(siblingsOf map[identity.ID][]*Entry, self *Entry) []*Entry {
	if len(self.Parents) == 0 {
		return nil
	}
	var out []*Entry
	seen := map[identity.ID]bool{self.ID: true}
	for _, p := range self.Parents {
		for _, sib := range siblingsOf[p] {
			if seen[sib.ID] {
				continue
			}
			seen[sib.ID] = true
			out = append(out, sib)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

type notVerifiedErr struct{ id identity.ID }

func (e notVerifiedErr) Error() string { return "entry " + e.id.String() + " has invalid signatures" }

func errNotVerified(id identity.ID) error { return notVerifiedErr{id: id} }
