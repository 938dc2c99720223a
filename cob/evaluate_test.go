package cob

import (
	"encoding/json"
	"testing"

	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
)

// issueState is a minimal Evaluate implementation used only by tests: it
// tracks a title set by the root and overwritten by later applies, enough to
// exercise the pruning fold without a real COB type's CRDT logic.
type issueState struct {
	Title   string
	Applied []string
}

type issueOp struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

func (s *issueState) Init(root *Entry) error {
	var op issueOp
	if err := json.Unmarshal(root.Contents[0], &op); err != nil {
		return err
	}
	s.Title = op.Title
	return nil
}

func (s *issueState) Apply(entry *Entry, siblings []*Entry, store *Store) error {
	var op issueOp
	if err := json.Unmarshal(entry.Contents[0], &op); err != nil {
		return err
	}
	if op.Action == "fail" {
		return errNotVerified(entry.ID)
	}
	s.Title = op.Title
	s.Applied = append(s.Applied, entry.ID.Hex())
	return nil
}

// Scenario 1: create-then-read.
func TestEvaluateCreateThenRead(t *testing.T) {
	store := newTestStore(t)
	alice := mustSigner(t)

	root, err := store.Create(identity.ID{}, nil, alice, Template{
		Manifest: Manifest{TypeName: "issue", Version: 1},
		Contents: [][]byte{[]byte(`{"action":"new","title":"x"}`)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	g, ok := LoadGraph(store, []identity.ID{root.ID}, nil)
	if !ok {
		t.Fatalf("expected a graph")
	}
	obj, err := EvaluateGraph(g, store, sign.DefaultVerifier, &issueState{}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if obj.State.Title != "x" {
		t.Fatalf("expected title x, got %q", obj.State.Title)
	}
}

// Scenario 2: concurrent edits apply in timestamp order.
func TestEvaluateConcurrentEditsApplyInTimestampOrder(t *testing.T) {
	store := newTestStore(t)
	alice := mustSigner(t)
	bob := mustSigner(t)

	nowFn = func() int64 { return 90 }
	root, err := store.Create(identity.ID{}, nil, alice, Template{
		Manifest: Manifest{TypeName: "issue", Version: 1},
		Contents: [][]byte{[]byte(`{"action":"new","title":"root"}`)},
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}

	nowFn = func() int64 { return 100 }
	e1, err := store.Create(identity.ID{}, []identity.ID{root.ID}, alice, Template{
		Manifest: Manifest{TypeName: "issue", Version: 1},
		Contents: [][]byte{[]byte(`{"action":"edit","title":"alice"}`)},
	})
	if err != nil {
		t.Fatalf("create e1: %v", err)
	}

	nowFn = func() int64 { return 101 }
	e2, err := store.Create(identity.ID{}, []identity.ID{root.ID}, bob, Template{
		Manifest: Manifest{TypeName: "issue", Version: 1},
		Contents: [][]byte{[]byte(`{"action":"edit","title":"bob"}`)},
	})
	if err != nil {
		t.Fatalf("create e2: %v", err)
	}

	g, ok := LoadGraph(store, []identity.ID{e1.ID, e2.ID}, nil)
	if !ok {
		t.Fatalf("expected a graph")
	}
	obj, err := EvaluateGraph(g, store, sign.DefaultVerifier, &issueState{}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(obj.State.Applied) != 2 || obj.State.Applied[0] != e1.ID.Hex() || obj.State.Applied[1] != e2.ID.Hex() {
		t.Fatalf("expected apply order [e1, e2], got %v", obj.State.Applied)
	}
	if obj.State.Title != "bob" {
		t.Fatalf("expected the later (bob) edit to win, got %q", obj.State.Title)
	}
}

// Scenario 3: invalid signature prunes the subtree.
func TestEvaluateInvalidSignaturePrunesSubtree(t *testing.T) {
	store := newTestStore(t)
	alice := mustSigner(t)
	other := mustSigner(t) // signs c2; its recorded signature is tampered below

	root, err := store.Create(identity.ID{}, nil, alice, Template{
		Manifest: Manifest{TypeName: "issue", Version: 1},
		Contents: [][]byte{[]byte(`{"action":"new","title":"root"}`)},
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	c1, err := store.Create(identity.ID{}, []identity.ID{root.ID}, alice, Template{
		Manifest: Manifest{TypeName: "issue", Version: 1},
		Contents: [][]byte{[]byte(`{"action":"edit","title":"c1"}`)},
	})
	if err != nil {
		t.Fatalf("create c1: %v", err)
	}
	c2, err := store.Create(identity.ID{}, []identity.ID{c1.ID}, other, Template{
		Manifest: Manifest{TypeName: "issue", Version: 1},
		Contents: [][]byte{[]byte(`{"action":"edit","title":"c2"}`)},
	})
	if err != nil {
		t.Fatalf("create c2: %v", err)
	}
	// Tamper c2's recorded signature so it no longer verifies under its key.
	for k := range c2.Signatures {
		sig := c2.Signatures[k]
		sig[0] ^= 0xFF
		c2.Signatures[k] = sig
	}
	tamperedBytes, err := json.Marshal(envelope{
		Revision:   c2.Revision,
		Parents:    c2.Parents,
		Resource:   c2.Resource,
		Signatures: c2.Signatures,
		Timestamp:  c2.Timestamp,
	})
	if err != nil {
		t.Fatalf("marshal tampered envelope: %v", err)
	}
	tamperedID, err := store.backend.PutBlob(tamperedBytes)
	if err != nil {
		t.Fatalf("put tampered envelope: %v", err)
	}

	c3, err := store.Create(identity.ID{}, []identity.ID{tamperedID}, alice, Template{
		Manifest: Manifest{TypeName: "issue", Version: 1},
		Contents: [][]byte{[]byte(`{"action":"edit","title":"c3"}`)},
	})
	if err != nil {
		t.Fatalf("create c3: %v", err)
	}

	g, ok := LoadGraph(store, []identity.ID{c3.ID}, nil)
	if !ok {
		t.Fatalf("expected a graph")
	}
	if _, ok := g.Node(tamperedID); !ok {
		t.Fatalf("expected the tampered entry to still materialise in the graph")
	}

	obj, err := EvaluateGraph(g, store, sign.DefaultVerifier, &issueState{}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	foundPruned := false
	for _, id := range obj.Pruned {
		if id == tamperedID {
			foundPruned = true
		}
	}
	if !foundPruned {
		t.Fatalf("expected the tampered entry to be pruned, pruned=%v", obj.Pruned)
	}
	for _, id := range obj.State.Applied {
		if id == c3.ID.Hex() {
			t.Fatalf("c3 should be unreachable after its parent was pruned")
		}
	}
}
