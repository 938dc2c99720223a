package routing

import (
	"context"
	"testing"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
)

type recordingPersistence struct {
	upserts int
	removes int
	pruned  int
}

func (r *recordingPersistence) Upsert(ctx context.Context, repo identity.ID, node string, ts time.Time) error {
	r.upserts++
	return nil
}

func (r *recordingPersistence) Remove(ctx context.Context, repo identity.ID, node string) error {
	r.removes++
	return nil
}

func (r *recordingPersistence) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.pruned++
	return 0, nil
}

type fixedVerifier struct{ allow bool }

func (f fixedVerifier) Verify(pub sign.PublicKey, payload []byte, sig sign.Signature) bool {
	return f.allow
}

func newTestTable(t *testing.T) *Table {
	t.Helper()
	return NewTable(100, time.Hour, fixedVerifier{allow: true}, nil, nil, nil)
}

// Scenario 6: announcement relay under subscribe filter.
func TestRefsAnnouncementRelayUnderSubscribeFilter(t *testing.T) {
	tbl := newTestTable(t)

	repoR := identity.Hash([]byte("R"))
	repoOther := identity.Hash([]byte("other"))

	filterP := bloom.NewWithEstimates(10, 0.01)
	filterP.Add(repoR[:])
	tbl.Subscribe("P", filterP)

	var origin sign.PublicKey
	copy(origin[:], []byte("origin-key-bytes-padded-to-32-b"))

	targets, err := tbl.ReceiveRefs(RefsAnnouncement{Origin: origin, Repo: repoR, Timestamp: 100})
	if err != nil {
		t.Fatalf("receive refs for R: %v", err)
	}
	if len(targets) != 1 || targets[0] != "P" {
		t.Fatalf("expected relay to P for repo R, got %v", targets)
	}

	targets, err = tbl.ReceiveRefs(RefsAnnouncement{Origin: origin, Repo: repoOther, Timestamp: 101})
	if err != nil {
		t.Fatalf("receive refs for other: %v", err)
	}
	if len(targets) != 0 {
		t.Fatalf("expected no relay for a repo outside P's filter, got %v", targets)
	}
}

func TestNeverSubscribedPeerReceivesNoRelays(t *testing.T) {
	tbl := newTestTable(t)
	var origin sign.PublicKey
	copy(origin[:], []byte("origin-key-bytes-padded-to-32-b"))
	targets, err := tbl.ReceiveRefs(RefsAnnouncement{Origin: origin, Repo: identity.Hash([]byte("R")), Timestamp: 1})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(targets) != 0 {
		t.Fatalf("expected no relays without any subscribers")
	}
}

func TestDuplicateOrStaleTimestampDropped(t *testing.T) {
	tbl := newTestTable(t)
	var origin sign.PublicKey
	copy(origin[:], []byte("origin-key-bytes-padded-to-32-b"))
	inv := InventoryAnnouncement{Origin: origin, Inventory: []identity.ID{identity.Hash([]byte("R"))}, Timestamp: 100}

	if _, err := tbl.ReceiveInventory(inv); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	// Equal timestamp is a duplicate per the documented default (§9).
	targets, err := tbl.ReceiveInventory(inv)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if targets != nil {
		t.Fatalf("expected a duplicate timestamp to be dropped silently")
	}

	older := inv
	older.Timestamp = 50
	if targets, err := tbl.ReceiveInventory(older); err != nil || targets != nil {
		t.Fatalf("expected an older timestamp to be dropped, got targets=%v err=%v", targets, err)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	tbl := NewTable(100, time.Hour, fixedVerifier{allow: false}, nil, nil, nil)
	var origin sign.PublicKey
	_, err := tbl.ReceiveNode(NodeAnnouncement{Origin: origin, Timestamp: 1})
	if err == nil {
		t.Fatalf("expected a signature error")
	}
}

func TestRoutingTablePruningBySize(t *testing.T) {
	tbl := NewTable(2, time.Hour, fixedVerifier{allow: true}, nil, nil, nil)
	tbl.Insert(identity.Hash([]byte("a")), "node-a")
	tbl.Insert(identity.Hash([]byte("b")), "node-b")
	tbl.Insert(identity.Hash([]byte("c")), "node-c")
	if tbl.Len() > 2 {
		t.Fatalf("expected table bounded to max size 2, got %d", tbl.Len())
	}
}

func TestRoutingTablePruningByAge(t *testing.T) {
	tbl := NewTable(100, time.Second, fixedVerifier{allow: true}, nil, nil, nil)
	tick := int64(1000)
	tbl.now = func() int64 { return tick }
	tbl.Insert(identity.Hash([]byte("a")), "node-a")
	tick += 10
	tbl.Prune()
	if tbl.Len() != 0 {
		t.Fatalf("expected the aged-out entry to be pruned, len=%d", tbl.Len())
	}
}

func TestAttachedPersistenceReceivesInsertRemoveAndPrune(t *testing.T) {
	tbl := newTestTable(t)
	p := &recordingPersistence{}
	tbl.AttachPersistence(p)

	repo := identity.Hash([]byte("a"))
	tbl.Insert(repo, "node-a")
	tbl.Remove(repo, "node-a")
	tbl.Prune()

	if p.upserts != 1 {
		t.Fatalf("expected 1 persisted upsert, got %d", p.upserts)
	}
	if p.removes != 1 {
		t.Fatalf("expected 1 persisted remove, got %d", p.removes)
	}
	if p.pruned != 1 {
		t.Fatalf("expected 1 persisted prune, got %d", p.pruned)
	}
}

func TestRestoreHydratesWithoutPersisting(t *testing.T) {
	tbl := newTestTable(t)
	p := &recordingPersistence{}
	tbl.AttachPersistence(p)

	repo := identity.Hash([]byte("a"))
	tbl.Restore(repo, "node-a", time.Unix(1000, 0))

	if got := tbl.Get(repo); len(got) != 1 || got[0] != "node-a" {
		t.Fatalf("expected Restore to hydrate the route, got %v", got)
	}
	if p.upserts != 0 {
		t.Fatalf("expected Restore not to write through to persistence, got %d upserts", p.upserts)
	}
}

func TestSubscriberTableEvictsOldestOnceOverCapacity(t *testing.T) {
	tbl := NewTable(2, time.Hour, fixedVerifier{allow: true}, nil, nil, nil)
	filter := bloom.NewWithEstimates(10, 0.01)
	tbl.Subscribe("p1", filter)
	tbl.Subscribe("p2", filter)
	tbl.Subscribe("p3", filter)

	tbl.mu.Lock()
	_, p1Still := tbl.subscribers["p1"]
	n := len(tbl.subscribers)
	tbl.mu.Unlock()

	if p1Still {
		t.Fatalf("expected the least-recently-touched subscriber p1 to be evicted")
	}
	if n > 2 {
		t.Fatalf("expected the subscriber table bounded to 2 entries, got %d", n)
	}
}
