package policy

import (
	"fmt"
	"testing"

	"github.com/hwmesh/hw/internal/identity"
)

func TestDecideBlockedRepo(t *testing.T) {
	s := NewStore(false, Followed, false, nil)
	repo := identity.Hash([]byte("repo"))
	s.SetRepo(repo, false, Followed)
	if _, ok := s.Decide(repo, identity.Document{}); ok {
		t.Fatalf("expected a blocked repo to be rejected")
	}
}

func TestDecideAllScope(t *testing.T) {
	s := NewStore(false, Followed, false, nil)
	repo := identity.Hash([]byte("repo"))
	s.SetRepo(repo, true, All)
	ns, ok := s.Decide(repo, identity.Document{})
	if !ok {
		t.Fatalf("expected repo to be admitted")
	}
	if !ns.All {
		t.Fatalf("expected unrestricted namespaces under All scope")
	}
	if !ns.Contains("anything") {
		t.Fatalf("All namespaces must admit any hex key")
	}
}

// Scenario 4: fetch under Followed scope.
func TestDecideFollowedScopeUnionsDelegatesAndFollowed(t *testing.T) {
	s := NewStore(false, Followed, false, nil)
	repo := identity.Hash([]byte("R"))
	s.SetRepo(repo, true, Followed)

	nodeA := identity.DID{Key: fakeKey("A")}
	if err := s.SetNode(nodeA.String(), true, ""); err != nil {
		t.Fatalf("set node A: %v", err)
	}

	doc := identity.Document{Delegates: []identity.DID{{Key: fakeKey("B")}}}

	ns, ok := s.Decide(repo, doc)
	if !ok {
		t.Fatalf("expected repo to be admitted")
	}
	if ns.All {
		t.Fatalf("expected a restricted Followed set, not All")
	}
	if !ns.Contains(hexKey(fakeKey("A"))) {
		t.Fatalf("expected follow-allowed node A to be admissible")
	}
	if !ns.Contains(hexKey(fakeKey("B"))) {
		t.Fatalf("expected repo delegate B to be admissible")
	}
	if ns.Contains(hexKey(fakeKey("X"))) {
		t.Fatalf("did not expect unrelated node X to be admissible")
	}
}

func TestDecideEmptyFollowedDegradesToAll(t *testing.T) {
	s := NewStore(false, Followed, false, nil)
	repo := identity.Hash([]byte("R"))
	s.SetRepo(repo, true, Followed)

	ns, ok := s.Decide(repo, identity.Document{})
	if !ok {
		t.Fatalf("expected repo to be admitted")
	}
	if !ns.All {
		t.Fatalf("expected an empty Followed set to degrade to All")
	}
}

func TestSetNodeRejectsInvalidDID(t *testing.T) {
	s := NewStore(false, Followed, false, nil)
	if err := s.SetNode("did:key:not-a-real-key", true, ""); err == nil {
		t.Fatalf("expected an invalid did:key string to be rejected")
	}
}

func fakeKey(seed string) []byte {
	k := make([]byte, 32)
	copy(k, seed)
	return k
}

func hexKey(pub []byte) string {
	return fmt.Sprintf("%x", pub)
}
