package fetch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
	"github.com/hwmesh/hw/policy"
	"github.com/hwmesh/hw/sigrefs"
	"github.com/hwmesh/hw/storage"
)

type fakeTransport struct {
	refs map[string]identity.ID
}

func (f *fakeTransport) Handshake(ctx context.Context) error { return nil }

func (f *fakeTransport) LsRefs(ctx context.Context, prefixes []string) (map[string]identity.ID, error) {
	out := make(map[string]identity.ID)
	for name, id := range f.refs {
		for _, p := range prefixes {
			if len(name) >= len(p) && name[:len(p)] == p {
				out[name] = id
				break
			}
		}
	}
	return out, nil
}

func (f *fakeTransport) FetchPack(ctx context.Context, want []identity.ID, limit Limit, interrupt *atomic.Bool) error {
	return nil // objects are already present in the shared in-memory backend for these tests
}

func setupRemote(t *testing.T, backend storage.Backend, remote sign.PublicKey, signer sign.Signer) {
	t.Helper()
	headID, err := backend.PutBlob([]byte("head"))
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	refName := "refs/namespaces/" + hexKeyOf(remote) + "/heads/main"
	if err := backend.SetRef(refName, headID); err != nil {
		t.Fatalf("set ref: %v", err)
	}
	if _, err := sigrefs.Build(backend, remote, signer, headID); err != nil {
		t.Fatalf("build sigrefs: %v", err)
	}
}

func hexKeyOf(pub sign.PublicKey) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(pub)*2)
	for i, b := range pub {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func TestRunHappyPath(t *testing.T) {
	backend := storage.OpenMemory()
	local, _ := sign.GenerateInMemorySigner()
	remoteSigner, _ := sign.GenerateInMemorySigner()
	remote := remoteSigner.PublicKey()
	setupRemote(t, backend, remote, remoteSigner)

	pol := policy.NewStore(true, policy.All, true, nil)
	session := NewSession(backend, pol, sign.DefaultVerifier, &fakeTransport{}, nil)

	repo := identity.Hash([]byte("R"))
	result, err := session.Run(context.Background(), Request{
		Repo:   repo,
		Local:  local.PublicKey(),
		Remote: remote,
		Limit:  Limit{MaxRefs: 100},
	}, identity.Document{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Phase != Done {
		t.Fatalf("expected Done, got %v", result.Phase)
	}
	// The ref itself advances (a no-op fast-forward to its own tip) and the
	// remote's own rad/sigrefs ref is pruned locally, since Build never lists
	// itself in the signed document.
	if len(result.Applied.Updated) != 2 {
		t.Fatalf("expected 2 refs updated (heads/main + rad/sigrefs prune), got %v", result.Applied)
	}
}

func TestRunRefusesSelfReplication(t *testing.T) {
	backend := storage.OpenMemory()
	signer, _ := sign.GenerateInMemorySigner()
	pol := policy.NewStore(true, policy.All, true, nil)
	session := NewSession(backend, pol, sign.DefaultVerifier, &fakeTransport{}, nil)

	_, err := session.Run(context.Background(), Request{
		Local:  signer.PublicKey(),
		Remote: signer.PublicKey(),
	}, identity.Document{})
	if err == nil {
		t.Fatalf("expected an error for local == remote")
	}
}

func TestRunRefusesBlockedRepo(t *testing.T) {
	backend := storage.OpenMemory()
	local, _ := sign.GenerateInMemorySigner()
	remoteSigner, _ := sign.GenerateInMemorySigner()
	remote := remoteSigner.PublicKey()

	pol := policy.NewStore(false, policy.All, false, nil)
	session := NewSession(backend, pol, sign.DefaultVerifier, &fakeTransport{}, nil)

	_, err := session.Run(context.Background(), Request{
		Local:  local.PublicKey(),
		Remote: remote,
	}, identity.Document{})
	if err == nil {
		t.Fatalf("expected a blocked-repo error")
	}
}

// Scenario 4: fetch under Followed scope admits only the namespaces the
// policy engine resolves (repo delegates plus follow-allowed nodes),
// planning Direct updates for admissible namespaces and dropping refs from
// any other one, even though the policy decision is keyed by did:key and
// the ref namespaces are keyed by hex public key.
func TestPlanUpdatesFollowedScopeAdoptsOnlyAdmissibleNamespaces(t *testing.T) {
	backend := storage.OpenMemory()

	signerA, _ := sign.GenerateInMemorySigner()
	signerB, _ := sign.GenerateInMemorySigner()
	signerX, _ := sign.GenerateInMemorySigner()
	a, b, x := signerA.PublicKey(), signerB.PublicKey(), signerX.PublicKey()

	pol := policy.NewStore(true, policy.Followed, false, nil)
	if err := pol.SetNode(identity.DID{Key: ed25519Bytes(b)}.String(), true, ""); err != nil {
		t.Fatalf("set node B: %v", err)
	}
	repo := identity.Hash([]byte("R"))
	doc := identity.Document{Delegates: []identity.DID{{Key: ed25519Bytes(a)}}}

	ns, ok := pol.Decide(repo, doc)
	if !ok {
		t.Fatalf("expected repo to be admitted")
	}
	if ns.All {
		t.Fatalf("expected a restricted Followed set, not All")
	}

	refA := identity.ID{}
	refB := identity.ID{}
	refX := identity.ID{}
	copy(refA[:], []byte("a"))
	copy(refB[:], []byte("b"))
	copy(refX[:], []byte("x"))

	doc2 := sigrefs.Document{
		Version: 1,
		Refs: []sigrefs.RefEntry{
			{Name: "refs/namespaces/" + hexKeyOf(a) + "/heads/main", Target: refA},
			{Name: "refs/namespaces/" + hexKeyOf(b) + "/heads/main", Target: refB},
			{Name: "refs/namespaces/" + hexKeyOf(x) + "/heads/main", Target: refX},
		},
	}
	sr := &sigrefs.Sigrefs{Document: doc2}

	session := &Session{backend: backend}
	updates := session.planUpdates(sign.PublicKey{}, sr, ns)

	got := make(map[string]bool)
	for _, u := range updates {
		if u.Kind == Direct {
			got[u.Name] = true
		}
	}
	if !got["refs/namespaces/"+hexKeyOf(a)+"/heads/main"] {
		t.Fatalf("expected delegate A's namespace to be adopted, got %+v", updates)
	}
	if !got["refs/namespaces/"+hexKeyOf(b)+"/heads/main"] {
		t.Fatalf("expected follow-allowed node B's namespace to be adopted, got %+v", updates)
	}
	if got["refs/namespaces/"+hexKeyOf(x)+"/heads/main"] {
		t.Fatalf("did not expect unrelated node X's namespace to be adopted, got %+v", updates)
	}
}

func ed25519Bytes(pub sign.PublicKey) []byte {
	out := make([]byte, len(pub))
	copy(out, pub[:])
	return out
}

// Scenario 5: non-fast-forward adoption under Reject vs Abort.
func TestAdoptNonFastForwardReject(t *testing.T) {
	backend := storage.OpenMemory()
	c1, _ := backend.PutBlob([]byte("c1"))
	c2, _ := backend.PutBlob([]byte("c2")) // unrelated content; not a descendant of c1
	if err := backend.SetRef("refs/heads/main", c1); err != nil {
		t.Fatalf("set ref: %v", err)
	}

	session := &Session{backend: backend}
	updates := []Update{{Kind: Direct, Name: "refs/heads/main", Target: c2, Prev: c1, NoFF: Reject}}
	applied, err := session.adopt(updates)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if len(applied.Rejected) != 1 || len(applied.Updated) != 0 {
		t.Fatalf("expected the update to be rejected, got %+v", applied)
	}
	got, _, _ := backend.ResolveRef("refs/heads/main")
	if got != c1 {
		t.Fatalf("expected refs/heads/main to remain at c1 after a rejected update")
	}
}

func TestAdoptNonFastForwardAbort(t *testing.T) {
	backend := storage.OpenMemory()
	c1, _ := backend.PutBlob([]byte("c1"))
	c2, _ := backend.PutBlob([]byte("c2"))
	if err := backend.SetRef("refs/heads/main", c1); err != nil {
		t.Fatalf("set ref: %v", err)
	}

	session := &Session{backend: backend}
	updates := []Update{{Kind: Direct, Name: "refs/heads/main", Target: c2, Prev: c1, NoFF: Abort}}
	_, err := session.adopt(updates)
	if err == nil {
		t.Fatalf("expected Abort policy to surface an error")
	}
}
