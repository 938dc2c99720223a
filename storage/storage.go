// Package storage is the repository-typed persistence layer consumed by the
// signed-change store (C1) and the fetch protocol (C6). It delegates actual
// git-plumbing concerns — pack formats, object encoding, ref storage — to
// go-git, per SPEC_FULL.md §1's boundary ("Git-plumbing concerns ... delegated
// to a git library") and the DOMAIN STACK choice of go-git/go-git/v5, grounded
// on make-os/kit's BareRepo interface (the closest domain analog in the
// retrieval pack: a git object store wrapped for a decentralized collaboration
// node).
package storage

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/sirupsen/logrus"

	"github.com/hwmesh/hw/internal/identity"
)

// Backend is the narrow storage capability the COB engine and fetch protocol
// require. It is intentionally smaller than go-git's full Repository API: the
// core never needs working-tree operations, only content-addressed blob
// storage and ref bookkeeping.
type Backend interface {
	// PutBlob content-addresses and persists data, returning its id.
	PutBlob(data []byte) (identity.ID, error)
	// GetBlob reads back previously stored content by id.
	GetBlob(id identity.ID) ([]byte, error)
	// HasObject reports whether id is present in the object database.
	HasObject(id identity.ID) bool

	// ResolveRef returns the target of a ref, or ok=false if it does not exist.
	ResolveRef(name string) (target identity.ID, ok bool, err error)
	// SetRef creates or moves a ref to target.
	SetRef(name string, target identity.ID) error
	// DeleteRef removes a ref.
	DeleteRef(name string) error
	// ListRefs returns every ref under the given prefix (e.g. "refs/namespaces/<ns>/").
	ListRefs(prefix string) (map[string]identity.ID, error)

	// IsAncestor reports whether ancestor is reachable by walking commit
	// parents from descendant. Used by the fast-forward check (§4.6 step 5,
	// supplemented feature #2).
	IsAncestor(ancestor, descendant identity.ID) (bool, error)
}

// GitBackend implements Backend over a go-git storage.Storer, which may be
// filesystem- or memory-backed.
type GitBackend struct {
	mu  sync.RWMutex
	st  storage.Storer
	log *logrus.Logger
}

// Open opens (creating if absent) a git object database rooted at dir,
// mirroring the teacher's NewLedger/OpenLedger split between fresh
// initialisation and reattaching to existing on-disk state.
func Open(dir string, log *logrus.Logger) (*GitBackend, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	fs := osfs.New(dir)
	dot, err := fs.Chroot(".git")
	if err != nil {
		return nil, fmt.Errorf("storage: chroot .git: %w", err)
	}
	st := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())
	log.Infof("storage: opened git object database at %s", dir)
	return &GitBackend{st: st, log: log}, nil
}

// OpenMemory is an in-memory Backend, used by tests and by short-lived
// worker evaluation that never needs to survive process exit.
func OpenMemory() *GitBackend {
	return &GitBackend{st: memory.NewStorage(), log: logrus.StandardLogger()}
}

// gitHash converts our content address to go-git's plumbing.Hash via its
// stable hex round-trip (plumbing.NewHash / Hash.String), rather than
// assuming a particular in-memory layout for plumbing.Hash.
func gitHash(id identity.ID) plumbing.Hash { return plumbing.NewHash(id.Hex()) }

func idOf(h plumbing.Hash) identity.ID {
	id, err := identity.HexToID(h.String())
	if err != nil {
		// go-git's Hash.String() always renders valid hex of the right width.
		panic(err)
	}
	return id
}

func (b *GitBackend) PutBlob(data []byte) (identity.ID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj := b.st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return identity.ID{}, fmt.Errorf("storage: blob writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return identity.ID{}, fmt.Errorf("storage: write blob: %w", err)
	}
	if err := w.Close(); err != nil {
		return identity.ID{}, fmt.Errorf("storage: close blob: %w", err)
	}
	h, err := b.st.SetEncodedObject(obj)
	if err != nil {
		return identity.ID{}, fmt.Errorf("storage: persist blob: %w", err)
	}
	return idOf(h), nil
}

func (b *GitBackend) GetBlob(id identity.ID) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, err := b.st.EncodedObject(plumbing.BlobObject, gitHash(id))
	if err != nil {
		return nil, fmt.Errorf("storage: load blob %s: %w", id.Hex(), err)
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, fmt.Errorf("storage: blob reader %s: %w", id.Hex(), err)
	}
	defer r.Close()
	out := make([]byte, obj.Size())
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("storage: read blob %s: %w", id.Hex(), err)
	}
	return out, nil
}

func (b *GitBackend) HasObject(id identity.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.st.HasEncodedObject(gitHash(id)) == nil
}

func (b *GitBackend) ResolveRef(name string) (identity.ID, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ref, err := b.st.Reference(plumbing.ReferenceName(name))
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return identity.ID{}, false, nil
		}
		return identity.ID{}, false, fmt.Errorf("storage: resolve ref %s: %w", name, err)
	}
	return idOf(ref.Hash()), true, nil
}

func (b *GitBackend) SetRef(name string, target identity.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := plumbing.NewHashReference(plumbing.ReferenceName(name), gitHash(target))
	if err := b.st.SetReference(ref); err != nil {
		return fmt.Errorf("storage: set ref %s: %w", name, err)
	}
	return nil
}

func (b *GitBackend) DeleteRef(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.st.RemoveReference(plumbing.ReferenceName(name)); err != nil {
		return fmt.Errorf("storage: delete ref %s: %w", name, err)
	}
	return nil
}

func (b *GitBackend) ListRefs(prefix string) (map[string]identity.ID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	iter, err := b.st.IterReferences()
	if err != nil {
		return nil, fmt.Errorf("storage: iter refs: %w", err)
	}
	defer iter.Close()
	out := make(map[string]identity.ID)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := string(ref.Name())
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			out[name] = idOf(ref.Hash())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: walk refs: %w", err)
	}
	return out, nil
}

func (b *GitBackend) IsAncestor(ancestor, descendant identity.ID) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	visited := make(map[identity.ID]bool)
	queue := []identity.ID{descendant}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		obj, err := b.st.EncodedObject(plumbing.CommitObject, gitHash(cur))
		if err != nil {
			continue // not a commit (e.g. a COB entry blob); dead end for ancestry
		}
		commit := &object.Commit{}
		if err := commit.Decode(obj); err != nil {
			continue
		}
		for _, p := range commit.ParentHashes {
			pid := idOf(p)
			if pid == ancestor {
				return true, nil
			}
			queue = append(queue, pid)
		}
	}
	return false, nil
}

var _ storage.Storer = (*memory.Storage)(nil)
