// Package cob implements the Collaborative Object engine: the signed-change
// store (C1), the change graph (C2) and the pruning evaluator (C3) from
// SPEC_FULL.md §4.1-4.3. It is grounded on original_source/radicle-cob
// (change/store.rs, change_graph.rs, object/collaboration.rs) for the
// algorithm shape and on the teacher's core/ledger.go for the Go idiom:
// constructor-returned structs, fmt.Errorf("%w") wrapping, logrus at state
// transitions.
package cob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/hwmesh/hw/internal/errs"
	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
	"github.com/hwmesh/hw/storage"
)

// Manifest names the COB type and schema version an Entry's payload conforms to.
type Manifest struct {
	TypeName string `json:"type_name"`
	Version  uint32 `json:"version"`
}

// Entry is a single signed change record — a node of the COB graph, per §3.
type Entry struct {
	ID         identity.ID                         `json:"-"`
	Revision   identity.ID                         `json:"revision"`
	Parents    []identity.ID                       `json:"parents"`
	Resource   identity.ID                         `json:"resource,omitempty"`
	Signatures map[string]sign.Signature            `json:"signatures"` // keyed by hex-encoded public key
	Manifest   Manifest                            `json:"manifest"`
	Contents   [][]byte                            `json:"contents"`
	Timestamp  int64                               `json:"timestamp"`
}

// payload is the revision tree: everything Revision content-addresses.
// Keeping it separate from Entry lets Create hash contents independently
// of the envelope (parents/resource/signatures/timestamp), matching §4.1:
// "revision is the hash of the template's payload tree".
type payload struct {
	Manifest Manifest `json:"manifest"`
	Contents [][]byte `json:"contents"`
}

// Template is the caller-supplied material for a new Entry; Create fills in
// the content-addressed fields.
type Template struct {
	Manifest Manifest
	Contents [][]byte
}

// envelope is what entry.ID content-addresses: everything except the id itself.
type envelope struct {
	Revision   identity.ID              `json:"revision"`
	Parents    []identity.ID            `json:"parents"`
	Resource   identity.ID              `json:"resource,omitempty"`
	Signatures map[string]sign.Signature `json:"signatures"`
	Timestamp  int64                    `json:"timestamp"`
}

func keyHex(pub sign.PublicKey) string { return fmt.Sprintf("%x", pub[:]) }

// Store is the signed-change store (C1): a thin layer over storage.Backend
// that content-addresses payloads, signs revisions, and rejects malformed
// parent/resource relationships.
type Store struct {
	backend storage.Backend
	log     *logrus.Logger
}

// NewStore wraps backend with the signed-change operations.
func NewStore(backend storage.Backend, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{backend: backend, log: log}
}

// Create writes a new Entry whose revision is the hash of tpl's payload tree
// and whose signatures includes signer's signature over that revision.
// Per §4.1, parents must never contain resource.
func (s *Store) Create(resource identity.ID, parents []identity.ID, signer sign.Signer, tpl Template) (*Entry, error) {
	if len(tpl.Contents) == 0 {
		return nil, errs.New(errs.Identity, "cob.store.create", fmt.Errorf("contents must be non-empty"))
	}
	for _, p := range parents {
		if p == resource {
			return nil, errs.New(errs.Identity, "cob.store.create", fmt.Errorf("parent %s equals resource", p))
		}
	}

	pl := payload{Manifest: tpl.Manifest, Contents: tpl.Contents}
	plBytes, err := json.Marshal(pl)
	if err != nil {
		return nil, errs.New(errs.Storage, "cob.store.create", fmt.Errorf("marshal payload: %w", err))
	}
	revision, err := s.backend.PutBlob(plBytes)
	if err != nil {
		return nil, errs.New(errs.Storage, "cob.store.create", err)
	}

	sig, err := signer.Sign(revision[:])
	if err != nil {
		return nil, errs.New(errs.Signature, "cob.store.create", fmt.Errorf("sign revision: %w", err))
	}
	sigs := map[string]sign.Signature{keyHex(signer.PublicKey()): sig}

	now := nowFn()
	env := envelope{Revision: revision, Parents: sortIDs(parents), Resource: resource, Signatures: sigs, Timestamp: now}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, errs.New(errs.Storage, "cob.store.create", fmt.Errorf("marshal envelope: %w", err))
	}
	id, err := s.backend.PutBlob(envBytes)
	if err != nil {
		return nil, errs.New(errs.Storage, "cob.store.create", err)
	}

	e := &Entry{
		ID:         id,
		Revision:   revision,
		Parents:    env.Parents,
		Resource:   resource,
		Signatures: sigs,
		Manifest:   tpl.Manifest,
		Contents:   tpl.Contents,
		Timestamp:  now,
	}
	s.log.Infof("cob: created entry %s (type=%s parents=%d)", id, tpl.Manifest.TypeName, len(parents))
	return e, nil
}

// Load reads back an Entry by content address. It returns the raw entry;
// signature validity is checked during graph evaluation, not here, per §4.1.
func (s *Store) Load(id identity.ID) (*Entry, error) {
	envBytes, err := s.backend.GetBlob(id)
	if err != nil {
		return nil, errs.New(errs.Storage, "cob.store.load", err)
	}
	var env envelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		return nil, errs.New(errs.Storage, "cob.store.load", fmt.Errorf("unmarshal envelope %s: %w", id, err))
	}
	plBytes, err := s.backend.GetBlob(env.Revision)
	if err != nil {
		return nil, errs.New(errs.Storage, "cob.store.load", fmt.Errorf("load payload for %s: %w", id, err))
	}
	var pl payload
	if err := json.Unmarshal(plBytes, &pl); err != nil {
		return nil, errs.New(errs.Storage, "cob.store.load", fmt.Errorf("unmarshal payload %s: %w", id, err))
	}
	return &Entry{
		ID:         id,
		Revision:   env.Revision,
		Parents:    env.Parents,
		Resource:   env.Resource,
		Signatures: env.Signatures,
		Manifest:   pl.Manifest,
		Contents:   pl.Contents,
		Timestamp:  env.Timestamp,
	}, nil
}

// ValidSignatures reports whether every signature on e verifies against
// e.Revision under its bound public key. An entry with no signatures is
// reported invalid.
func ValidSignatures(e *Entry, v sign.Verifier) bool {
	if len(e.Signatures) == 0 {
		return false
	}
	for hexKey, sig := range e.Signatures {
		pub, err := decodeHexKey(hexKey)
		if err != nil {
			return false
		}
		if !v.Verify(pub, e.Revision[:], sig) {
			return false
		}
	}
	return true
}

func decodeHexKey(s string) (sign.PublicKey, error) {
	var pub sign.PublicKey
	b, err := hexDecode(s)
	if err != nil {
		return pub, err
	}
	if len(b) != len(pub) {
		return pub, fmt.Errorf("bad public key length %d", len(b))
	}
	copy(pub[:], b)
	return pub, nil
}

func sortIDs(ids []identity.ID) []identity.ID {
	out := append([]identity.ID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
