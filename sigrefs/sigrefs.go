// Package sigrefs implements the per-remote signed ref manifest from
// SPEC_FULL.md §4.4 and §6: the integrity anchor fetches verify against,
// grounded on original_source/radicle-fetch/src/sigrefs.rs for the algorithm
// and on the teacher's core/wallet.go for signing idiom.
package sigrefs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hwmesh/hw/internal/errs"
	"github.com/hwmesh/hw/internal/identity"
	"github.com/hwmesh/hw/internal/sign"
	"github.com/hwmesh/hw/storage"
)

// RefEntry is one (qualified ref name, target object id) pair.
type RefEntry struct {
	Name   string      `json:"name"`
	Target identity.ID `json:"target"`
}

// Document is the canonical, signable listing of a remote's refs, rendered
// as canonical JSON per §6: lexicographic key order (fields are declared in
// that order, which encoding/json follows), no whitespace, and the refs list
// pre-sorted by name.
type Document struct {
	At      identity.ID `json:"at"`
	Refs    []RefEntry `json:"refs"`
	Version int        `json:"version"`
}

// Sigrefs is a Document plus the detached signature of its remote.
type Sigrefs struct {
	Remote    sign.PublicKey `json:"remote"`
	Document  Document       `json:"document"`
	Signature sign.Signature `json:"signature"`
}

// Canonical renders doc as canonical JSON: compact (no whitespace) and with
// the refs list sorted by name, the wire form that gets signed and stored.
func (d Document) Canonical() []byte {
	sorted := append([]RefEntry(nil), d.Refs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	d.Refs = sorted
	b, err := json.Marshal(d)
	if err != nil {
		// Document contains only JSON-safe types (strings, ints, fixed arrays).
		panic(fmt.Sprintf("sigrefs: marshal canonical document: %v", err))
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		panic(fmt.Sprintf("sigrefs: compact canonical document: %v", err))
	}
	return buf.Bytes()
}

// refNamespacePrefix is the git ref prefix a remote publishes under, e.g.
// "refs/namespaces/<remote>/".
func refNamespacePrefix(remote sign.PublicKey) string {
	return fmt.Sprintf("refs/namespaces/%x/", remote[:])
}

// sigrefsRefName is the dedicated ref pointing at a remote's sigrefs blob,
// per §4.4 ("rad/sigrefs").
func sigrefsRefName(remote sign.PublicKey) string {
	return refNamespacePrefix(remote) + "rad/sigrefs"
}

// Build collects every ref under remote's namespace, sorts by name, signs
// the serialised listing with signer, and writes the result as a blob,
// pointed to by the remote's rad/sigrefs ref.
func Build(backend storage.Backend, remote sign.PublicKey, signer sign.Signer, at identity.ID) (*Sigrefs, error) {
	prefix := refNamespacePrefix(remote)
	refs, err := backend.ListRefs(prefix)
	if err != nil {
		return nil, errs.New(errs.Storage, "sigrefs.build", err)
	}
	entries := make([]RefEntry, 0, len(refs))
	for name, target := range refs {
		if name == prefix+"rad/sigrefs" {
			continue // never lists itself
		}
		entries = append(entries, RefEntry{Name: name, Target: target})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	doc := Document{Version: 1, Refs: entries, At: at}
	sig, err := signer.Sign(doc.Canonical())
	if err != nil {
		return nil, errs.New(errs.Signature, "sigrefs.build", fmt.Errorf("sign document: %w", err))
	}
	sr := &Sigrefs{Remote: remote, Document: doc, Signature: sig}

	blob, err := json.Marshal(sr)
	if err != nil {
		return nil, errs.New(errs.Storage, "sigrefs.build", fmt.Errorf("marshal sigrefs: %w", err))
	}
	id, err := backend.PutBlob(blob)
	if err != nil {
		return nil, errs.New(errs.Storage, "sigrefs.build", err)
	}
	if err := backend.SetRef(sigrefsRefName(remote), id); err != nil {
		return nil, errs.New(errs.Storage, "sigrefs.build", err)
	}
	return sr, nil
}

// Load reads the sigrefs blob currently pointed to by remote's rad/sigrefs ref.
func Load(backend storage.Backend, remote sign.PublicKey) (*Sigrefs, identity.ID, error) {
	id, ok, err := backend.ResolveRef(sigrefsRefName(remote))
	if err != nil {
		return nil, identity.ID{}, errs.New(errs.Storage, "sigrefs.load", err)
	}
	if !ok {
		return nil, identity.ID{}, errs.New(errs.Storage, "sigrefs.load", fmt.Errorf("no sigrefs for remote %x", remote[:]))
	}
	blob, err := backend.GetBlob(id)
	if err != nil {
		return nil, identity.ID{}, errs.New(errs.Storage, "sigrefs.load", err)
	}
	var sr Sigrefs
	if err := json.Unmarshal(blob, &sr); err != nil {
		return nil, identity.ID{}, errs.New(errs.Storage, "sigrefs.load", fmt.Errorf("unmarshal sigrefs: %w", err))
	}
	return &sr, id, nil
}

// Verify checks sr against storage and remote's key, per §4.4:
//   - every listed target must exist;
//   - the signature must verify under remote's key;
//   - refs present in storage under remote but absent from sr are errors
//     (an incomplete sigrefs).
func Verify(sr *Sigrefs, remote sign.PublicKey, backend storage.Backend, v sign.Verifier) error {
	if sr.Remote != remote {
		return errs.New(errs.Signature, "sigrefs.verify", fmt.Errorf("sigrefs signed by a different remote"))
	}
	if !v.Verify(remote, sr.Document.Canonical(), sr.Signature) {
		return errs.New(errs.Signature, "sigrefs.verify", fmt.Errorf("signature does not verify"))
	}
	listed := make(map[string]identity.ID, len(sr.Document.Refs))
	for _, re := range sr.Document.Refs {
		if !backend.HasObject(re.Target) {
			return errs.New(errs.Storage, "sigrefs.verify", fmt.Errorf("ref %s targets missing object %s", re.Name, re.Target))
		}
		listed[re.Name] = re.Target
	}
	prefix := refNamespacePrefix(remote)
	actual, err := backend.ListRefs(prefix)
	if err != nil {
		return errs.New(errs.Storage, "sigrefs.verify", err)
	}
	for name := range actual {
		if name == prefix+"rad/sigrefs" {
			continue
		}
		if _, ok := listed[name]; !ok {
			return errs.New(errs.Signature, "sigrefs.verify", fmt.Errorf("sigrefs is incomplete: missing ref %s", name))
		}
	}
	return nil
}

// Fresh reports whether candidate is an acceptable replacement for prev under
// the same (repo, remote): candidate.At must be a descendant of prev.At, or
// equal (§4.4 "Freshness"). A nil prev (first sigrefs ever seen) is always fresh.
func Fresh(prev, candidate *Sigrefs, backend storage.Backend) (bool, error) {
	if prev == nil {
		return true, nil
	}
	if prev.Document.At == candidate.Document.At {
		return true, nil
	}
	ok, err := backend.IsAncestor(prev.Document.At, candidate.Document.At)
	if err != nil {
		return false, errs.New(errs.Storage, "sigrefs.fresh", err)
	}
	return ok, nil
}
