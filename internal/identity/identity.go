// Package identity implements the external identifier formats from
// SPEC_FULL.md §6: content-addressed repository ids and did:key DIDs, both
// multibase-encoded, plus the minimal identity document ("rad/id") that
// resolves repo delegates for the Followed seeding scope (§4.5, supplemented
// feature #3, grounded on original_source/node/src/identity.rs).
package identity

import (
	"crypto/ed25519"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	mbase "github.com/multiformats/go-multibase"
)

// idSize is git's traditional SHA-1 object-hash width. SPEC_FULL.md §6 notes
// the "20/32-byte hash" duality inherent to git's own object formats; we
// standardize on the 20-byte form so an Entry's id can be computed the same
// way git hashes a blob object (see Hash), keeping content addressing a
// single concept shared with the storage layer instead of a second, parallel
// hash domain.
const idSize = sha1.Size

// ID is a content address.
type ID [idSize]byte

// Hash content-addresses b the way git hashes a loose blob object
// ("blob <len>\0<data>", SHA-1), so the resulting ID matches what a
// git.Storer reports as that blob's object id.
func Hash(b []byte) ID {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(b))
	h.Write(b)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// ZeroID is the identifier of no content.
var ZeroID = ID{}

// IsZero reports whether id is the zero value (no content).
func (id ID) IsZero() bool { return id == ZeroID }

// Hex renders id as git-style lowercase hex, the form go-git's plumbing.Hash
// parses and prints.
func (id ID) Hex() string { return hex.EncodeToString(id[:]) }

// HexToID parses a git-style hex object id.
func HexToID(s string) (ID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != idSize {
		return ID{}, fmt.Errorf("identity: bad hex id %q", s)
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// String encodes id as base58btc multibase, matching §6's "rad:" rendering.
func (id ID) String() string {
	enc, err := mbase.Encode(mbase.Base58BTC, id[:])
	if err != nil {
		// Base58BTC encoding of a fixed-size byte slice cannot fail.
		panic(err)
	}
	return enc
}

// ParseID decodes a multibase string, accepted with or without a leading
// "rad:" prefix per §6.
func ParseID(s string) (ID, error) {
	s = strings.TrimPrefix(s, "rad:")
	_, data, err := mbase.Decode(s)
	if err != nil {
		return ID{}, fmt.Errorf("identity: decode repo id: %w", err)
	}
	if len(data) != idSize {
		return ID{}, fmt.Errorf("identity: repo id has %d bytes, want %d", len(data), idSize)
	}
	var id ID
	copy(id[:], data)
	return id, nil
}

// RID renders id as a fully qualified repository identifier ("rad:<multibase>").
func RID(id ID) string {
	return "rad:" + id.String()
}

// MarshalJSON renders id as git-style hex, used for the sigrefs and entry
// wire formats (§6).
func (id ID) MarshalJSON() ([]byte, error) { return json.Marshal(id.Hex()) }

func (id *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*id = ID{}
		return nil
	}
	parsed, err := HexToID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// DID is a did:key Ed25519 public-key identifier.
type DID struct {
	Key ed25519.PublicKey
}

// String renders "did:key:<multibase-encoded-ed25519-pubkey>".
func (d DID) String() string {
	enc, err := mbase.Encode(mbase.Base58BTC, d.Key)
	if err != nil {
		panic(err)
	}
	return "did:key:" + enc
}

// ParseDID parses a did:key string. A bare multibase key without the
// "did:key:" prefix is rejected with a remediation hint, per §6.
func ParseDID(s string) (DID, error) {
	const prefix = "did:key:"
	if !strings.HasPrefix(s, prefix) {
		return DID{}, fmt.Errorf("identity: %q is missing the %q prefix (did you mean %s%s?)", s, prefix, prefix, s)
	}
	_, data, err := mbase.Decode(strings.TrimPrefix(s, prefix))
	if err != nil {
		return DID{}, fmt.Errorf("identity: decode did:key: %w", err)
	}
	if len(data) != ed25519.PublicKeySize {
		return DID{}, fmt.Errorf("identity: did:key has %d bytes, want %d", len(data), ed25519.PublicKeySize)
	}
	return DID{Key: ed25519.PublicKey(data)}, nil
}

// Document is the minimal identity document addressed by the "rad/id" ref:
// the set of delegates whose follow policies seed a repo's Followed scope
// (§4.5) and a signing threshold for future quorum use (§1 "trust, quorum").
type Document struct {
	Delegates []DID `json:"delegates"`
	Threshold int   `json:"threshold"`
}

// DelegateSet returns the document's delegates as a lookup set keyed by
// their raw public key bytes.
func (d Document) DelegateSet() map[string]struct{} {
	out := make(map[string]struct{}, len(d.Delegates))
	for _, del := range d.Delegates {
		out[string(del.Key)] = struct{}{}
	}
	return out
}
