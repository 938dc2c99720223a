// Package sign defines the narrow signing boundary the COB engine and
// replication pipeline consume. Per SPEC_FULL.md §1, keystore encryption and
// SSH agent plumbing live outside the core; this package only describes the
// capability shape, grounded on the teacher's core/wallet.go (Ed25519
// key material, never persisted in the clear) and on
// original_source/radicle/src/node/device.rs, which keeps private key
// material behind a Device abstraction rather than exposing it to callers.
package sign

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PublicKey is an Ed25519 public key, the unit of identity throughout the
// stack (DIDs, sigrefs signers, entry signatures).
type PublicKey [ed25519.PublicKeySize]byte

func (k PublicKey) Bytes() []byte { return k[:] }

func (k PublicKey) String() string {
	return fmt.Sprintf("%x", k[:])
}

func (k PublicKey) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *PublicKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(k) {
		return fmt.Errorf("sign: bad public key json %q", s)
	}
	copy(k[:], raw)
	return nil
}

// Signature is a detached Ed25519 signature.
type Signature [ed25519.SignatureSize]byte

func (s Signature) Bytes() []byte { return s[:] }

func (s Signature) String() string { return fmt.Sprintf("%x", s[:]) }

func (s Signature) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Signature) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	raw, err := hex.DecodeString(str)
	if err != nil || len(raw) != len(s) {
		return fmt.Errorf("sign: bad signature json %q", str)
	}
	copy(s[:], raw)
	return nil
}

// Signer produces signatures over arbitrary payloads without exposing key
// material to the caller. Implementations typically wrap an encrypted
// keystore or an SSH agent; the core never reaches behind this interface.
type Signer interface {
	PublicKey() PublicKey
	Sign(payload []byte) (Signature, error)
}

// Verifier checks a signature produced by some public key. It is separated
// from Signer so that read paths (graph evaluation, sigrefs verification)
// never need signing capability.
type Verifier interface {
	Verify(pub PublicKey, payload []byte, sig Signature) bool
}

// ed25519Verifier is the stdlib-backed Verifier; Ed25519 verification has no
// meaningful third-party alternative in the retrieval pack (the teacher uses
// crypto/ed25519 directly in core/wallet.go), so this one boundary is stdlib
// by design rather than by omission.
type ed25519Verifier struct{}

// DefaultVerifier is the package-wide Ed25519 verifier.
var DefaultVerifier Verifier = ed25519Verifier{}

func (ed25519Verifier) Verify(pub PublicKey, payload []byte, sig Signature) bool {
	return ed25519.Verify(pub[:], payload, sig[:])
}

// InMemorySigner is a Signer backed by an in-process private key. Production
// deployments wrap an encrypted keystore/SSH agent instead; this
// implementation exists for tests and for short-lived daemons that hold keys
// unlocked for their lifetime (mirrors the teacher's globalLogger-style
// injectable dependency rather than a hidden singleton).
type InMemorySigner struct {
	pub  PublicKey
	priv ed25519.PrivateKey
}

// NewInMemorySigner wraps an existing Ed25519 keypair.
func NewInMemorySigner(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*InMemorySigner, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("sign: bad public key size %d", len(pub))
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign: bad private key size %d", len(priv))
	}
	var pk PublicKey
	copy(pk[:], pub)
	return &InMemorySigner{pub: pk, priv: priv}, nil
}

// GenerateInMemorySigner creates a fresh random keypair, for tests and
// single-shot tooling.
func GenerateInMemorySigner() (*InMemorySigner, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("sign: generate key: %w", err)
	}
	return NewInMemorySigner(pub, priv)
}

func (s *InMemorySigner) PublicKey() PublicKey { return s.pub }

func (s *InMemorySigner) Sign(payload []byte) (Signature, error) {
	var out Signature
	sig := ed25519.Sign(s.priv, payload)
	copy(out[:], sig)
	return out, nil
}
