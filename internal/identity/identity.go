// Package identity wraps the cryptographic primitives spec.md §1 names
// as external-collaborator black boxes (signatures, hashing) behind
// small interfaces, so the core never makes its own production crypto
// decision. See DESIGN.md for why this package stays on the standard
// library: the spec treats these primitives
// as already validated elsewhere, and no example repo in the pack
// implements this network's signing scheme.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"

	"github.com/scatterbutt/solar/internal/feed"
)

// Signer produces signatures for this node's own identity.
type Signer interface {
	Identity() feed.ID
	Sign(message []byte) []byte
}

// Verifier checks a signature against an identity's public key.
type Verifier interface {
	Verify(id feed.ID, message, signature []byte) bool
}

// Hasher content-addresses arbitrary bytes, used for both message ids
// and blob ids.
type Hasher interface {
	Hash(data []byte) []byte
}

// Ed25519Signer is the default Signer/Verifier, a thin adapter over
// crypto/ed25519.
type Ed25519Signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// GenerateEd25519 creates a fresh keypair-backed signer, for tests and
// for first-run node bootstrap.
func GenerateEd25519() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ed25519Signer{pub: pub, priv: priv}, nil
}

// NewEd25519Signer wraps an existing keypair, e.g. loaded from disk by
// an external collaborator this spec does not cover.
func NewEd25519Signer(pub ed25519.PublicKey, priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{pub: pub, priv: priv}
}

func (s *Ed25519Signer) Identity() feed.ID { return feed.NewID(s.pub) }

func (s *Ed25519Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.priv, message)
}

// Ed25519Verifier checks signatures given only a peer's public key;
// peers are identified by identity string, and callers are expected to
// have already resolved feed.ID to a raw public key (feed.NewID is the
// inverse of that encoding).
type Ed25519Verifier struct {
	keys map[feed.ID]ed25519.PublicKey
}

func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{keys: make(map[feed.ID]ed25519.PublicKey)}
}

// Trust registers a peer's public key under its canonical identity, so
// Verify can check messages purportedly from it.
func (v *Ed25519Verifier) Trust(id feed.ID, pub ed25519.PublicKey) {
	v.keys[id] = pub
}

func (v *Ed25519Verifier) Verify(id feed.ID, message, signature []byte) bool {
	pub, ok := v.keys[id]
	if !ok {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// SHA256Hasher is the default Hasher.
type SHA256Hasher struct{}

func (SHA256Hasher) Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
