// Package cryptocap is the Crypto Capability: keypair
// generation, signing, and verification for username claim/publish proofs.
// The default implementation is backed by the standard library's
// crypto/ed25519 rather than a third-party crypto library (see DESIGN.md).
package cryptocap

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Keypair holds a hex-encoded ed25519 keypair. Wire messages and storage use
// the hex form; Signer/Verifier decode it back to raw bytes internally.
type Keypair struct {
	PublicKey  string
	PrivateKey string
}

// Signer generates keypairs and produces signatures over arbitrary messages.
// internal/durservice and the demo CLI depend on this interface rather than
// the concrete Ed25519 type so tests can substitute a deterministic signer.
type Signer interface {
	GenerateKeypair() (Keypair, error)
	Sign(privateKeyHex string, message []byte) (signatureHex string, err error)
}

// Verifier checks a signature against a public key, the same check the
// rendezvous server performs on claim and publish proofs.
type Verifier interface {
	Verify(publicKeyHex string, message []byte, signatureHex string) bool
}

// Ed25519 is the default Signer/Verifier, backed by crypto/ed25519.
type Ed25519 struct{}

var _ Signer = Ed25519{}
var _ Verifier = Ed25519{}

// GenerateKeypair creates a new random ed25519 keypair.
func (Ed25519) GenerateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generating ed25519 keypair: %w", err)
	}
	return Keypair{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv),
	}, nil
}

// Sign signs message with the hex-encoded ed25519 private key.
func (Ed25519) Sign(privateKeyHex string, message []byte) (string, error) {
	priv, err := decodePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, message)
	return hex.EncodeToString(sig), nil
}

// Verify reports whether signatureHex is a valid ed25519 signature of
// message under publicKeyHex. Malformed inputs are treated as verification
// failures rather than errors, matching how callers use this as a boolean
// gate before trusting a claim.
func (Ed25519) Verify(publicKeyHex string, message []byte, signatureHex string) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

func decodePrivateKey(privateKeyHex string) (ed25519.PrivateKey, error) {
	priv, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(priv), nil
}
