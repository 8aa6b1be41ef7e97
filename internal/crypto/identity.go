// Package crypto implements the per-peer ratcheted session the spec's
// Crypto Session Store component describes: X25519 key agreement,
// HKDF-SHA256 chain derivation, ChaCha20-Poly1305 AEAD, and an Ed25519
// signing surface used by higher layers (group ops, handshakes).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/curve25519"
)

// Identity is a device's long-term keypair set: an X25519 pair for session
// key agreement and an Ed25519 pair for signing.
type Identity struct {
	X25519Public  [32]byte
	x25519Private [32]byte

	Ed25519Public  ed25519.PublicKey
	ed25519Private ed25519.PrivateKey
}

// NewIdentity generates a fresh identity. Devices generate this once at
// install and persist it; xlink-core never regenerates an existing identity.
func NewIdentity() (*Identity, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, err
	}
	// Clamp per the X25519 spec.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &Identity{
		X25519Public:   pub,
		x25519Private:  priv,
		Ed25519Public:  edPub,
		ed25519Private: edPriv,
	}, nil
}

// IdentityFromSeed reconstructs an Identity from previously-persisted raw
// key material (used by pkg/xlink's ImportIdentity).
func IdentityFromSeed(x25519Priv [32]byte, ed25519Priv ed25519.PrivateKey) *Identity {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &x25519Priv)
	return &Identity{
		X25519Public:   pub,
		x25519Private:  x25519Priv,
		Ed25519Public:  ed25519Priv.Public().(ed25519.PublicKey),
		ed25519Private: ed25519Priv,
	}
}

// Seed exposes the raw private key material backing this identity, for a
// caller that needs to persist it (see IdentityFromSeed for the reverse).
func (id *Identity) Seed() ([32]byte, ed25519.PrivateKey) {
	return id.x25519Private, id.ed25519Private
}

// Sign produces a 64-byte Ed25519 signature over msg.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.ed25519Private, msg)
}

// Verify checks a 64-byte Ed25519 signature against a peer's verifying key.
func Verify(peerVerifyingKey ed25519.PublicKey, msg, sig []byte) bool {
	if len(peerVerifyingKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(peerVerifyingKey, msg, sig)
}

func dh(priv, pub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}
