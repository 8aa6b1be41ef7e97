package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for passphrase-derived export encryption, per spec §6:
// 256 MiB memory, 3 iterations.
const (
	argonTime    = 3
	argonMemory  = 256 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltSize     = 16
)

var errBlobTooShort = errors.New("crypto: encrypted blob too short")

// EncryptBlob encrypts plaintext under a caller-supplied passphrase for the
// SDK migration export (spec §6): Argon2id key derivation, ChaCha20-Poly1305
// AEAD. The returned blob is salt || nonce || ciphertext+tag.
func EncryptBlob(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, saltSize+len(nonce)+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// DecryptBlob reverses EncryptBlob. Import is all-or-nothing: any failure
// (wrong passphrase, truncation, tampering) returns an error with no
// partial result.
func DecryptBlob(blob []byte, passphrase string) ([]byte, error) {
	if len(blob) < saltSize+chacha20poly1305.NonceSize {
		return nil, errBlobTooShort
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+chacha20poly1305.NonceSize]
	ciphertext := blob[saltSize+chacha20poly1305.NonceSize:]

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

// deriveChainFromRoot reconstructs sending/receiving chain keys from a
// persisted root_key on import. The live ratchet never derives chain keys
// from the root key a second time (each message's chain advance is a
// one-way step from the previous chain key only) — this is solely the
// migration-import path, where spec §6 intentionally persists only
// {root_key, send_counter, recv_counter} rather than the live chain state.
// The restored session resumes at the persisted counters so the "counter
// never reissued" invariant holds across the migration.
func deriveChainFromRoot(root [32]byte, initiator bool) (sending, receiving [32]byte) {
	material := hkdfExpandReader(root[:], "xlink-session-restore-v1", 64)
	if initiator {
		copy(sending[:], material[0:32])
		copy(receiving[:], material[32:64])
	} else {
		copy(sending[:], material[32:64])
		copy(receiving[:], material[0:32])
	}
	return sending, receiving
}

func hkdfExpandReader(secret []byte, info string, n int) []byte {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("crypto: hkdf expand failed: " + err.Error())
	}
	return out
}
