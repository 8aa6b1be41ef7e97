package crypto

import (
	"bytes"
	"testing"

	"github.com/xlink-project/xlink-core/internal/frame"
)

func newPairedStores(t *testing.T) (storeA *SessionStore, storeB *SessionStore, idA, idB [16]byte) {
	t.Helper()

	identityA, err := NewIdentity()
	if err != nil {
		t.Fatalf("new identity A: %v", err)
	}
	identityB, err := NewIdentity()
	if err != nil {
		t.Fatalf("new identity B: %v", err)
	}

	devA, _ := frame.NewDeviceID()
	devB, _ := frame.NewDeviceID()

	storeA = NewSessionStore(identityA, devA, 1024, nil, nil)
	storeB = NewSessionStore(identityB, devB, 1024, nil, nil)

	if err := storeA.Establish(devB, identityB.X25519Public, identityB.Ed25519Public); err != nil {
		t.Fatalf("A establish: %v", err)
	}
	if err := storeB.Establish(devA, identityA.X25519Public, identityA.Ed25519Public); err != nil {
		t.Fatalf("B establish: %v", err)
	}

	return storeA, storeB, devA, devB
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	storeA, storeB, devA, devB := newPairedStores(t)

	plaintext := []byte("hello")
	headerPrefix := []byte("aad-fixture")

	ciphertext, counter, nonce, aad, err := storeA.Encrypt(devB, plaintext, headerPrefix)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := storeB.Decrypt(devA, counter, nonce, ciphertext, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEstablishTwiceFails(t *testing.T) {
	storeA, _, _, devB := newPairedStores(t)
	identityB, _ := NewIdentity()
	if err := storeA.Establish(devB, identityB.X25519Public, nil); err == nil {
		t.Fatalf("expected SessionAlreadyExists on second establish")
	}
}

func TestDecryptUnknownPeerFails(t *testing.T) {
	storeA, _, _, _ := newPairedStores(t)
	var unknown [16]byte
	unknown[0] = 0xEE
	if _, err := storeA.Decrypt(unknown, 0, [12]byte{}, []byte("x"), nil); err == nil {
		t.Fatalf("expected SessionNotFound")
	}
}

func TestNonceUniquenessAcrossEncrypts(t *testing.T) {
	storeA, _, _, devB := newPairedStores(t)
	seen := make(map[[12]byte]bool)
	for i := 0; i < 200; i++ {
		_, _, nonce, _, err := storeA.Encrypt(devB, []byte("msg"), nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if seen[nonce] {
			t.Fatalf("nonce reused at iteration %d", i)
		}
		seen[nonce] = true
	}
}

func TestOutOfOrderDeliveryUsesSkippedKeys(t *testing.T) {
	storeA, storeB, devA, devB := newPairedStores(t)

	type sent struct {
		counter    uint64
		nonce      [12]byte
		ciphertext []byte
		aad        []byte
	}
	var msgs []sent
	for i := 0; i < 5; i++ {
		ct, counter, nonce, aad, err := storeA.Encrypt(devB, []byte{byte(i)}, nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		msgs = append(msgs, sent{counter, nonce, ct, aad})
	}

	// Deliver out of order: 4, 0, 2, 1, 3.
	order := []int{4, 0, 2, 1, 3}
	for _, idx := range order {
		m := msgs[idx]
		got, err := storeB.Decrypt(devA, m.counter, m.nonce, m.ciphertext, m.aad)
		if err != nil {
			t.Fatalf("decrypt index %d: %v", idx, err)
		}
		if got[0] != byte(idx) {
			t.Fatalf("decrypt index %d: got payload %v", idx, got)
		}
	}
}

func TestSkippedKeysBoundEvictsOldest(t *testing.T) {
	identityA, _ := NewIdentity()
	identityB, _ := NewIdentity()
	devA, _ := frame.NewDeviceID()
	devB, _ := frame.NewDeviceID()

	storeA := NewSessionStore(identityA, devA, 4, nil, nil)
	storeB := NewSessionStore(identityB, devB, 4, nil, nil)
	if err := storeA.Establish(devB, identityB.X25519Public, nil); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if err := storeB.Establish(devA, identityA.X25519Public, nil); err != nil {
		t.Fatalf("establish: %v", err)
	}

	// Send 10 messages from A but only let B see the very last one first,
	// forcing 9 skipped keys to be generated against a bound of 4.
	var last struct {
		counter    uint64
		nonce      [12]byte
		ciphertext []byte
		aad        []byte
	}
	for i := 0; i < 10; i++ {
		ct, counter, nonce, aad, err := storeA.Encrypt(devB, []byte{byte(i)}, nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		last.counter, last.nonce, last.ciphertext, last.aad = counter, nonce, ct, aad
	}

	if _, err := storeB.Decrypt(devA, last.counter, last.nonce, last.ciphertext, last.aad); err != nil {
		t.Fatalf("decrypt last: %v", err)
	}

	entry, err := storeB.lookup(devA)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if len(entry.state.skipped) > 4 {
		t.Fatalf("skipped map has %d entries, bound is 4", len(entry.state.skipped))
	}
	if _, ok := entry.state.skipped[0]; ok {
		t.Fatalf("counter 0 should have been evicted as the oldest skipped key")
	}
}
