package group

import (
	"bytes"
	"testing"

	"github.com/xlink-project/xlink-core/internal/frame"
)

func devID(b byte) frame.DeviceID {
	var id frame.DeviceID
	id[0] = b
	return id
}

func TestCreateAndEncryptDecryptRoundTrip(t *testing.T) {
	mgr := NewManager(nil)
	groupID := devID(0xA0)
	a, b, c := devID(1), devID(2), devID(3)

	g, err := mgr.Create(groupID, a, []frame.DeviceID{a, b, c})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	epoch, seq, nonce, ct, aad, err := g.Encrypt(a, []byte("hello group"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := g.Decrypt(a, epoch, seq, nonce, ct, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("hello group")) {
		t.Fatalf("round trip mismatch: got %q", pt)
	}
}

func TestEpochMonotonicOnAddAndRemove(t *testing.T) {
	mgr := NewManager(nil)
	groupID := devID(0xA1)
	a, b, c, d := devID(1), devID(2), devID(3), devID(4)

	g, err := mgr.Create(groupID, a, []frame.DeviceID{a, b, c})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e0 := g.Epoch()

	if err := mgr.Add(groupID, a, d); err != nil {
		t.Fatalf("add: %v", err)
	}
	e1 := g.Epoch()
	if e1 <= e0 {
		t.Fatalf("epoch did not strictly increase on add: %d -> %d", e0, e1)
	}

	if err := mgr.Remove(groupID, a, c); err != nil {
		t.Fatalf("remove: %v", err)
	}
	e2 := g.Epoch()
	if e2 <= e1 {
		t.Fatalf("epoch did not strictly increase on remove: %d -> %d", e1, e2)
	}
}

func TestRemoveRevokesSecretForwardSecrecy(t *testing.T) {
	mgr := NewManager(nil)
	groupID := devID(0xA2)
	a, b, c := devID(1), devID(2), devID(3)

	g, err := mgr.Create(groupID, a, []frame.DeviceID{a, b, c})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	g.mu.RLock()
	k0 := g.secret
	g.mu.RUnlock()

	if err := mgr.Remove(groupID, a, c); err != nil {
		t.Fatalf("remove: %v", err)
	}

	g.mu.RLock()
	k1 := g.secret
	g.mu.RUnlock()

	if k0 == k1 {
		t.Fatalf("group secret unchanged after remove: forward secrecy violated")
	}

	epoch, seq, nonce, ct, aad, err := g.Encrypt(a, []byte("secret after remove"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// C was removed: it has no way to derive k1 from its own (stale) leaf
	// secret, which is what Decrypt would need to reconstruct the message
	// key. We simulate C's attempt using the last secret it possessed (k0)
	// and confirm it cannot recover the plaintext.
	badKey := messageKey(k0, epoch, a, seq)
	goodKey := messageKey(k1, epoch, a, seq)
	if badKey == goodKey {
		t.Fatalf("stale secret derives the same message key as the rotated one")
	}

	pt, err := g.Decrypt(a, epoch, seq, nonce, ct, aad)
	if err != nil || !bytes.Equal(pt, []byte("secret after remove")) {
		t.Fatalf("legitimate member decrypt failed: %v", err)
	}
}

func TestDecryptRejectsStaleEpoch(t *testing.T) {
	mgr := NewManager(nil)
	groupID := devID(0xA3)
	a, b := devID(1), devID(2)

	g, err := mgr.Create(groupID, a, []frame.DeviceID{a, b})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	epoch, seq, nonce, ct, aad, err := g.Encrypt(a, []byte("msg"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if err := mgr.Rotate(groupID, a, b); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if _, err := g.Decrypt(a, epoch, seq, nonce, ct, aad); err == nil {
		t.Fatalf("expected EpochMismatch decrypting at a stale epoch")
	}
}

func TestAddRequiresAdmin(t *testing.T) {
	mgr := NewManager(nil)
	groupID := devID(0xA4)
	a, b, c := devID(1), devID(2), devID(3)

	if _, err := mgr.Create(groupID, a, []frame.DeviceID{a, b}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := mgr.Add(groupID, b, c); err == nil {
		t.Fatalf("expected NotAdmin when a non-admin calls Add")
	}
}

func TestEncryptRejectsNonMember(t *testing.T) {
	mgr := NewManager(nil)
	groupID := devID(0xA5)
	a, b, outsider := devID(1), devID(2), devID(9)

	g, err := mgr.Create(groupID, a, []frame.DeviceID{a, b})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, _, _, _, err := g.Encrypt(outsider, []byte("x"), nil); err == nil {
		t.Fatalf("expected NotGroupMember for a non-member sender")
	}
}
