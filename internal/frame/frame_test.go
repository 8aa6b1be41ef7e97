package frame

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeUnicastRoundTrip(t *testing.T) {
	sender, _ := NewDeviceID()
	recipient, _ := NewDeviceID()

	original := &Frame{
		Version:     CurrentVersion,
		Type:        TypeUnicast,
		SenderID:    sender,
		RecipientID: recipient,
		SendCounter: 42,
		Nonce:       CounterNonce(42),
		Ciphertext:  bytes.Repeat([]byte{0xAB}, 32),
	}

	wire, aad := Encode(original)
	decoded, decodedAAD, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Version != original.Version {
		t.Errorf("version mismatch: want %d got %d", original.Version, decoded.Version)
	}
	if decoded.Type != original.Type {
		t.Errorf("type mismatch: want %v got %v", original.Type, decoded.Type)
	}
	if decoded.SenderID != original.SenderID {
		t.Errorf("sender mismatch")
	}
	if decoded.RecipientID != original.RecipientID {
		t.Errorf("recipient mismatch")
	}
	if decoded.SendCounter != original.SendCounter {
		t.Errorf("send_counter mismatch: want %d got %d", original.SendCounter, decoded.SendCounter)
	}
	if decoded.Nonce != original.Nonce {
		t.Errorf("nonce mismatch")
	}
	if !bytes.Equal(decoded.Ciphertext, original.Ciphertext) {
		t.Errorf("ciphertext mismatch")
	}
	if !bytes.Equal(aad, decodedAAD) {
		t.Errorf("aad mismatch between encode and decode")
	}
	// AAD must be exactly the header bytes preceding the nonce, including
	// send_counter.
	if len(aad) != 1+1+16+16+8 {
		t.Errorf("unicast aad length = %d, want %d", len(aad), 42)
	}
}

func TestEncodeDecodeGroupFrameCarriesGroupIDAndEpoch(t *testing.T) {
	sender, _ := NewDeviceID()
	group, _ := NewDeviceID()

	original := &Frame{
		Version:     CurrentVersion,
		Type:        TypeGroup,
		SenderID:    sender,
		RecipientID: ZeroDeviceID,
		GroupID:     group,
		Epoch:       7,
		SendCounter: 1,
		Nonce:       CounterNonce(1),
		Ciphertext:  []byte("ciphertext-and-tag-placeholder-"),
	}

	wire, aad := Encode(original)
	decoded, _, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.GroupID != original.GroupID {
		t.Errorf("group id mismatch")
	}
	if decoded.Epoch != original.Epoch {
		t.Errorf("epoch mismatch: want %d got %d", original.Epoch, decoded.Epoch)
	}
	if len(aad) != 1+1+16+16+16+4+8 {
		t.Errorf("group aad length = %d, want %d", len(aad), 62)
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	if _, _, err := Decode([]byte{0x01}); err == nil {
		t.Fatalf("expected error decoding a 1-byte buffer")
	}
	sender, _ := NewDeviceID()
	f := &Frame{Version: CurrentVersion, Type: TypeUnicast, SenderID: sender, Ciphertext: []byte("short")}
	wire, _ := Encode(f)
	if _, _, err := Decode(wire[:len(wire)-tagSize-1]); err == nil {
		t.Fatalf("expected error decoding a truncated ciphertext")
	}
}
