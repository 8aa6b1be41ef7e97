package frame

import (
	"encoding/binary"
	"fmt"
)

// Type tags the four frame kinds the wire format supports.
type Type uint8

const (
	TypeUnicast Type = 0
	TypeGroup   Type = 1
	TypeStream  Type = 2
	TypeControl Type = 3
)

// CurrentVersion is the only wire version this package speaks.
const CurrentVersion uint8 = 0x01

const (
	nonceSize = 12
	tagSize   = 16 // Poly1305 tag, appended to Ciphertext by the AEAD seal.
)

// Frame is the decoded wire envelope. Ciphertext includes the trailing
// Poly1305 tag, matching what the AEAD Seal/Open calls in internal/crypto
// produce and consume directly.
type Frame struct {
	Version     uint8
	Type        Type
	SenderID    DeviceID
	RecipientID DeviceID // zero for group frames
	GroupID     DeviceID // only meaningful when Type == TypeGroup
	Epoch       uint32   // only meaningful when Type == TypeGroup
	SendCounter uint64
	Nonce       [nonceSize]byte
	Ciphertext  []byte
}

// ErrTooShort is returned by Decode when data is truncated.
type ErrTooShort struct {
	Need, Have int
}

func (e *ErrTooShort) Error() string {
	return fmt.Sprintf("frame: buffer too short: need %d bytes, have %d", e.Need, e.Have)
}

// headerPrefixLen returns the length of the fixed header portion preceding
// send_counter: version, type, sender, recipient, and (for group frames)
// group_id/epoch.
func headerPrefixLen(t Type) int {
	n := 1 + 1 + 16 + 16 // version, type, sender, recipient
	if t == TypeGroup {
		n += 16 + 4 // group_id, epoch
	}
	return n
}

// HeaderPrefix returns the fixed header bytes preceding send_counter for a
// frame with the given fields. A caller whose send_counter isn't assigned
// until encrypt time (see internal/crypto.SessionStore.Encrypt and
// internal/group.Group.Encrypt) builds this prefix first and lets Encrypt
// append the counter itself via BuildAAD, so the AAD used to seal always
// matches the AAD this package's Encode/Decode reproduce from the wire.
func HeaderPrefix(t Type, sender, recipient, groupID DeviceID, epoch uint32) []byte {
	n := headerPrefixLen(t)
	buf := make([]byte, n)
	off := 0
	buf[off] = CurrentVersion
	off++
	buf[off] = byte(t)
	off++
	copy(buf[off:off+16], sender[:])
	off += 16
	copy(buf[off:off+16], recipient[:])
	off += 16
	if t == TypeGroup {
		copy(buf[off:off+16], groupID[:])
		off += 16
		binary.LittleEndian.PutUint32(buf[off:off+4], epoch)
	}
	return buf
}

// BuildAAD appends a send_counter to a header prefix built by HeaderPrefix,
// producing the exact AAD §6 specifies: the fixed header fields preceding
// the nonce, which includes send_counter.
func BuildAAD(headerPrefix []byte, counter uint64) []byte {
	aad := make([]byte, len(headerPrefix)+8)
	copy(aad, headerPrefix)
	binary.LittleEndian.PutUint64(aad[len(headerPrefix):], counter)
	return aad
}

// Encode serializes f per the spec's bit-exact layout. The returned AAD is
// the header bytes preceding the nonce (including send_counter) the caller
// must pass to the AEAD seal/open as associated data.
func Encode(f *Frame) (wire []byte, aad []byte) {
	hlen := headerPrefixLen(f.Type)
	total := hlen + 8 + nonceSize + len(f.Ciphertext)
	buf := make([]byte, total)

	off := 0
	buf[off] = f.Version
	off++
	buf[off] = byte(f.Type)
	off++
	copy(buf[off:off+16], f.SenderID[:])
	off += 16
	copy(buf[off:off+16], f.RecipientID[:])
	off += 16
	if f.Type == TypeGroup {
		copy(buf[off:off+16], f.GroupID[:])
		off += 16
		binary.LittleEndian.PutUint32(buf[off:off+4], f.Epoch)
		off += 4
	}

	binary.LittleEndian.PutUint64(buf[off:off+8], f.SendCounter)
	off += 8
	copy(buf[off:off+nonceSize], f.Nonce[:])
	off += nonceSize
	copy(buf[off:], f.Ciphertext)

	return buf, buf[:hlen+8]
}

// Decode parses wire bytes into a Frame, returning the AAD slice the caller
// must pass to the AEAD open call.
func Decode(data []byte) (f *Frame, aad []byte, err error) {
	if len(data) < 2 {
		return nil, nil, &ErrTooShort{Need: 2, Have: len(data)}
	}
	version := data[0]
	typ := Type(data[1])

	hlen := headerPrefixLen(typ)
	if len(data) < hlen+8+nonceSize {
		return nil, nil, &ErrTooShort{Need: hlen + 8 + nonceSize, Have: len(data)}
	}

	f = &Frame{Version: version, Type: typ}
	off := 2
	copy(f.SenderID[:], data[off:off+16])
	off += 16
	copy(f.RecipientID[:], data[off:off+16])
	off += 16
	if typ == TypeGroup {
		copy(f.GroupID[:], data[off:off+16])
		off += 16
		f.Epoch = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
	}

	f.SendCounter = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8

	aad = data[:off]

	copy(f.Nonce[:], data[off:off+nonceSize])
	off += nonceSize

	if len(data)-off < tagSize {
		return nil, nil, &ErrTooShort{Need: off + tagSize, Have: len(data)}
	}
	f.Ciphertext = append([]byte(nil), data[off:]...)

	return f, aad, nil
}

// CounterNonce derives the spec's 96-bit little-endian nonce from a
// monotonic send counter: the low 8 bytes carry the counter, the high 4
// bytes are zero. This is safe only because a session never reuses a
// counter value (see crypto package invariant).
func CounterNonce(counter uint64) [nonceSize]byte {
	var n [nonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], counter)
	return n
}
