package stream

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/xlink-project/xlink-core/internal/xlinkerr"
)

// headerSize is the fixed fragment sub-header size from spec §6:
// stream_id(16) + fragment_index(4) + total_fragments(4) + payload_length(4)
// + flags(1). flags currently carries only the lz4-compressed bit.
const headerSize = 16 + 4 + 4 + 4 + 1

const flagCompressed = 0x01

// StreamID is the 128-bit identifier assigned to an outbound stream.
type StreamID [16]byte

// NewStreamID generates a fresh random 128-bit stream identifier.
func NewStreamID() (StreamID, error) {
	var id StreamID
	if _, err := rand.Read(id[:]); err != nil {
		return StreamID{}, err
	}
	return id, nil
}

func (id StreamID) String() string {
	return hex.EncodeToString(id[:])
}

// FragmentHeader is the decoded stream sub-frame header, carried inside
// the AEAD plaintext of a frame_type=2 (STREAM) frame.
type FragmentHeader struct {
	StreamID       StreamID
	FragmentIndex  uint32
	TotalFragments uint32
	PayloadLength  uint32
	Compressed     bool
}

// EncodeFragment serializes one fragment's header+payload into the bytes
// that get encrypted as a STREAM frame's plaintext.
func EncodeFragment(h FragmentHeader, payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	copy(out[0:16], h.StreamID[:])
	binary.LittleEndian.PutUint32(out[16:20], h.FragmentIndex)
	binary.LittleEndian.PutUint32(out[20:24], h.TotalFragments)
	binary.LittleEndian.PutUint32(out[24:28], h.PayloadLength)
	if h.Compressed {
		out[28] = flagCompressed
	}
	copy(out[29:], payload)
	return out
}

// DecodeFragment parses a STREAM frame's decrypted plaintext back into a
// header and its payload slice.
func DecodeFragment(data []byte) (FragmentHeader, []byte, error) {
	if len(data) < headerSize {
		return FragmentHeader{}, nil, xlinkerr.StreamInitFailed("fragment shorter than header")
	}
	var h FragmentHeader
	copy(h.StreamID[:], data[0:16])
	h.FragmentIndex = binary.LittleEndian.Uint32(data[16:20])
	h.TotalFragments = binary.LittleEndian.Uint32(data[20:24])
	h.PayloadLength = binary.LittleEndian.Uint32(data[24:28])
	h.Compressed = data[28]&flagCompressed != 0

	payload := data[29:]
	if uint32(len(payload)) < h.PayloadLength {
		return FragmentHeader{}, nil, xlinkerr.StreamInitFailed("fragment payload shorter than declared length")
	}
	return h, payload[:h.PayloadLength], nil
}

// Fragment splits payload into ceil(len/fragmentSize) fragments per spec
// §4.3's send path, each ready to be encrypted independently and routed as
// a normal STREAM frame. compressed marks every fragment's header so the
// receiver knows to lz4-decompress the reassembled whole before handing it
// to the application.
func Fragment(streamID StreamID, payload []byte, fragmentSize int, compressed bool) [][]byte {
	if fragmentSize <= 0 {
		fragmentSize = 1
	}
	total := int(math.Ceil(float64(len(payload)) / float64(fragmentSize)))
	if total == 0 {
		total = 1
	}

	fragments := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * fragmentSize
		end := start + fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]
		h := FragmentHeader{
			StreamID:       streamID,
			FragmentIndex:  uint32(i),
			TotalFragments: uint32(total),
			PayloadLength:  uint32(len(chunk)),
			Compressed:     compressed,
		}
		fragments = append(fragments, EncodeFragment(h, chunk))
	}
	return fragments
}
