package crypto

import (
	"bytes"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	rootInfo  = "xlink-session-v1"
	msgInfo   = "msg"
	chainInfo = "chain"
)

// SessionState is the per-peer ratcheted key material from the spec's data
// model. Every field that advances per message (the chain keys, the
// counters) is mutated only while the owning entry's lock is held by
// SessionStore — see store.go.
type SessionState struct {
	PeerID           [16]byte
	PeerStaticPublic [32]byte
	PeerVerifyingKey []byte // optional Ed25519 public key, nil if not supplied

	rootKey           [32]byte
	sendingChainKey   [32]byte
	receivingChainKey [32]byte

	SendCounter uint64
	RecvCounter uint64

	skipped      map[uint64][32]byte
	skippedOrder []uint64 // insertion order, front is oldest, for bound eviction
	skippedBound int
}

func hkdfExpand(secret []byte, salt []byte, info string, n int) []byte {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-SHA256 can only fail this way if n exceeds 255*32 bytes,
		// which never happens for the fixed-size keys this package derives.
		panic("crypto: hkdf expand failed: " + err.Error())
	}
	return out
}

// deriveRatchetSecrets implements spec §4.2 step 3: root_key ||
// sending_chain_key || receiving_chain_key = HKDF(salt=0, ikm=DH,
// info="xlink-session-v1", len=96), then swaps sending/receiving for the
// responder so both sides agree on which chain carries which direction.
func deriveRatchetSecrets(dhSecret [32]byte, initiator bool) (root, sending, receiving [32]byte) {
	material := hkdfExpand(dhSecret[:], nil, rootInfo, 96)

	copy(root[:], material[0:32])
	chainA := material[32:64]
	chainB := material[64:96]

	if initiator {
		copy(sending[:], chainA)
		copy(receiving[:], chainB)
	} else {
		copy(sending[:], chainB)
		copy(receiving[:], chainA)
	}
	return root, sending, receiving
}

// isInitiator implements spec §4.2 step 4: the lower DeviceId is the
// initiator, deterministically, without a third handshake message.
func isInitiator(local, remote [16]byte) bool {
	return bytes.Compare(local[:], remote[:]) < 0
}

// deriveMessageKeyAndAdvance derives a message key from chain and returns
// the advanced chain key, implementing the ratchet's one-way step: message
// keys cannot be used to recompute the chain key that produced them.
func deriveMessageKeyAndAdvance(chain [32]byte) (messageKey, nextChain [32]byte) {
	copy(messageKey[:], hkdfExpand(chain[:], nil, msgInfo, 32))
	copy(nextChain[:], hkdfExpand(chain[:], nil, chainInfo, 32))
	return messageKey, nextChain
}

// storeSkipped records a message key for a future counter, evicting the
// oldest entry once skippedBound is exceeded (spec §9 "Skipped-keys bound").
// It reports whether an eviction occurred.
func (s *SessionState) storeSkipped(counter uint64, key [32]byte) (evicted bool) {
	if s.skipped == nil {
		s.skipped = make(map[uint64][32]byte)
	}
	if _, exists := s.skipped[counter]; exists {
		return false
	}
	s.skipped[counter] = key
	s.skippedOrder = append(s.skippedOrder, counter)

	if len(s.skippedOrder) > s.skippedBound {
		oldest := s.skippedOrder[0]
		s.skippedOrder = s.skippedOrder[1:]
		delete(s.skipped, oldest)
		return true
	}
	return false
}

// takeSkipped pops and removes a stored skipped-message key, if present.
func (s *SessionState) takeSkipped(counter uint64) ([32]byte, bool) {
	key, ok := s.skipped[counter]
	if !ok {
		return [32]byte{}, false
	}
	delete(s.skipped, counter)
	for i, c := range s.skippedOrder {
		if c == counter {
			s.skippedOrder = append(s.skippedOrder[:i], s.skippedOrder[i+1:]...)
			break
		}
	}
	return key, true
}
