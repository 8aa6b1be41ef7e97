package crypto

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/internal/metrics"
	"github.com/xlink-project/xlink-core/internal/xlinkerr"
)

const numShards = 16

type sessionEntry struct {
	mu    sync.Mutex
	state *SessionState
}

type shard struct {
	mu       sync.RWMutex
	sessions map[[16]byte]*sessionEntry
}

// SessionStore is the Crypto Session Store component: a sharded concurrent
// map of per-peer ratcheted sessions, each guarded by its own lock so many
// peers can encrypt/decrypt in parallel while a single peer's counters
// still serialize correctly (spec §9 "Concurrent session map").
type SessionStore struct {
	identity     *Identity
	localID      [16]byte
	skippedBound int
	log          *zap.Logger
	metrics      *metrics.Metrics

	shards [numShards]*shard
}

// NewSessionStore constructs an empty store for the local identity.
// skippedBound is the per-peer cap on buffered out-of-order message keys
// (spec default 1024). A nil logger/metrics is replaced with no-ops.
func NewSessionStore(identity *Identity, localID [16]byte, skippedBound int, m *metrics.Metrics, log *zap.Logger) *SessionStore {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SessionStore{identity: identity, localID: localID, skippedBound: skippedBound, log: log, metrics: m}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[[16]byte]*sessionEntry)}
	}
	return s
}

func (s *SessionStore) shardFor(peerID [16]byte) *shard {
	return s.shards[peerID[0]%numShards]
}

// Has reports whether a session already exists for peerID.
func (s *SessionStore) Has(peerID [16]byte) bool {
	sh := s.shardFor(peerID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.sessions[peerID]
	return ok
}

// Establish implements spec §4.2 "Session establishment". It fails with
// SessionAlreadyExists if an entry for peerID is already present.
func (s *SessionStore) Establish(peerID [16]byte, peerX25519Pub [32]byte, peerEd25519Pub []byte) error {
	sh := s.shardFor(peerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.sessions[peerID]; exists {
		return xlinkerr.SessionAlreadyExists(frame.DeviceID(peerID).String())
	}

	shared, err := dh(s.identity.x25519Private, peerX25519Pub)
	if err != nil {
		return xlinkerr.InvalidPeerKey(frame.DeviceID(peerID).String())
	}

	initiator := isInitiator(s.localID, peerID)
	root, sending, receiving := deriveRatchetSecrets(shared, initiator)

	state := &SessionState{
		PeerID:            peerID,
		PeerStaticPublic:  peerX25519Pub,
		PeerVerifyingKey:  peerEd25519Pub,
		rootKey:           root,
		sendingChainKey:   sending,
		receivingChainKey: receiving,
		skipped:           make(map[uint64][32]byte),
		skippedBound:      s.skippedBound,
	}

	sh.sessions[peerID] = &sessionEntry{state: state}
	if s.metrics != nil {
		s.metrics.SessionsEstablished.Inc()
	}
	s.log.Debug("session established", zap.String("peer", frame.DeviceID(peerID).String()), zap.Bool("initiator", initiator))
	return nil
}

// Clear removes a peer's session, e.g. on explicit peer removal.
func (s *SessionStore) Clear(peerID [16]byte) {
	sh := s.shardFor(peerID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, peerID)
}

func (s *SessionStore) lookup(peerID [16]byte) (*sessionEntry, error) {
	sh := s.shardFor(peerID)
	sh.mu.RLock()
	entry, ok := sh.sessions[peerID]
	sh.mu.RUnlock()
	if !ok {
		return nil, xlinkerr.SessionNotFound(frame.DeviceID(peerID).String())
	}
	return entry, nil
}

func seal(key [32]byte, nonce [12]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

func open(key [32]byte, nonce [12]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce[:], ciphertext, aad)
}

// Encrypt implements spec §4.2 "Encrypt". headerPrefix is the frame header
// bytes preceding send_counter (see frame.HeaderPrefix); Encrypt appends the
// send_counter it assigns to build the full AAD (§6: "the fixed-size header
// fields preceding the nonce"), since that counter isn't known until this
// call assigns it. The returned aad is what the caller must encode into the
// frame (it will match frame.Encode's own AAD exactly) and what a receiver
// must pass to Decrypt.
func (s *SessionStore) Encrypt(peerID [16]byte, plaintext, headerPrefix []byte) (ciphertext []byte, counter uint64, nonce [12]byte, aad []byte, err error) {
	entry, err := s.lookup(peerID)
	if err != nil {
		return nil, 0, nonce, nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	st := entry.state

	messageKey, nextChain := deriveMessageKeyAndAdvance(st.sendingChainKey)
	counter = st.SendCounter
	nonce = frame.CounterNonce(counter)
	aad = frame.BuildAAD(headerPrefix, counter)

	ciphertext, err = seal(messageKey, nonce, plaintext, aad)
	if err != nil {
		return nil, 0, nonce, nil, xlinkerr.EncryptionFailed(err)
	}

	// Advance is atomic with the write-out: nothing observes ciphertext
	// without the chain and counter already having moved (spec §5
	// cancellation note — encrypt cannot be partially applied).
	st.sendingChainKey = nextChain
	st.SendCounter++

	if s.metrics != nil {
		s.metrics.EncryptTotal.Inc()
	}
	return ciphertext, counter, nonce, aad, nil
}

// Decrypt implements spec §4.2 "Decrypt", including the skipped-keys
// machinery for out-of-order delivery across channels (spec §5, §9).
func (s *SessionStore) Decrypt(peerID [16]byte, theirCounter uint64, nonce [12]byte, ciphertext, aad []byte) ([]byte, error) {
	entry, err := s.lookup(peerID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	st := entry.state

	switch {
	case theirCounter < st.RecvCounter:
		key, ok := st.takeSkipped(theirCounter)
		if !ok {
			s.metricDecryptFailed()
			return nil, xlinkerr.DecryptionFailed(frame.DeviceID(peerID).String(), nil)
		}
		plaintext, err := open(key, nonce, ciphertext, aad)
		if err != nil {
			s.metricDecryptFailed()
			return nil, xlinkerr.DecryptionFailed(frame.DeviceID(peerID).String(), err)
		}
		return plaintext, nil

	case theirCounter == st.RecvCounter:
		messageKey, nextChain := deriveMessageKeyAndAdvance(st.receivingChainKey)
		plaintext, err := open(messageKey, nonce, ciphertext, aad)
		if err != nil {
			s.metricDecryptFailed()
			// No partial advance on failure: chain key only moves after
			// AEAD has verified (spec §5 cancellation note).
			return nil, xlinkerr.DecryptionFailed(frame.DeviceID(peerID).String(), err)
		}
		st.receivingChainKey = nextChain
		st.RecvCounter++
		return plaintext, nil

	default: // theirCounter > st.RecvCounter: skip ahead, storing intermediate keys.
		chain := st.receivingChainKey
		for c := st.RecvCounter; c < theirCounter; c++ {
			messageKey, nextChain := deriveMessageKeyAndAdvance(chain)
			if evicted := st.storeSkipped(c, messageKey); evicted && s.metrics != nil {
				s.metrics.SkippedKeysEvicted.Inc()
			}
			chain = nextChain
		}
		messageKey, nextChain := deriveMessageKeyAndAdvance(chain)
		plaintext, err := open(messageKey, nonce, ciphertext, aad)
		if err != nil {
			s.metricDecryptFailed()
			return nil, xlinkerr.DecryptionFailed(frame.DeviceID(peerID).String(), err)
		}
		st.receivingChainKey = nextChain
		st.RecvCounter = theirCounter + 1
		return plaintext, nil
	}
}

func (s *SessionStore) metricDecryptFailed() {
	if s.metrics != nil {
		s.metrics.DecryptFailedTotal.Inc()
	}
}
