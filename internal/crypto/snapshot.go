package crypto

import (
	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/internal/xlinkerr"
)

// PersistedPeer is the per-peer record in the spec §6 migration export:
// {peer_id, peer_static_pub, root_key, send_counter, recv_counter}.
type PersistedPeer struct {
	PeerID        [16]byte
	PeerStaticPub [32]byte
	RootKey       [32]byte
	SendCounter   uint64
	RecvCounter   uint64
}

// Snapshot returns the persisted-state record for every live session,
// for inclusion in an SDK migration export.
func (s *SessionStore) Snapshot() []PersistedPeer {
	var out []PersistedPeer
	for _, sh := range s.shards {
		sh.mu.RLock()
		for peerID, entry := range sh.sessions {
			entry.mu.Lock()
			out = append(out, PersistedPeer{
				PeerID:        peerID,
				PeerStaticPub: entry.state.PeerStaticPublic,
				RootKey:       entry.state.rootKey,
				SendCounter:   entry.state.SendCounter,
				RecvCounter:   entry.state.RecvCounter,
			})
			entry.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	return out
}

// Restore re-creates sessions from a migration export. Import is
// all-or-nothing at the caller's level (the caller decrypts the whole blob,
// e.g. with DecryptBlob, before calling Restore); Restore itself checks every
// peer first and fails with SessionAlreadyExists on an already-existing one
// rather than partially repopulating the store.
func (s *SessionStore) Restore(peers []PersistedPeer) error {
	for _, p := range peers {
		if s.Has(p.PeerID) {
			return xlinkerr.SessionAlreadyExists(frame.DeviceID(p.PeerID).String())
		}
	}
	for _, p := range peers {
		sh := s.shardFor(p.PeerID)
		sh.mu.Lock()
		if _, exists := sh.sessions[p.PeerID]; exists {
			sh.mu.Unlock()
			return xlinkerr.SessionAlreadyExists(frame.DeviceID(p.PeerID).String())
		}
		initiator := isInitiator(s.localID, p.PeerID)
		sending, receiving := deriveChainFromRoot(p.RootKey, initiator)
		sh.sessions[p.PeerID] = &sessionEntry{state: &SessionState{
			PeerID:            p.PeerID,
			PeerStaticPublic:  p.PeerStaticPub,
			rootKey:           p.RootKey,
			sendingChainKey:   sending,
			receivingChainKey: receiving,
			SendCounter:       p.SendCounter,
			RecvCounter:       p.RecvCounter,
			skipped:           make(map[uint64][32]byte),
			skippedBound:      s.skippedBound,
		}}
		sh.mu.Unlock()
	}
	return nil
}
