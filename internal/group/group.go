// Package group implements the Group Key Schedule (spec §4.4): a balanced
// binary key tree that rotates the shared group secret on every membership
// change with forward secrecy, and per-message AEAD keyed off the current
// epoch's secret.
package group

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/internal/metrics"
	"github.com/xlink-project/xlink-core/internal/xlinkerr"
)

type leaf struct {
	member frame.DeviceID
	secret [32]byte
	blank  bool
}

// Group is one multi-peer secure channel: a member set, the current epoch,
// and the tree that derives this device's view of the group secret. Reads
// (encrypt/decrypt at the current epoch) take the read lock; membership
// changes take the write lock, per spec §9's design note.
type Group struct {
	mu sync.RWMutex

	groupID frame.DeviceID
	adminID frame.DeviceID
	epoch   uint32

	leaves      []leaf
	memberIndex map[frame.DeviceID]int
	secret      [32]byte

	sendSeq map[frame.DeviceID]uint64
}

// Manager owns every Group this device participates in.
type Manager struct {
	mu      sync.RWMutex
	groups  map[frame.DeviceID]*Group
	metrics *metrics.Metrics
}

// NewManager builds an empty group manager.
func NewManager(m *metrics.Metrics) *Manager {
	return &Manager{groups: make(map[frame.DeviceID]*Group), metrics: m}
}

// Create builds a new group with groupID, admin as its admin, and the given
// initial member set (which must include admin). Epoch starts at 0.
func (mgr *Manager) Create(groupID, admin frame.DeviceID, members []frame.DeviceID) (*Group, error) {
	g := &Group{
		groupID:     groupID,
		adminID:     admin,
		memberIndex: make(map[frame.DeviceID]int),
		sendSeq:     make(map[frame.DeviceID]uint64),
	}

	for _, member := range members {
		s, err := randomSecret()
		if err != nil {
			return nil, xlinkerr.InvalidInput("failed to generate leaf secret", nil)
		}
		g.memberIndex[member] = len(g.leaves)
		g.leaves = append(g.leaves, leaf{member: member, secret: s})
	}
	g.recompute()

	mgr.mu.Lock()
	mgr.groups[groupID] = g
	mgr.mu.Unlock()
	return g, nil
}

// Get returns the group for groupID, or GroupNotFound.
func (mgr *Manager) Get(groupID frame.DeviceID) (*Group, error) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	g, ok := mgr.groups[groupID]
	if !ok {
		return nil, xlinkerr.GroupNotFound(groupID.String())
	}
	return g, nil
}

// recompute rebuilds the root secret from the current leaves. Blank leaves
// still contribute their (freshly random, unknown-to-the-removed-member)
// secret, so the tree stays the same shape across a remove.
func (g *Group) recompute() {
	secrets := make([][32]byte, len(g.leaves))
	for i, l := range g.leaves {
		secrets[i] = l.secret
	}
	g.secret = rootSecret(secrets)
}

func (g *Group) bumpEpoch(mgrMetrics *metrics.Metrics, op string) {
	g.epoch++
	if mgrMetrics != nil {
		mgrMetrics.GroupEpochBumps.WithLabelValues(op).Inc()
	}
}

// Add extends the tree with a new leaf for member, re-derives the root, and
// advances the epoch. Only the admin may call this.
func (mgr *Manager) Add(groupID, caller, member frame.DeviceID) error {
	g, err := mgr.Get(groupID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.adminID {
		return xlinkerr.NotAdmin(groupID.String(), caller.String())
	}
	if _, exists := g.memberIndex[member]; exists {
		return nil
	}

	s, err := randomSecret()
	if err != nil {
		return xlinkerr.InvalidInput("failed to generate leaf secret", nil)
	}
	g.memberIndex[member] = len(g.leaves)
	g.leaves = append(g.leaves, leaf{member: member, secret: s})
	g.recompute()
	g.bumpEpoch(mgr.metrics, "add")
	return nil
}

// Remove blanks member's leaf, regenerating its secret so the member can no
// longer contribute to (or recompute) the new root, re-derives the root,
// and advances the epoch.
func (mgr *Manager) Remove(groupID, caller, member frame.DeviceID) error {
	g, err := mgr.Get(groupID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.adminID {
		return xlinkerr.NotAdmin(groupID.String(), caller.String())
	}
	idx, ok := g.memberIndex[member]
	if !ok {
		return xlinkerr.NotGroupMember(groupID.String(), member.String())
	}

	s, err := randomSecret()
	if err != nil {
		return xlinkerr.InvalidInput("failed to generate leaf secret", nil)
	}
	g.leaves[idx] = leaf{member: frame.ZeroDeviceID, secret: s, blank: true}
	delete(g.memberIndex, member)
	delete(g.sendSeq, member)
	g.recompute()
	g.bumpEpoch(mgr.metrics, "remove")
	return nil
}

// Rotate re-generates member's own leaf secret without changing membership,
// equivalent to a remove+add of the same member, and advances the epoch.
func (mgr *Manager) Rotate(groupID, caller, member frame.DeviceID) error {
	g, err := mgr.Get(groupID)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.adminID {
		return xlinkerr.NotAdmin(groupID.String(), caller.String())
	}
	idx, ok := g.memberIndex[member]
	if !ok {
		return xlinkerr.NotGroupMember(groupID.String(), member.String())
	}

	s, err := randomSecret()
	if err != nil {
		return xlinkerr.InvalidInput("failed to generate leaf secret", nil)
	}
	g.leaves[idx].secret = s
	g.recompute()
	g.bumpEpoch(mgr.metrics, "rotate")
	return nil
}

// Epoch returns the group's current epoch.
func (g *Group) Epoch() uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch
}

// IsMember reports whether id currently holds a non-blank leaf.
func (g *Group) IsMember(id frame.DeviceID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.memberIndex[id]
	return ok
}

// Members returns the current non-blank member set.
func (g *Group) Members() []frame.DeviceID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]frame.DeviceID, 0, len(g.memberIndex))
	for id := range g.memberIndex {
		out = append(out, id)
	}
	return out
}

// ID returns the group's identifier.
func (g *Group) ID() frame.DeviceID { return g.groupID }

func messageKey(groupSecret [32]byte, epoch uint32, sender frame.DeviceID, seq uint64) [32]byte {
	info := fmt.Sprintf("xlink-group-msg-v1|epoch=%d|sender=%s|seq=%d", epoch, sender.String(), seq)
	var buf bytes.Buffer
	buf.Write(groupSecret[:])
	r := hkdf.New(sha256.New, buf.Bytes(), nil, []byte(info))
	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		panic("group: hkdf expand failed: " + err.Error())
	}
	return key
}

// Encrypt seals plaintext under the current epoch's group secret, keyed by
// sender's next per-sender sequence number. headerPrefix is the frame
// header bytes preceding send_counter (see frame.HeaderPrefix); Encrypt
// appends the seq it assigns (which the wire carries as send_counter) to
// build the full AAD, since seq isn't known until this call assigns it. The
// caller is responsible for placing (epoch, sender, seq, nonce) on the wire
// alongside the ciphertext, and passing the returned aad to a receiver's
// Decrypt.
func (g *Group) Encrypt(sender frame.DeviceID, plaintext, headerPrefix []byte) (epoch uint32, seq uint64, nonce [12]byte, ciphertext, aad []byte, err error) {
	g.mu.Lock()
	if _, ok := g.memberIndex[sender]; !ok {
		groupID := g.groupID
		g.mu.Unlock()
		return 0, 0, nonce, nil, nil, xlinkerr.NotGroupMember(groupID.String(), sender.String())
	}
	seq = g.sendSeq[sender]
	g.sendSeq[sender] = seq + 1
	epoch = g.epoch
	secret := g.secret
	g.mu.Unlock()

	aad = frame.BuildAAD(headerPrefix, seq)

	key := messageKey(secret, epoch, sender, seq)
	aead, cerr := chacha20poly1305.New(key[:])
	if cerr != nil {
		return 0, 0, nonce, nil, nil, xlinkerr.EncryptionFailed(cerr)
	}
	if _, rerr := io.ReadFull(rand.Reader, nonce[:]); rerr != nil {
		return 0, 0, nonce, nil, nil, xlinkerr.EncryptionFailed(rerr)
	}
	ciphertext = aead.Seal(nil, nonce[:], plaintext, aad)
	return epoch, seq, nonce, ciphertext, aad, nil
}

// Decrypt opens a group ciphertext. The caller-supplied epoch must match
// the group's current epoch exactly; a receiver at a stale epoch gets
// EpochMismatch and must sync its tree state before retrying.
func (g *Group) Decrypt(sender frame.DeviceID, epoch uint32, seq uint64, nonce [12]byte, ciphertext, aad []byte) ([]byte, error) {
	g.mu.RLock()
	groupID := g.groupID
	current := g.epoch
	secret := g.secret
	g.mu.RUnlock()

	if epoch != current {
		return nil, xlinkerr.EpochMismatch(groupID.String(), epoch, current)
	}

	key := messageKey(secret, epoch, sender, seq)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, xlinkerr.DecryptionFailed(sender.String(), err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, xlinkerr.DecryptionFailed(sender.String(), err)
	}
	return plaintext, nil
}
