// Package xlink is the public surface a host application embeds: it wraps
// the internal dispatcher/crypto/group machinery behind a small API and
// exposes the seams (capabilities telemetry, channel registration, message
// delivery) a real application needs without reaching into internal/.
package xlink

import (
	"context"
	"crypto/ed25519"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xlink-project/xlink-core/internal/channel"
	"github.com/xlink-project/xlink-core/internal/crypto"
	"github.com/xlink-project/xlink-core/internal/dispatcher"
	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/internal/group"
	"github.com/xlink-project/xlink-core/internal/metrics"
	"github.com/xlink-project/xlink-core/internal/router"
	"github.com/xlink-project/xlink-core/internal/xlinkconfig"
)

// Re-exported types a host application needs without importing internal/.
type (
	DeviceID     = frame.DeviceID
	Priority     = router.Priority
	Capabilities = router.Capabilities
	Channel      = channel.Channel
	Config       = xlinkconfig.Config
)

const (
	PriorityLow      = router.PriorityLow
	PriorityNormal   = router.PriorityNormal
	PriorityHigh     = router.PriorityHigh
	PriorityCritical = router.PriorityCritical
)

// Message is one application-visible delivery: a unicast/stream payload, or
// a group payload when GroupID is non-nil.
type Message = dispatcher.Inbound

// Identity is a device's long-term keypair. Generate once at install and
// persist it across restarts; xlink never regenerates an existing identity.
type Identity struct {
	inner *crypto.Identity
}

// NewIdentity generates a fresh device identity.
func NewIdentity() (*Identity, error) {
	id, err := crypto.NewIdentity()
	if err != nil {
		return nil, err
	}
	return &Identity{inner: id}, nil
}

// ImportIdentity reconstructs a previously-generated identity from its raw
// seed, as persisted by a host application across restarts (see Seed).
func ImportIdentity(x25519Priv [32]byte, ed25519Priv ed25519.PrivateKey) *Identity {
	return &Identity{inner: crypto.IdentityFromSeed(x25519Priv, ed25519Priv)}
}

// X25519Public is this identity's session key-agreement public key.
func (i *Identity) X25519Public() [32]byte { return i.inner.X25519Public }

// Ed25519Public is this identity's signing public key.
func (i *Identity) Ed25519Public() []byte { return i.inner.Ed25519Public }

// Seed exposes the raw private key material, for a host application that
// wants to persist this identity across restarts instead of regenerating
// (and thus losing established sessions under) a new one every run.
func (i *Identity) Seed() ([32]byte, ed25519.PrivateKey) { return i.inner.Seed() }

// Node is a running xlink-core instance: one device's session store, group
// memberships, and dispatcher, bound to a local identity and device id.
type Node struct {
	id     DeviceID
	groups *group.Manager
	core   *dispatcher.Core
}

// NewNode builds a Node in the Created state. Register channels with
// RegisterChannel, optionally set capabilities telemetry with
// SetCapabilities, then Start.
func NewNode(cfg *Config, logger *zap.Logger, id DeviceID, identity *Identity, reg prometheus.Registerer) *Node {
	m := metrics.New(reg)
	sessions := crypto.NewSessionStore(identity.inner, id, cfg.SkippedKeysBoundPerPeer, m, logger)
	groups := group.NewManager(m)
	core := dispatcher.New(cfg, logger, m, id, sessions, groups)
	return &Node{id: id, groups: groups, core: core}
}

// EstablishSession agrees a session with peer from their published public
// keys, ahead of any Send to them, and marks them reachable over every
// channel this Node already has registered. The spec's Crypto Session
// Store requires a session before the first message either direction.
func (n *Node) EstablishSession(peer DeviceID, peerX25519Public [32]byte, peerEd25519Public []byte) error {
	return n.core.EstablishSession(peer, peerX25519Public, peerEd25519Public)
}

// CreateGroup establishes a new group's key tree with the given initial
// membership, admin as the caller performing the operation.
func (n *Node) CreateGroup(groupID, admin DeviceID, members []DeviceID) error {
	_, err := n.groups.Create(groupID, admin, members)
	return err
}

// AddGroupMember adds member to groupID, rotating the group epoch forward.
func (n *Node) AddGroupMember(groupID, caller, member DeviceID) error {
	return n.groups.Add(groupID, caller, member)
}

// RemoveGroupMember removes member from groupID with forward secrecy: a
// fresh blank-leaf secret is substituted so the removed member's key
// material can't derive any future epoch's keys.
func (n *Node) RemoveGroupMember(groupID, caller, member DeviceID) error {
	return n.groups.Remove(groupID, caller, member)
}

// RegisterChannel adds a transport the router may select for this node's
// sends, and whose inbound feed the dispatcher consumes once Started.
func (n *Node) RegisterChannel(ch Channel) {
	n.core.RegisterChannel(ch)
}

// SetCapabilities replaces the router's battery/charge telemetry hook with
// a live source (e.g. the host OS's power state), used by the scoring
// policy's power/cost adjustments.
func (n *Node) SetCapabilities(fn func() Capabilities) {
	n.core.SetCapabilitiesFunc(fn)
}

// Start brings every registered channel up and spawns the background
// workers (heartbeat, discovery intake, stream sweep, group dedup sweep).
func (n *Node) Start(ctx context.Context) error {
	return n.core.Start(ctx)
}

// Stop halts every background worker and disconnects every channel. It is
// safe to call more than once.
func (n *Node) Stop() error {
	return n.core.Stop()
}

// Send delivers payload to peer, transparently fragmenting oversized
// payloads into a reassembled stream on the receive side.
func (n *Node) Send(ctx context.Context, peer DeviceID, payload []byte, priority Priority) error {
	return n.core.Send(ctx, peer, payload, priority)
}

// SendGroup delivers payload to every other current member of groupID.
func (n *Node) SendGroup(ctx context.Context, groupID DeviceID, payload []byte, priority Priority) error {
	return n.core.SendGroup(ctx, groupID, payload, priority)
}

// Inbox is the channel of application-visible deliveries: unicast, stream,
// and group messages all surface here once reassembled and decrypted.
func (n *Node) Inbox() <-chan Message {
	return n.core.Inboxes
}
