// Package dispatcher implements the Core state machine (spec §4.5) tying
// Crypto, Stream, Router, and Group together: Created -> Running -> Stopped,
// with the send/receive paths and the background workers (heartbeat,
// discovery intake, stream sweep) that run while the core is up.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xlink-project/xlink-core/internal/channel"
	"github.com/xlink-project/xlink-core/internal/crypto"
	"github.com/xlink-project/xlink-core/internal/dedup"
	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/internal/group"
	"github.com/xlink-project/xlink-core/internal/metrics"
	"github.com/xlink-project/xlink-core/internal/router"
	"github.com/xlink-project/xlink-core/internal/stream"
	"github.com/xlink-project/xlink-core/internal/xlinkconfig"
	"github.com/xlink-project/xlink-core/internal/xlinkerr"
)

// State is the Core's lifecycle state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

// groupDedupTTL bounds how long a (group, epoch, sender, seq) tuple is
// remembered to suppress a duplicate group-frame delivery reaching this
// device twice (e.g. the router tried more than one channel in the same
// send). The spec doesn't size this window explicitly; it only needs to
// outlive the longest plausible race between two delivery paths.
const groupDedupTTL = 5 * time.Minute
const groupDedupSweep = 1 * time.Minute

// Inbound is one application-visible delivery: either a unicast/stream
// message or a group message (GroupID non-nil).
type Inbound struct {
	Sender  frame.DeviceID
	GroupID *frame.DeviceID
	Payload []byte
}

// Core is the top-level state machine described in spec §4.5.
type Core struct {
	cfg    *xlinkconfig.Config
	logger *zap.Logger

	localID  frame.DeviceID
	sessions *crypto.SessionStore
	reasm    *stream.Reassembler
	router   *router.Router
	groups   *group.Manager
	groupSeen *dedup.ExpiringSet

	mu         sync.Mutex
	state      State
	channels   []channel.Channel
	knownPeers map[frame.DeviceID]struct{}

	Inboxes chan Inbound

	rateMu       sync.Mutex
	rateLimiters map[frame.DeviceID]*rate.Limiter

	cancel context.CancelFunc
	eg     *errgroup.Group
	sem    *semaphore.Weighted

	capabilitiesFn func() router.Capabilities
}

// New builds a Core in the Created state. Callers must call RegisterChannel
// for each transport before Start.
func New(cfg *xlinkconfig.Config, logger *zap.Logger, m *metrics.Metrics, localID frame.DeviceID, sessions *crypto.SessionStore, groups *group.Manager) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	routerCfg := router.Config{
		SendTimeout:           cfg.SendTimeout(),
		DegradedEWMAThreshold: cfg.Router.DegradedEWMAThreshold,
		LowBatteryThreshold:   cfg.Router.LowBatteryThreshold,
	}
	c := &Core{
		cfg:          cfg,
		logger:       logger,
		localID:      localID,
		sessions:     sessions,
		reasm:        stream.NewReassembler(cfg.MaxConcurrentStreamsPerSender, cfg.StreamTimeout(), m),
		groups:       groups,
		groupSeen:    dedup.New(groupDedupTTL),
		Inboxes:      make(chan Inbound, 256),
		rateLimiters: make(map[frame.DeviceID]*rate.Limiter),
		knownPeers:   make(map[frame.DeviceID]struct{}),
	}
	c.capabilitiesFn = func() router.Capabilities { return defaultCapabilities }
	c.router = router.New(routerCfg, c.capabilities, m)
	c.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentStreamsPerSender * 4))
	return c
}

// defaultCapabilities is the neutral, always-charging profile reported until
// a host application wires in real telemetry.
var defaultCapabilities = router.Capabilities{BatteryLevel: -1, Charging: true, DataCostSensitive: false}

// SetCapabilitiesFunc replaces the router's battery/charge telemetry hook.
// Call before Start; the bundled default reports defaultCapabilities. This
// is the seam pkg/xlink exposes for a host application's real device state.
func (c *Core) SetCapabilitiesFunc(fn func() router.Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilitiesFn = fn
}

func (c *Core) capabilities() router.Capabilities {
	c.mu.Lock()
	fn := c.capabilitiesFn
	c.mu.Unlock()
	return fn()
}

// RegisterChannel adds a transport the router may select and whose inbound
// feed the discovery-intake worker consumes. Every peer already known via
// EstablishSession is seeded as reachable over the new channel immediately,
// so registering a channel after establishing a session (or vice versa)
// both leave the peer routable.
func (c *Core) RegisterChannel(ch channel.Channel) {
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.router.Register(ch)
	peers := make([]frame.DeviceID, 0, len(c.knownPeers))
	for p := range c.knownPeers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	for _, p := range peers {
		c.router.MarkReachable(p, ch.Kind())
	}
}

// EstablishSession agrees a session with peer and seeds it as reachable
// over every channel already registered (see RegisterChannel for channels
// registered afterward). A session handshake implies the two devices have
// already exchanged identities out of band, so the first Send to peer
// shouldn't have to wait for a later reactive discovery event — without
// this, router.candidates (spec §4.1 step 1) excludes every non-Internet
// channel for a peer it has never seen an inbound frame from, and the very
// first outbound send has nowhere to go.
func (c *Core) EstablishSession(peer frame.DeviceID, peerX25519Public [32]byte, peerEd25519Public []byte) error {
	if err := c.sessions.Establish(peer, peerX25519Public, peerEd25519Public); err != nil {
		return err
	}

	c.mu.Lock()
	c.knownPeers[peer] = struct{}{}
	channels := append([]channel.Channel(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		c.router.MarkReachable(peer, ch.Kind())
	}
	return nil
}

// Start brings every registered channel to connected state and spawns the
// background workers. Calling Start while already Running fails with
// AlreadyRunning.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return xlinkerr.AlreadyRunning()
	}
	c.state = StateRunning
	channels := append([]channel.Channel(nil), c.channels...)
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, runCtx := errgroup.WithContext(runCtx)
	c.eg = g

	for _, ch := range channels {
		if err := ch.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("dispatcher: starting channel %s: %w", ch.Kind(), err)
		}
	}

	c.reasm.Start(c.cfg.StreamTimeout() / 4)
	c.groupSeen.Start(groupDedupSweep)

	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			return c.intakeLoop(runCtx, ch)
		})
	}
	g.Go(func() error {
		return c.heartbeatLoop(runCtx)
	})
	g.Go(func() error {
		return c.streamTimeoutLoop(runCtx)
	})

	return nil
}

// Stop halts background workers, stops channels, drains transient queues,
// and is idempotent: calling it twice is a no-op the second time.
func (c *Core) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.state = StateStopped
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopped
	channels := append([]channel.Channel(nil), c.channels...)
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.eg != nil {
		_ = c.eg.Wait()
	}
	c.reasm.Stop()
	c.groupSeen.Stop()

	for _, ch := range channels {
		if err := ch.Stop(); err != nil {
			c.logger.Warn("channel stop failed", zap.String("kind", ch.Kind().String()), zap.Error(err))
		}
	}

drain:
	for {
		select {
		case <-c.Inboxes:
		default:
			break drain
		}
	}

	return nil
}

func (c *Core) limiterFor(sender frame.DeviceID) *rate.Limiter {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	l, ok := c.rateLimiters[sender]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.RateLimitPerSenderPerSec), c.cfg.RateLimitPerSenderPerSec)
		c.rateLimiters[sender] = l
	}
	return l
}

// Send implements the send path: encrypt, fragment if oversized, hand each
// resulting frame to the router. It returns the first hard failure, or
// success once every frame has been accepted by a channel.
func (c *Core) Send(ctx context.Context, peer frame.DeviceID, payload []byte, priority router.Priority) error {
	if len(payload) <= c.cfg.StreamThresholdBytes {
		return c.sendUnicast(ctx, peer, payload, priority)
	}
	return c.sendStream(ctx, peer, payload, priority)
}

func (c *Core) sendUnicast(ctx context.Context, peer frame.DeviceID, payload []byte, priority router.Priority) error {
	headerPrefix := frame.HeaderPrefix(frame.TypeUnicast, c.localID, peer, frame.ZeroDeviceID, 0)

	ciphertext, counter, nonce, _, err := c.sessions.Encrypt(peer, payload, headerPrefix)
	if err != nil {
		return err
	}

	f := &frame.Frame{
		Version:     frame.CurrentVersion,
		Type:        frame.TypeUnicast,
		SenderID:    c.localID,
		RecipientID: peer,
		SendCounter: counter,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}
	wire, _ := frame.Encode(f)
	return c.router.Send(ctx, peer, wire, priority)
}

func (c *Core) sendStream(ctx context.Context, peer frame.DeviceID, payload []byte, priority router.Priority) error {
	streamID, err := stream.NewStreamID()
	if err != nil {
		return xlinkerr.StreamInitFailed("failed to generate stream id")
	}

	body, compressed := payload, false
	if c.cfg.CompressStreams {
		body, compressed, err = stream.CompressIfSmaller(payload)
		if err != nil {
			return xlinkerr.StreamInitFailed("failed to compress stream payload")
		}
	}
	fragments := stream.Fragment(streamID, body, c.cfg.FragmentSizeBytes, compressed)

	// Each fragment is encrypted and routed independently, so fragments of
	// the same stream (and of other concurrent sends) can fly in parallel;
	// c.sem bounds how many are ever in flight across every sender at once.
	g, gctx := errgroup.WithContext(ctx)
	for _, fragPlaintext := range fragments {
		fragPlaintext := fragPlaintext
		if err := c.sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer c.sem.Release(1)

			headerPrefix := frame.HeaderPrefix(frame.TypeStream, c.localID, peer, frame.ZeroDeviceID, 0)
			ciphertext, counter, nonce, _, err := c.sessions.Encrypt(peer, fragPlaintext, headerPrefix)
			if err != nil {
				return err
			}

			f := &frame.Frame{
				Version:     frame.CurrentVersion,
				Type:        frame.TypeStream,
				SenderID:    c.localID,
				RecipientID: peer,
				SendCounter: counter,
				Nonce:       nonce,
				Ciphertext:  ciphertext,
			}
			wire, _ := frame.Encode(f)
			return c.router.Send(gctx, peer, wire, priority)
		})
	}
	return g.Wait()
}

// SendGroup seals plaintext under groupID's current epoch secret and fans
// it out to every other current member over the router.
func (c *Core) SendGroup(ctx context.Context, groupID frame.DeviceID, payload []byte, priority router.Priority) error {
	g, err := c.groups.Get(groupID)
	if err != nil {
		return err
	}

	headerPrefix := frame.HeaderPrefix(frame.TypeGroup, c.localID, frame.ZeroDeviceID, groupID, g.Epoch())
	epoch, seq, nonce, ciphertext, _, err := g.Encrypt(c.localID, payload, headerPrefix)
	if err != nil {
		return err
	}

	f := &frame.Frame{
		Version:     frame.CurrentVersion,
		Type:        frame.TypeGroup,
		SenderID:    c.localID,
		RecipientID: frame.ZeroDeviceID,
		GroupID:     groupID,
		Epoch:       epoch,
		SendCounter: seq,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}
	wire, _ := frame.Encode(f)

	var firstErr error
	for _, member := range g.Members() {
		if member == c.localID {
			continue
		}
		if err := c.router.Send(ctx, member, wire, priority); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Core) deliver(ctx context.Context, ev Inbound) {
	select {
	case c.Inboxes <- ev:
	case <-ctx.Done():
	}
}

// intakeLoop consumes one channel's inbound feed: decode, decrypt, route
// stream fragments to the reassembler or group frames to the group
// manager, and deliver completed payloads to Inboxes.
func (c *Core) intakeLoop(ctx context.Context, ch channel.Channel) error {
	feed := ch.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-feed:
			if !ok {
				return nil
			}
			c.router.MarkReachable(in.Sender, ch.Kind())
			if err := c.handleInbound(ctx, in); err != nil {
				c.logger.Debug("dropping inbound frame", zap.Error(err))
			}
		}
	}
}

func (c *Core) handleInbound(ctx context.Context, in channel.Inbound) error {
	if !c.limiterFor(in.Sender).Allow() {
		return xlinkerr.RateLimitExceeded(in.Sender.String())
	}

	f, aad, err := frame.Decode(in.Bytes)
	if err != nil {
		return err
	}

	switch f.Type {
	case frame.TypeUnicast:
		plaintext, err := c.sessions.Decrypt(f.SenderID, f.SendCounter, f.Nonce, f.Ciphertext, aad)
		if err != nil {
			return err
		}
		if !c.limiterFor(f.SenderID).Allow() {
			return xlinkerr.RateLimitExceeded(f.SenderID.String())
		}
		c.deliver(ctx, Inbound{Sender: f.SenderID, Payload: plaintext})
		return nil

	case frame.TypeStream:
		plaintext, err := c.sessions.Decrypt(f.SenderID, f.SendCounter, f.Nonce, f.Ciphertext, aad)
		if err != nil {
			return err
		}
		h, payload, err := stream.DecodeFragment(plaintext)
		if err != nil {
			return err
		}
		complete, done, err := c.reasm.Push(f.SenderID, h, payload)
		if err != nil {
			return err
		}
		if done {
			c.deliver(ctx, Inbound{Sender: f.SenderID, Payload: complete})
		}
		return nil

	case frame.TypeGroup:
		dedupKey := fmt.Sprintf("%s|%d|%s|%d", f.GroupID, f.Epoch, f.SenderID, f.SendCounter)
		if !c.groupSeen.Add(dedupKey) {
			return nil
		}

		g, err := c.groups.Get(f.GroupID)
		if err != nil {
			return err
		}
		plaintext, err := g.Decrypt(f.SenderID, f.Epoch, f.SendCounter, f.Nonce, f.Ciphertext, aad)
		if err != nil {
			return err
		}
		if !c.limiterFor(f.SenderID).Allow() {
			return xlinkerr.RateLimitExceeded(f.SenderID.String())
		}
		groupID := f.GroupID
		c.deliver(ctx, Inbound{Sender: f.SenderID, GroupID: &groupID, Payload: plaintext})
		return nil

	default:
		return xlinkerr.InvalidInput("unsupported frame type for delivery", map[string]any{"frame_type": int(f.Type)})
	}
}

func (c *Core) heartbeatLoop(ctx context.Context) error {
	interval := c.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.logger.Debug("heartbeat tick")
		}
	}
}

func (c *Core) streamTimeoutLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.reasm.Timeouts:
			if !ok {
				return nil
			}
			c.logger.Info("stream reassembly timed out",
				zap.String("sender", ev.SenderID.String()),
				zap.String("stream_id", ev.StreamID.String()),
			)
		}
	}
}
