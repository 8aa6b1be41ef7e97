// Package router implements the channel-selection scoring policy (spec
// §4.1): given a destination peer and a payload, pick one connected Channel
// and hand off, retrying the next candidate on transient failure.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xlink-project/xlink-core/internal/channel"
	"github.com/xlink-project/xlink-core/internal/frame"
	"github.com/xlink-project/xlink-core/internal/metrics"
	"github.com/xlink-project/xlink-core/internal/xlinkerr"
)

// Priority is the payload priority used in the scoring policy's power/cost
// adjustments; Critical bypasses them entirely.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// baseScore ranks channel kinds: Memory > LAN > WiFiDirect > BluetoothLE >
// BluetoothMesh > Internet (higher is better), per spec §4.1 step 2.
var baseScore = map[channel.Kind]float64{
	channel.KindMemory:        600,
	channel.KindLAN:           500,
	channel.KindWiFiDirect:    400,
	channel.KindBluetoothLE:   300,
	channel.KindBluetoothMesh: 200,
	channel.KindInternet:      100,
}

const degradedPenalty = 1000.0
const rttBucketMs = 50.0
const powerBonus = 800.0
const powerPenalty = 600.0
const costPenalty = 900.0

// Capabilities is the local device's self-description inputs to the
// scoring policy (battery_level is -1 when unknown).
type Capabilities struct {
	BatteryLevel      int
	Charging          bool
	DataCostSensitive bool
}

// Config tunes the degraded/low-battery thresholds referenced by the
// scoring policy.
type Config struct {
	SendTimeout           time.Duration
	DegradedEWMAThreshold float64
	LowBatteryThreshold   int
}

type peerChannelKey struct {
	peer frame.DeviceID
	kind channel.Kind
}

// stat is the router's scoring state for one (peer, channel) pair: last
// observed RTT and a success-rate EWMA, updated under its own lock per
// spec §9's "per-(peer,channel) lock" design note.
// successEWMA starts optimistic at 1.0 (no observed failures yet) rather
// than undefined-zero, so a single failure sample nudges it down without
// immediately tripping the degraded threshold — matching the fallback
// scenario where one LAN failure shouldn't deprioritize it below Internet.
type stat struct {
	mu            sync.Mutex
	everReachable bool
	lastRTT       time.Duration
	hasRTT        bool
	successEWMA   float64
}

const ewmaAlpha = 0.3

func newStat() *stat {
	return &stat{successEWMA: 1.0}
}

func (s *stat) recordSuccess(rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.everReachable = true
	s.lastRTT = rtt
	s.hasRTT = true
	s.successEWMA = ewmaAlpha*1 + (1-ewmaAlpha)*s.successEWMA
}

func (s *stat) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successEWMA = ewmaAlpha*0 + (1-ewmaAlpha)*s.successEWMA
}

func (s *stat) snapshot() (reachable bool, rtt time.Duration, hasRTT bool, ewma float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everReachable, s.lastRTT, s.hasRTT, s.successEWMA
}

// Router selects a Channel for each send per the scoring policy and retries
// the next candidate on failure, surfacing NoRouteFound only once every
// candidate is exhausted.
type Router struct {
	cfg  Config
	caps func() Capabilities

	mu       sync.RWMutex
	channels []channel.Channel
	stats    map[peerChannelKey]*stat

	metrics *metrics.Metrics
}

// New builds a Router. caps is called on every send so live battery/charge
// state is always current.
func New(cfg Config, caps func() Capabilities, m *metrics.Metrics) *Router {
	return &Router{
		cfg:     cfg,
		caps:    caps,
		stats:   make(map[peerChannelKey]*stat),
		metrics: m,
	}
}

// Register adds a Channel as a send candidate.
func (r *Router) Register(ch channel.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// MarkReachable records that peer has been observed reachable over kind,
// e.g. by the dispatcher's discovery intake seeing an inbound frame or
// heartbeat from it. Step 1 of the scoring policy excludes candidates that
// have never been marked this way (Internet is exempt, being always
// reachable in principle).
func (r *Router) MarkReachable(peer frame.DeviceID, kind channel.Kind) {
	s := r.statFor(peer, kind)
	s.mu.Lock()
	s.everReachable = true
	s.mu.Unlock()
}

func (r *Router) statFor(peer frame.DeviceID, kind channel.Kind) *stat {
	key := peerChannelKey{peer, kind}

	r.mu.RLock()
	s, ok := r.stats[key]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[key]; ok {
		return s
	}
	s = newStat()
	r.stats[key] = s
	return s
}

type candidate struct {
	ch    channel.Channel
	score float64
}

// candidates scores every registered, connected channel for peer and
// returns them ranked best-first, implementing spec §4.1 steps 1-7.
func (r *Router) candidates(peer frame.DeviceID, priority Priority) []candidate {
	caps := r.caps()

	r.mu.RLock()
	channels := make([]channel.Channel, len(r.channels))
	copy(channels, r.channels)
	r.mu.RUnlock()

	var out []candidate
	for _, ch := range channels {
		if !ch.IsConnected() {
			continue
		}
		kind := ch.Kind()
		s := r.statFor(peer, kind)
		reachable, rtt, hasRTT, ewma := s.snapshot()

		// Step 1: exclude never-observed-reachable destinations, except
		// Internet which is always reachable in principle.
		if !reachable && kind != channel.KindInternet {
			continue
		}

		score := baseScore[kind]

		// Step 3: degraded/RTT penalties.
		if ewma < r.cfg.DegradedEWMAThreshold {
			score -= degradedPenalty
		}
		if hasRTT {
			buckets := float64(rtt.Milliseconds()) / rttBucketMs
			score -= buckets
		}

		// Step 6: Critical priority skips the power/cost adjustments.
		if priority != PriorityCritical {
			// Step 4: power-aware adjustment.
			if caps.BatteryLevel >= 0 && caps.BatteryLevel < r.cfg.LowBatteryThreshold && !caps.Charging {
				if kind == channel.KindBluetoothLE {
					score += powerBonus
				}
				if kind == channel.KindWiFiDirect || kind == channel.KindInternet {
					score -= powerPenalty
				}
			}

			// Step 5: cost-aware adjustment.
			if caps.DataCostSensitive && kind == channel.KindInternet {
				score -= costPenalty
			}
		}

		out = append(out, candidate{ch: ch, score: score})

		if r.metrics != nil {
			r.metrics.RouterCandidatesConsidered.WithLabelValues(kind.String()).Inc()
		}
	}

	// Step 7: sort descending by score; ties are broken explicitly by lower
	// ChannelKind ordinal, so the order does not depend on registration order.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].ch.Kind() < out[j].ch.Kind()
	})
	return out
}

// Send tries the top-ranked channel for peer, falling back to the next
// candidate on failure, and fails with NoRouteFound once every candidate is
// exhausted. The router never retries the same channel twice in one call.
func (r *Router) Send(ctx context.Context, peer frame.DeviceID, frameBytes []byte, priority Priority) error {
	candidates := r.candidates(peer, priority)
	if len(candidates) == 0 {
		if r.metrics != nil {
			r.metrics.NoRouteFoundTotal.Inc()
		}
		return xlinkerr.NoRouteFound(peer.String())
	}

	timeout := r.cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	for _, c := range candidates {
		kind := c.ch.Kind()
		s := r.statFor(peer, kind)

		if r.metrics != nil {
			r.metrics.RouterSendAttempts.WithLabelValues(kind.String()).Inc()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := c.ch.Send(attemptCtx, peer, frameBytes)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			s.recordSuccess(elapsed)
			return nil
		}

		s.recordFailure()
		if r.metrics != nil {
			r.metrics.RouterSendFailures.WithLabelValues(kind.String()).Inc()
		}
	}

	if r.metrics != nil {
		r.metrics.NoRouteFoundTotal.Inc()
	}
	return xlinkerr.NoRouteFound(peer.String())
}
