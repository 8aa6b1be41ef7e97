// Package metrics wires the core's observable counters into Prometheus.
// Unlike a typical service binary, xlink-core is embedded into applications
// that may run more than one Core side by side (tests, multi-identity
// hosts), so metrics are instance-scoped rather than package-level globals:
// call New with the caller's prometheus.Registerer (or nil to get a private
// registry nobody scrapes).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of counters/gauges exported by one Core instance.
type Metrics struct {
	RouterCandidatesConsidered *prometheus.CounterVec
	RouterSendAttempts         *prometheus.CounterVec
	RouterSendFailures         *prometheus.CounterVec
	NoRouteFoundTotal          prometheus.Counter

	SessionsEstablished prometheus.Counter
	EncryptTotal        prometheus.Counter
	DecryptFailedTotal  prometheus.Counter
	SkippedKeysEvicted  prometheus.Counter

	StreamsStarted   prometheus.Counter
	StreamsCompleted prometheus.Counter
	StreamsTimedOut  prometheus.Counter
	StreamsRejected  prometheus.Counter

	GroupEpochBumps *prometheus.CounterVec
}

// New builds and registers a fresh Metrics set against reg. A nil reg uses
// a private prometheus.NewRegistry() so construction never fails and never
// touches the default global registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		RouterCandidatesConsidered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xlink_router_candidates_considered_total",
			Help: "Channel candidates scored per send attempt, by channel kind.",
		}, []string{"channel_kind"}),
		RouterSendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xlink_router_send_attempts_total",
			Help: "Send attempts per channel kind.",
		}, []string{"channel_kind"}),
		RouterSendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xlink_router_send_failures_total",
			Help: "Send failures per channel kind.",
		}, []string{"channel_kind"}),
		NoRouteFoundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlink_router_no_route_found_total",
			Help: "Sends that exhausted every candidate channel.",
		}),
		SessionsEstablished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlink_crypto_sessions_established_total",
			Help: "Successful session establishments.",
		}),
		EncryptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlink_crypto_encrypt_total",
			Help: "Frames encrypted.",
		}),
		DecryptFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlink_crypto_decrypt_failed_total",
			Help: "AEAD decryption failures.",
		}),
		SkippedKeysEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlink_crypto_skipped_keys_evicted_total",
			Help: "Skipped message keys evicted for exceeding the per-peer bound.",
		}),
		StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlink_stream_started_total",
			Help: "Stream reassembly contexts created.",
		}),
		StreamsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlink_stream_completed_total",
			Help: "Streams fully reassembled and delivered.",
		}),
		StreamsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlink_stream_timed_out_total",
			Help: "Streams discarded after exceeding the expiry window.",
		}),
		StreamsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xlink_stream_rejected_total",
			Help: "Streams rejected for exceeding max_concurrent_streams_per_sender.",
		}),
		GroupEpochBumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xlink_group_epoch_bumps_total",
			Help: "Group membership changes that advanced the epoch, by op.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.RouterCandidatesConsidered, m.RouterSendAttempts, m.RouterSendFailures, m.NoRouteFoundTotal,
		m.SessionsEstablished, m.EncryptTotal, m.DecryptFailedTotal, m.SkippedKeysEvicted,
		m.StreamsStarted, m.StreamsCompleted, m.StreamsTimedOut, m.StreamsRejected,
		m.GroupEpochBumps,
	)
	return m
}
