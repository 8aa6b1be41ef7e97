// Package xlinkconfig loads the tunable options enumerated in §6 of the
// spec (stream thresholds, timeouts, rate limits) from defaults overlaid
// with an optional YAML file and XLINK_-prefixed environment variables.
package xlinkconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every tunable named in the spec's "Configuration options"
// section plus the router's power/cost policy thresholds.
type Config struct {
	StreamThresholdBytes       int `koanf:"stream_threshold_bytes"`
	FragmentSizeBytes          int `koanf:"fragment_size_bytes"`
	StreamTimeoutMs            int `koanf:"stream_timeout_ms"`
	MaxConcurrentStreamsPerSender int `koanf:"max_concurrent_streams_per_sender"`
	SkippedKeysBoundPerPeer    int `koanf:"skipped_keys_bound_per_peer"`
	RateLimitPerSenderPerSec   int `koanf:"rate_limit_per_sender_per_sec"`
	HeartbeatIntervalMs        int `koanf:"heartbeat_interval_ms"`

	// CompressStreams opts into lz4-compressing a stream payload before
	// fragmentation. Off by default: compression makes fragment count
	// content-dependent, which would otherwise silently break a caller's
	// expectations about how many STREAM frames a given payload size
	// produces (spec §8's fragmentation arithmetic assumes the raw
	// payload size, not its compressed size).
	CompressStreams bool `koanf:"compress_streams"`

	Router RouterConfig `koanf:"router"`
}

// RouterConfig tunes the channel-selection scoring policy (spec §4.1).
type RouterConfig struct {
	SendTimeoutMs         int     `koanf:"send_timeout_ms"`
	DegradedEWMAThreshold float64 `koanf:"degraded_ewma_threshold"`
	LowBatteryThreshold   int     `koanf:"low_battery_threshold"`
}

// StreamTimeout returns StreamTimeoutMs as a time.Duration.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns HeartbeatIntervalMs as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// SendTimeout returns the router's per-send timeout as a time.Duration.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Router.SendTimeoutMs) * time.Millisecond
}

// Default returns the spec §6 defaults.
func Default() *Config {
	return &Config{
		StreamThresholdBytes:          32768,
		FragmentSizeBytes:             16384,
		StreamTimeoutMs:               60000,
		MaxConcurrentStreamsPerSender: 32,
		SkippedKeysBoundPerPeer:       1024,
		RateLimitPerSenderPerSec:      100,
		HeartbeatIntervalMs:           15000,
		Router: RouterConfig{
			SendTimeoutMs:         10000,
			DegradedEWMAThreshold: 0.5,
			LowBatteryThreshold:   20,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file at path, and
// XLINK_-prefixed environment variable overrides (XLINK_STREAM_TIMEOUT_MS
// maps to stream_timeout_ms, XLINK_ROUTER__SEND_TIMEOUT_MS to
// router.send_timeout_ms).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("xlinkconfig: loading file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("XLINK_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "XLINK_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("xlinkconfig: loading env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("xlinkconfig: unmarshaling: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would violate spec invariants.
func (c *Config) Validate() error {
	if c.StreamThresholdBytes <= 0 {
		return fmt.Errorf("xlinkconfig: stream_threshold_bytes must be > 0")
	}
	if c.FragmentSizeBytes <= 0 {
		return fmt.Errorf("xlinkconfig: fragment_size_bytes must be > 0")
	}
	if c.MaxConcurrentStreamsPerSender <= 0 {
		return fmt.Errorf("xlinkconfig: max_concurrent_streams_per_sender must be > 0")
	}
	if c.SkippedKeysBoundPerPeer <= 0 {
		return fmt.Errorf("xlinkconfig: skipped_keys_bound_per_peer must be > 0")
	}
	if c.RateLimitPerSenderPerSec <= 0 {
		return fmt.Errorf("xlinkconfig: rate_limit_per_sender_per_sec must be > 0")
	}
	if c.Router.DegradedEWMAThreshold < 0 || c.Router.DegradedEWMAThreshold > 1 {
		return fmt.Errorf("xlinkconfig: router.degraded_ewma_threshold must be in [0,1]")
	}
	return nil
}
