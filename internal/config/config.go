// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/channel"
)

// Config is the process-wide ambient configuration for one runtimed instance
// (spec §5 concurrency/resource model, §4.4 worker lifecycle defaults).
type Config struct {
	Session SessionDefaults `json:"session"`
	Edge    EdgeDefaults    `json:"edge"`
	Worker  WorkerDefaults  `json:"worker"`
	Metrics MetricsConfig   `json:"metrics"`
}

// SessionDefaults configures session lifecycle defaults applied when a
// create_session request omits them (spec §3.3, §6.2).
type SessionDefaults struct {
	CleanupDeadlineSecs int `json:"cleanup_deadline_secs"`
	MaxPeers            int `json:"max_peers"`
	// MaxDurationSecs is the default per-session wall-clock cap; 0 means
	// unbounded unless the caller supplies one explicitly.
	MaxDurationSecs int `json:"max_duration_secs"`
}

// EdgeDefaults configures the channel backing every graph edge when a
// manifest doesn't override it (spec §3.4/§4.1).
type EdgeDefaults struct {
	Capacity        int    `json:"capacity"`
	Backpressure    string `json:"backpressure"` // "block" | "drop_newest" | "drop_oldest"
	HistorySize     int    `json:"history_size"`
	LivenessSecs    int    `json:"liveness_secs"`
	MaxPayloadBytes int64  `json:"max_payload_bytes"`
}

// WorkerDefaults configures out-of-process node supervision (spec §4.4).
type WorkerDefaults struct {
	InitTimeoutSecs     int `json:"init_timeout_secs"`
	CleanupDeadlineSecs int `json:"cleanup_deadline_secs"`
	// MaxWorkers is the configured worker-process budget (spec §5 "Resource
	// caps"); Validate holds it to 1..100. No component reads it, so the
	// number of spawned workers is not limited by it.
	MaxWorkers int `json:"max_workers"`
	// RespawnPerMinute is the configured respawn rate; Validate requires it
	// to be > 0. No component builds a worker.Config.RespawnLimiter from it.
	RespawnPerMinute float64 `json:"respawn_per_minute"`
}

// MetricsConfig configures the prometheus exposition endpoint.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr"` // e.g. ":9090"
	Path       string `json:"path"`        // default "/metrics"
}

const maxWorkersHardCap = 100

// Default returns the baked-in configuration applied before any file
// overrides.
func Default() Config {
	return Config{
		Session: SessionDefaults{
			CleanupDeadlineSecs: 5,
			MaxPeers:            10,
			MaxDurationSecs:     0,
		},
		Edge: EdgeDefaults{
			Capacity:        16,
			Backpressure:    "block",
			HistorySize:     0,
			LivenessSecs:    10,
			MaxPayloadBytes: 0,
		},
		Worker: WorkerDefaults{
			InitTimeoutSecs:     30,
			CleanupDeadlineSecs: 5,
			MaxWorkers:          10,
			RespawnPerMinute:    6,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
			Path:       "/metrics",
		},
	}
}

// Validate checks invariants the runtime depends on (spec §3.3/§3.4/§4.4/§5).
func (c *Config) Validate() error {
	if c.Session.CleanupDeadlineSecs <= 0 {
		return errors.New("session.cleanup_deadline_secs must be > 0")
	}
	if c.Session.MaxPeers < 1 || c.Session.MaxPeers > 10 {
		return errors.New("session.max_peers must be 1..10")
	}
	if c.Session.MaxDurationSecs < 0 {
		return errors.New("session.max_duration_secs must be >= 0")
	}

	if c.Edge.Capacity < 1 {
		return errors.New("edge.capacity must be >= 1")
	}
	switch channel.Policy(c.Edge.Backpressure) {
	case channel.PolicyBlock, channel.PolicyDropNewest, channel.PolicyDropOldest:
	default:
		return fmt.Errorf("edge.backpressure %q is not one of block, drop_newest, drop_oldest", c.Edge.Backpressure)
	}
	if c.Edge.HistorySize < 0 {
		return errors.New("edge.history_size must be >= 0")
	}
	if c.Edge.LivenessSecs <= 0 {
		return errors.New("edge.liveness_secs must be > 0")
	}
	if c.Edge.MaxPayloadBytes < 0 {
		return errors.New("edge.max_payload_bytes must be >= 0")
	}

	if c.Worker.InitTimeoutSecs <= 0 {
		return errors.New("worker.init_timeout_secs must be > 0")
	}
	if c.Worker.CleanupDeadlineSecs <= 0 {
		return errors.New("worker.cleanup_deadline_secs must be > 0")
	}
	if c.Worker.MaxWorkers < 1 || c.Worker.MaxWorkers > maxWorkersHardCap {
		return fmt.Errorf("worker.max_workers must be 1..%d", maxWorkersHardCap)
	}
	if c.Worker.RespawnPerMinute <= 0 {
		return errors.New("worker.respawn_per_minute must be > 0")
	}

	if strings.TrimSpace(c.Metrics.Path) == "" {
		return errors.New("metrics.path is required")
	}

	return nil
}

// EdgeConfig translates the configured edge defaults into internal/channel's
// Config shape, ready to pass to graph.Compile.
func (c Config) EdgeConfig() channel.Config {
	return channel.Config{
		Capacity:        c.Edge.Capacity,
		Backpressure:    channel.Policy(c.Edge.Backpressure),
		HistorySize:     c.Edge.HistorySize,
		LivenessTimeout: time.Duration(c.Edge.LivenessSecs) * time.Second,
		MaxPayloadSize:  c.Edge.MaxPayloadBytes,
	}
}

// Load reads and validates a JSON config file, starting from Default() so
// fields the file omits keep their defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates cfg and writes it to path as indented JSON.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
