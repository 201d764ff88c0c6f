// Package config handles loading and validating the proxy's configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the recording proxy.
type Config struct {
	Server     ServerConfig              `koanf:"server"`
	Providers  map[string]ProviderConfig `koanf:"providers"`
	RingBuffer RingBufferConfig          `koanf:"ring_buffer"`
	HotPath    HotPathConfig             `koanf:"hot_path"`
	Reassembly ReassemblyConfig          `koanf:"reassembly"`
	EventStore EventStoreConfig          `koanf:"event_store"`
	Routing    RoutingConfig             `koanf:"routing"`
	Privacy    PrivacyConfig             `koanf:"privacy"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ProviderConfig holds the settings the forwarder needs to reach one
// upstream LLM provider.
type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Region  string `koanf:"region"` // bedrock only
}

// RingBufferConfig sizes the hot-path/audit-path handoff, per spec.md §4.1.
type RingBufferConfig struct {
	SlotCount        int `koanf:"slot_count"`
	SlotPayloadBytes int `koanf:"slot_payload_bytes"`
}

// HotPathConfig bounds the forwarder's admission control and per-request
// budgets, per spec.md §4.2.
type HotPathConfig struct {
	MaxInflight     int           `koanf:"max_inflight"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	HeaderByteLimit int           `koanf:"header_byte_limit"`
}

// ReassemblyConfig bounds the Body Reassembler, per spec.md §4.5.
type ReassemblyConfig struct {
	MaxBodyBytes uint64        `koanf:"max_body_bytes"`
	TTL          time.Duration `koanf:"ttl"`
}

// EventStoreConfig configures the Event Store's persistence, per spec.md §4.7.
type EventStoreConfig struct {
	Path                    string `koanf:"path"`
	BatchSize               int    `koanf:"batch_size"`
	FsyncPolicy             string `koanf:"fsync_policy"`
	CompressThresholdBytes  int    `koanf:"compress_threshold_bytes"`
}

// RoutingConfig toggles Stream Router behaviors, per spec.md §4.8.
type RoutingConfig struct {
	SessionStreamEnabled bool `koanf:"session_stream_enabled"`
}

// PrivacyConfig controls default recording behavior and redaction, per
// spec.md §6.
type PrivacyConfig struct {
	DefaultRecord    bool     `koanf:"default_record"`
	PiiRedactionRules []string `koanf:"pii_redaction_rules"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "UNIONSQ_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   UNIONSQ_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("UNIONSQ_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "UNIONSQ_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys. koanf
	// doesn't do this automatically, so we handle it ourselves using
	// os.Getenv to look up the actual environment variable value.
	for name, p := range cfg.Providers {
		p.APIKey = expandEnvPlaceholder(p.APIKey)
		cfg.Providers[name] = p
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func expandEnvPlaceholder(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// applyDefaults fills in zero-value fields with the defaults documented
// in SPEC_FULL.md §6, so a minimal config.yaml (as in most of the
// teacher's own examples) still produces a runnable proxy.
func applyDefaults(cfg *Config) {
	if cfg.RingBuffer.SlotCount == 0 {
		cfg.RingBuffer.SlotCount = 16384
	}
	if cfg.RingBuffer.SlotPayloadBytes == 0 {
		cfg.RingBuffer.SlotPayloadBytes = 4096
	}
	if cfg.HotPath.MaxInflight == 0 {
		cfg.HotPath.MaxInflight = 512
	}
	if cfg.HotPath.RequestTimeout == 0 {
		cfg.HotPath.RequestTimeout = 30 * time.Second
	}
	if cfg.HotPath.HeaderByteLimit == 0 {
		cfg.HotPath.HeaderByteLimit = 16384
	}
	if cfg.Reassembly.MaxBodyBytes == 0 {
		cfg.Reassembly.MaxBodyBytes = 16 * 1024 * 1024
	}
	if cfg.Reassembly.TTL == 0 {
		cfg.Reassembly.TTL = 60 * time.Second
	}
	if cfg.EventStore.Path == "" {
		cfg.EventStore.Path = "./data/unionsquare.db"
	}
	if cfg.EventStore.BatchSize == 0 {
		cfg.EventStore.BatchSize = 64
	}
	if cfg.EventStore.FsyncPolicy == "" {
		cfg.EventStore.FsyncPolicy = "per_append"
	}
	if cfg.EventStore.CompressThresholdBytes == 0 {
		cfg.EventStore.CompressThresholdBytes = 8192
	}
}
