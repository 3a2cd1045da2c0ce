// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a meshq node.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Member    MemberConfig    `yaml:"member"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	DHT       DHTConfig       `yaml:"dht"`
	Transport TransportConfig `yaml:"transport"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	ID       string   `yaml:"id"`
	Services []string `yaml:"services"` // e.g. service_message_broker
}

// ServerConfig holds auxiliary HTTP server settings.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP metrics endpoint
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesAddr      string  `yaml:"otel_traces_addr"` // OTLP traces endpoint
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
	OtelInsecure        bool    `yaml:"otel_insecure"`          // plaintext gRPC to the collectors
}

// BrokerConfig holds message broker settings.
type BrokerConfig struct {
	Enabled bool `yaml:"enabled"`

	// Number of broker positions per customer (primary, secondary, third...).
	RequiredBrokers int `yaml:"required_brokers"`

	// How often a connected keeper rewrites its DHT record.
	DHTRefreshInterval time.Duration `yaml:"dht_refresh_interval"`

	// Base timeout for broker-to-broker negotiation, scaled by target position.
	NegotiateTimeout time.Duration `yaml:"negotiate_timeout"`

	// Brokers asked first when a replacement must be hired.
	PreferredBrokers []string `yaml:"preferred_brokers"`

	// Maximum messages returned by a single catch-up read.
	MaxCatchupMessages int `yaml:"max_catchup_messages"`

	// Consecutive failed delivery rounds before a consumer is deactivated.
	MaxMissedRounds int `yaml:"max_missed_rounds"`

	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// MemberConfig holds client-side group membership settings.
type MemberConfig struct {
	Groups               []GroupConfig `yaml:"groups"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 = unlimited
}

// GroupConfig describes a group to join at startup.
type GroupConfig struct {
	KeyFile string `yaml:"key_file"`
	Alias   string `yaml:"alias"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds stream storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir  string `yaml:"badger_dir"`
	SyncWrites bool   `yaml:"sync_writes"`

	// Payloads at or above this size are zstd-compressed. 0 disables compression.
	CompressThreshold int `yaml:"compress_threshold"`
}

// DHTConfig holds the broker record store configuration.
type DHTConfig struct {
	Type        string        `yaml:"type"` // memory, etcd
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	RecordTTL   time.Duration `yaml:"record_ttl"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	// Embedded etcd settings, used when Embedded.Enabled is set.
	Embedded EtcdConfig `yaml:"embedded"`
}

// EtcdConfig holds embedded etcd configuration.
type EtcdConfig struct {
	Enabled        bool   `yaml:"enabled"`
	DataDir        string `yaml:"data_dir"`
	BindAddr       string `yaml:"bind_addr"`       // Peer address (e.g., "0.0.0.0:2380")
	ClientAddr     string `yaml:"client_addr"`     // Client address (e.g., "0.0.0.0:2379")
	InitialCluster string `yaml:"initial_cluster"` // "node1=http://host1:2380,node2=http://host2:2380"
	Bootstrap      bool   `yaml:"bootstrap"`       // true only for first node
}

// TransportConfig holds peer-to-peer transport configuration.
type TransportConfig struct {
	BindAddr       string               `yaml:"bind_addr"`
	AdvertiseAddr  string               `yaml:"advertise_addr"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RateLimitConfig holds per-peer request rate limiting.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // requests per second per peer
	Burst           int           `yaml:"burst"`
	PushRate        float64       `yaml:"push_rate"` // pushes per second per producer, 0 = unlimited
	PushBurst       int           `yaml:"push_burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       "node-1",
			Services: []string{"service_message_broker"},
		},
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "meshq",
			OtelServiceVersion:  "1.0.0",
			OtelTracesAddr:      "localhost:4317",
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
			OtelInsecure:        true,
		},
		Broker: BrokerConfig{
			Enabled:            true,
			RequiredBrokers:    3,
			DHTRefreshInterval: 3 * time.Minute,
			NegotiateTimeout:   15 * time.Second,
			MaxCatchupMessages: 100,
			MaxMissedRounds:    10,
			DeliveryTimeout:    15 * time.Second,
		},
		Member: MemberConfig{
			ReconnectDelay:       5 * time.Second,
			MaxReconnectAttempts: 0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:              "badger",
			BadgerDir:         "/tmp/meshq/data",
			CompressThreshold: 4096,
		},
		DHT: DHTConfig{
			Type:        "etcd",
			Endpoints:   []string{"localhost:2379"},
			DialTimeout: 5 * time.Second,
			RecordTTL:   time.Hour,
			CacheTTL:    30 * time.Second,
			Embedded: EtcdConfig{
				Enabled:        true,
				DataDir:        "/tmp/meshq/etcd",
				BindAddr:       "0.0.0.0:2380",
				ClientAddr:     "0.0.0.0:2379",
				InitialCluster: "node-1=http://0.0.0.0:2380",
				Bootstrap:      true,
			},
		},
		Transport: TransportConfig{
			BindAddr:       "0.0.0.0:7948",
			AdvertiseAddr:  "http://localhost:7948",
			RequestTimeout: 15 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
			RateLimit: RateLimitConfig{
				Enabled:         true,
				Rate:            100,
				Burst:           200,
				PushRate:        1000,
				PushBurst:       100,
				CleanupInterval: 5 * time.Minute,
			},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}

	if c.Broker.Enabled {
		if c.Broker.RequiredBrokers < 1 {
			return fmt.Errorf("broker.required_brokers must be at least 1")
		}
		if c.Broker.DHTRefreshInterval < time.Second {
			return fmt.Errorf("broker.dht_refresh_interval must be at least 1 second")
		}
		if c.Broker.NegotiateTimeout <= 0 {
			return fmt.Errorf("broker.negotiate_timeout must be positive")
		}
		if c.Broker.MaxCatchupMessages < 1 {
			return fmt.Errorf("broker.max_catchup_messages must be at least 1")
		}
		if c.Broker.MaxMissedRounds < 0 {
			return fmt.Errorf("broker.max_missed_rounds cannot be negative")
		}
	}

	if c.Member.MaxReconnectAttempts < 0 {
		return fmt.Errorf("member.max_reconnect_attempts cannot be negative")
	}
	for i, g := range c.Member.Groups {
		if g.KeyFile == "" {
			return fmt.Errorf("member.groups[%d].key_file cannot be empty", i)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	if c.Storage.CompressThreshold < 0 {
		return fmt.Errorf("storage.compress_threshold cannot be negative")
	}

	validDHT := map[string]bool{"memory": true, "etcd": true}
	if !validDHT[c.DHT.Type] {
		return fmt.Errorf("dht.type must be one of: memory, etcd")
	}
	if c.DHT.Type == "etcd" {
		if len(c.DHT.Endpoints) == 0 && !c.DHT.Embedded.Enabled {
			return fmt.Errorf("dht.endpoints required when embedded etcd is disabled")
		}
		if c.DHT.Embedded.Enabled {
			if c.DHT.Embedded.DataDir == "" {
				return fmt.Errorf("dht.embedded.data_dir required when embedded etcd is enabled")
			}
			if c.DHT.Embedded.BindAddr == "" {
				return fmt.Errorf("dht.embedded.bind_addr required when embedded etcd is enabled")
			}
			if c.DHT.Embedded.ClientAddr == "" {
				return fmt.Errorf("dht.embedded.client_addr required when embedded etcd is enabled")
			}
		}
	}
	if c.DHT.RecordTTL < time.Second {
		return fmt.Errorf("dht.record_ttl must be at least 1 second")
	}

	if c.Transport.BindAddr == "" {
		return fmt.Errorf("transport.bind_addr cannot be empty")
	}
	if c.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport.request_timeout must be positive")
	}
	if c.Transport.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("transport.circuit_breaker.failure_threshold must be at least 1")
	}
	if c.Transport.RateLimit.Enabled {
		if c.Transport.RateLimit.Rate <= 0 {
			return fmt.Errorf("transport.rate_limit.rate must be positive")
		}
		if c.Transport.RateLimit.Burst < 1 {
			return fmt.Errorf("transport.rate_limit.burst must be at least 1")
		}
		if c.Transport.RateLimit.PushRate > 0 && c.Transport.RateLimit.PushBurst < 1 {
			return fmt.Errorf("transport.rate_limit.push_burst must be at least 1")
		}
	}

	// OpenTelemetry validation
	if c.Server.MetricsEnabled || c.Server.OtelTracesEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when telemetry is enabled")
		}
	}
	if c.Server.MetricsEnabled && c.Server.MetricsAddr == "" {
		return fmt.Errorf("server.metrics_addr cannot be empty when metrics enabled")
	}
	if c.Server.OtelTracesEnabled {
		if c.Server.OtelTracesAddr == "" {
			return fmt.Errorf("server.otel_traces_addr cannot be empty when traces enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
