// Package config loads the outer client's configuration for the relay
// core: relay URL, project id, storage backend, and the ambient
// logging/metrics toggles. Per spec §6, the core consumes no environment
// variables for this configuration — all of it is passed in by the
// embedding client. The one environment variable read anywhere is
// RELAY_LOG_LEVEL, by internal/logger's default logger.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object for a relay-core client.
type Config struct {
	Environment string         `yaml:"environment" json:"environment"`
	Relay       *RelayConfig   `yaml:"relay" json:"relay"`
	Storage     *StorageConfig `yaml:"storage" json:"storage"`
	Logging     *LoggingConfig `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig `yaml:"metrics" json:"metrics"`
}

// RelayConfig describes the WebSocket relay endpoint and protocol
// parameters a Relayer is constructed with.
type RelayConfig struct {
	URL            string        `yaml:"url" json:"url"`
	ProjectID      string        `yaml:"project_id" json:"project_id"`
	Protocol       string        `yaml:"protocol" json:"protocol"`
	DialTimeout    time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	PublishTTL     time.Duration `yaml:"publish_ttl" json:"publish_ttl"`
	DedupWindow    time.Duration `yaml:"dedup_window" json:"dedup_window"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// StorageConfig selects and configures the durable key-value backend used
// by Store, Keychain, and Expirer.
type StorageConfig struct {
	Type         string `yaml:"type" json:"type"` // "memory" | "postgres"
	DSN          string `yaml:"dsn" json:"dsn"`
	ContextKey   string `yaml:"context_key" json:"context_key"`
}

// LoggingConfig configures the internal/logger output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Output string `yaml:"output" json:"output"` // "stdout" | "stderr" | path
}

// MetricsConfig toggles Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// LoadFromFile reads a YAML (or JSON, as a fallback) config file and fills
// in defaults for anything left unset.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile writes cfg back to path, in YAML unless the extension is
// ".json".
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if len(path) > 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}

	if cfg.Relay == nil {
		cfg.Relay = &RelayConfig{}
	}
	if cfg.Relay.Protocol == "" {
		cfg.Relay.Protocol = "iridium"
	}
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = 60 * time.Second
	}
	if cfg.Relay.PublishTTL == 0 {
		cfg.Relay.PublishTTL = 6 * time.Hour
	}
	if cfg.Relay.DedupWindow == 0 {
		cfg.Relay.DedupWindow = 5 * time.Minute
	}
	if cfg.Relay.RequestTimeout == 0 {
		cfg.Relay.RequestTimeout = 30 * time.Second
	}

	if cfg.Storage == nil {
		cfg.Storage = &StorageConfig{}
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "memory"
	}
	if cfg.Storage.ContextKey == "" {
		cfg.Storage.ContextKey = "walletconnect"
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
}
