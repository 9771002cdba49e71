// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package config provides configuration management for Flux.
//
// Configuration is loaded in three layers with Koanf v2:
//  1. Built-in defaults (structs provider)
//  2. Optional YAML config file (FLUX_CONFIG_PATH or ./flux.yaml)
//  3. FLUX_* environment variables (highest priority)
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "FLUX_CONFIG_PATH"

// defaultConfigPaths lists where a config file is searched, in order.
var defaultConfigPaths = []string{
	"flux.yaml",
	"flux.yml",
	"/etc/flux/flux.yaml",
}

// Config is the startup-time configuration tree.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	NATS      NATSConfig      `koanf:"nats"`
	Snapshots SnapshotConfig  `koanf:"snapshots"`
	Auth      AuthConfig      `koanf:"auth"`
	Runtime   RuntimeConfig   `koanf:"runtime"`
	Store     StoreConfig     `koanf:"store"`
	Connector ConnectorConfig `koanf:"connector"`
	Sources   SourcesConfig   `koanf:"sources"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// APIURL is the externally reachable base URL of this instance.
	// Connectors and source supervisors publish through it (loopback).
	APIURL string `koanf:"api_url"`
}

// NATSConfig configures the durable event log endpoint.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`

	StreamName      string        `koanf:"stream_name"`
	StreamMaxAge    time.Duration `koanf:"stream_max_age"`
	StreamMaxBytes  int64         `koanf:"stream_max_bytes"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`
}

// SnapshotConfig configures periodic state snapshots.
type SnapshotConfig struct {
	Dir             string `koanf:"dir"`
	IntervalMinutes int    `koanf:"interval_minutes"`
	KeepCount       int    `koanf:"keep_count"`
}

// AuthConfig configures namespace authorization and admin access.
type AuthConfig struct {
	Enabled    bool   `koanf:"enabled"`
	AdminToken string `koanf:"admin_token"`
}

// StoreConfig configures the relational system-of-record database.
type StoreConfig struct {
	// CredentialsDB is the DuckDB file holding credentials, namespaces,
	// and source definitions.
	CredentialsDB string `koanf:"credentials_db"`

	// EncryptionKey is the base64-encoded 32-byte master key. Required
	// whenever the credential store is used.
	EncryptionKey string `koanf:"encryption_key"`
}

// ConnectorConfig configures the connector scheduler and discovery loop.
type ConnectorConfig struct {
	Enabled           bool          `koanf:"enabled"`
	DiscoveryInterval time.Duration `koanf:"discovery_interval"`
}

// SourcesConfig configures the generic/named source supervisors.
type SourcesConfig struct {
	Enabled bool `koanf:"enabled"`

	// TmpDir is where rendered source configs, catalogs, and state live.
	TmpDir string `koanf:"tmp_dir"`

	// GenericEngineBin is the external HTTP-polling engine binary.
	GenericEngineBin string `koanf:"generic_engine_bin"`

	// TapInstaller installs missing extractor binaries (e.g. "pipx").
	TapInstaller string `koanf:"tap_installer"`

	// MaxBatchDelete caps batch entity deletions.
	MaxBatchDelete int `koanf:"max_batch_delete"`
}

// LoggingConfig mirrors logging.Config for koanf loading.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaultConfig returns a Config with production-safe defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 30 * time.Second,
			APIURL:  "http://127.0.0.1:8080",
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			Embedded:        false,
			StoreDir:        "/data/nats/jetstream",
			StreamName:      "FLUX_EVENTS",
			StreamMaxAge:    7 * 24 * time.Hour,
			StreamMaxBytes:  10 << 30, // 10GB
			DuplicateWindow: 2 * time.Minute,
		},
		Snapshots: SnapshotConfig{
			Dir:             "/data/snapshots",
			IntervalMinutes: 5,
			KeepCount:       5,
		},
		Auth: AuthConfig{
			Enabled:    true,
			AdminToken: "",
		},
		Runtime: DefaultRuntimeConfig(),
		Store: StoreConfig{
			CredentialsDB: "/data/flux.duckdb",
			EncryptionKey: "",
		},
		Connector: ConnectorConfig{
			Enabled:           true,
			DiscoveryInterval: 60 * time.Second,
		},
		Sources: SourcesConfig{
			Enabled:          false,
			TmpDir:           os.TempDir(),
			GenericEngineBin: "flux-poll-engine",
			TapInstaller:     "pipx",
			MaxBatchDelete:   1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envKeyMap maps environment variables to koanf paths. Explicit mapping
// avoids ambiguity between underscores in names and config nesting.
var envKeyMap = map[string]string{
	"FLUX_HOST":    "server.host",
	"FLUX_PORT":    "server.port",
	"FLUX_API_URL": "server.api_url",

	"NATS_URL":              "nats.url",
	"FLUX_NATS_URL":         "nats.url",
	"FLUX_NATS_EMBEDDED":    "nats.embedded",
	"FLUX_NATS_STORE_DIR":   "nats.store_dir",
	"FLUX_STREAM_NAME":      "nats.stream_name",
	"FLUX_STREAM_MAX_AGE":   "nats.stream_max_age",
	"FLUX_STREAM_MAX_BYTES": "nats.stream_max_bytes",

	"FLUX_SNAPSHOT_DIR":              "snapshots.dir",
	"FLUX_SNAPSHOT_INTERVAL_MINUTES": "snapshots.interval_minutes",
	"FLUX_SNAPSHOT_KEEP_COUNT":       "snapshots.keep_count",

	"FLUX_AUTH_ENABLED": "auth.enabled",
	"FLUX_ADMIN_TOKEN":  "auth.admin_token",

	"FLUX_RATE_LIMIT_ENABLED":                  "runtime.rate_limit_enabled",
	"FLUX_RATE_LIMIT_PER_NAMESPACE_PER_MINUTE": "runtime.rate_limit_per_namespace_per_minute",
	"FLUX_BODY_SIZE_LIMIT_SINGLE":              "runtime.body_size_limit_single",
	"FLUX_BODY_SIZE_LIMIT_BATCH":               "runtime.body_size_limit_batch",

	"FLUX_CREDENTIALS_DB": "store.credentials_db",
	"FLUX_ENCRYPTION_KEY": "store.encryption_key",

	"FLUX_CONNECTORS_ENABLED": "connector.enabled",
	"FLUX_DISCOVERY_INTERVAL": "connector.discovery_interval",
	"FLUX_SOURCES_ENABLED":    "sources.enabled",
	"FLUX_SOURCES_TMP_DIR":    "sources.tmp_dir",
	"FLUX_GENERIC_ENGINE_BIN": "sources.generic_engine_bin",
	"FLUX_TAP_INSTALLER":      "sources.tap_installer",
	"FLUX_MAX_BATCH_DELETE":   "sources.max_batch_delete",

	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in ascending priority.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("", ".", func(key string) string {
		return envKeyMap[key] // unknown vars map to "" and are dropped
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if c.Snapshots.KeepCount < 1 {
		return fmt.Errorf("snapshots.keep_count must be at least 1")
	}
	if c.Runtime.RateLimitPerNamespacePerMinute < 1 {
		return fmt.Errorf("runtime.rate_limit_per_namespace_per_minute must be at least 1")
	}
	return nil
}
