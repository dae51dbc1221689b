// Copyright 2025 Certen Protocol
//
// Operational configuration for a validator process.
// Per-process settings (keys, data directory, listen addresses) are read
// from the environment; protocol-wide parameters shared by the whole
// committee live in ProtocolConfig (protocol_config.go) and are loaded from
// YAML so they can be distributed out of band and kept identical across
// validators.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the operational configuration for a single validator process.
type Config struct {
	// Identity
	ValidatorID    string
	Ed25519KeyPath string // legacy single-sig identity, retained for tooling
	BLSKeyPath     string // BLS12-381 signing key used for votes/blocks
	DataDir        string

	// Server configuration
	ListenAddr  string
	MetricsAddr string
	HealthAddr  string

	// Storage: primary transactional KV store (blocks/QCs/pool/substates/state-tree)
	KVDriver string // "badger" | "goleveldb" | "memdb"
	KVDir    string

	// Storage: secondary Postgres archive of finalized transactions
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds
	DatabaseRequired    bool

	// Networking (peer messaging / gossip, driven by an external transport;
	// these are just the local bind points the transport is configured with)
	P2PListenAddr string
	NetworkName   string

	// Protocol config file (shard ranges, pacemaker timing, quorum rules)
	ProtocolConfigPath string

	LogLevel string
}

// Load reads configuration from environment variables. Call Validate() after
// Load() before starting the service.
func Load() (*Config, error) {
	cfg := &Config{
		ValidatorID:    getEnv("VALIDATOR_ID", ""),
		Ed25519KeyPath: getEnv("ED25519_KEY_PATH", ""),
		BLSKeyPath:     getEnv("BLS_KEY_PATH", ""),
		DataDir:        getEnv("DATA_DIR", "./data"),

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),
		HealthAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("HEALTH_CHECK_PORT", "8081"),

		KVDriver: getEnv("KV_DRIVER", "badger"),
		KVDir:    getEnv("KV_DIR", "./data/store"),

		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),
		DatabaseRequired:    getEnvBool("DATABASE_REQUIRED", false),

		P2PListenAddr: getEnv("P2P_LISTEN_ADDR", "0.0.0.0:26656"),
		NetworkName:   getEnv("NETWORK_NAME", "devnet"),

		ProtocolConfigPath: getEnv("PROTOCOL_CONFIG_PATH", "./protocol.yaml"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that the configuration required to run a validator is present.
func (c *Config) Validate() error {
	var problems []string

	if c.ValidatorID == "" {
		problems = append(problems, "VALIDATOR_ID is required but not set")
	}
	if c.BLSKeyPath == "" {
		problems = append(problems, "BLS_KEY_PATH is required but not set")
	}
	if c.DatabaseRequired && c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required but not set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
