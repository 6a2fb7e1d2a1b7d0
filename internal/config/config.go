// Package config loads runtime configuration from environment variables
// (optionally seeded from a .env file via joho/godotenv) and CLI flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the edge runtime root process.
type Config struct {
	Port             int
	HubURL           string
	SkipHub          bool
	LogLevel         string
	RuntimeID        string
	DataDir          string
	DatabaseURL      string
	DockerHost       string
	DockerNetwork    string
	SignalBrokerAddr string
	SignalSchemaPath string

	HeartbeatInterval  time.Duration
	MonitorInterval    time.Duration
	HubReconnectMin    time.Duration
	HubReconnectMax    time.Duration
	VaultKeyBase64     string
	VaultOldKeysBase64 []string
}

// Load reads a .env file (if present) into the process environment, then
// builds a Config from environment variables, applying a built-in default
// for each unset variable. cmd/runtime/main.go overrides fields only for
// CLI flags that are explicitly set.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: loading env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		HubURL:           os.Getenv("HUB_URL"),
		SkipHub:          envBool("SKIP_HUB", false),
		LogLevel:         envString("LOG_LEVEL", "info"),
		RuntimeID:        os.Getenv("RUNTIME_ID"),
		DataDir:          envString("DATA_DIR", "/var/lib/edgeruntime"),
		DatabaseURL:      envString("DATABASE_URL", "sqlite:///var/lib/edgeruntime/edgeruntime.db"),
		DockerHost:       os.Getenv("DOCKER_HOST"),
		DockerNetwork:    envString("EDGE_RUNTIME_DOCKER_NETWORK", "edgeruntime"),
		SignalBrokerAddr: os.Getenv("SIGNAL_BROKER_ADDR"),
		SignalSchemaPath: os.Getenv("SIGNAL_SCHEMA_PATH"),

		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		MonitorInterval:   envDuration("MONITOR_INTERVAL", 30*time.Second),
		HubReconnectMin:   envDuration("HUB_RECONNECT_MIN", 1*time.Second),
		HubReconnectMax:   envDuration("HUB_RECONNECT_MAX", 60*time.Second),

		VaultKeyBase64: os.Getenv("VAULT_ENCRYPTION_KEY"),
	}

	if cfg.RuntimeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "edge-runtime"
		}
		cfg.RuntimeID = host
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out int
	if _, err := fmt.Sscanf(v, "%d", &out); err != nil {
		return def
	}
	return out
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	switch v {
	case "1", "true", "TRUE", "True":
		return true
	case "0", "false", "FALSE", "False":
		return false
	default:
		return def
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
