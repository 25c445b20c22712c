package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LoadFile reads and parses a TOML config file, applies environment variable
// overrides, and validates the result.
// Config precedence: environment variables override the file, which
// overrides the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse TOML: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies RHIZOME_* environment variable overrides.
// Env var format: RHIZOME_<SECTION>_<FIELD> (e.g., RHIZOME_STORE_DB_PATH).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RHIZOME_MONIKER"); v != "" {
		cfg.Moniker = v
	}

	// Store.
	if v := os.Getenv("RHIZOME_STORE_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("RHIZOME_STORE_DATABASE_SIZE_MB"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Store.DatabaseSizeMB = n
		}
	}
	if v := os.Getenv("RHIZOME_STORE_MIN_FREE_SPACE_MB"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Store.MinFreeSpaceMB = n
		}
	}
	if v := os.Getenv("RHIZOME_STORE_READER_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.ReaderCacheTTL = Duration{d}
		}
	}

	// Link.
	if v := os.Getenv("RHIZOME_LINK_DEVICE"); v != "" {
		cfg.Link.Device = v
	}
	if v := os.Getenv("RHIZOME_LINK_BAUD_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Link.BaudRate = n
		}
	}

	// RPC.
	if v := os.Getenv("RHIZOME_RPC_HTTP_ADDR"); v != "" {
		cfg.RPC.HTTPAddr = v
	}

	// Telemetry.
	if v := os.Getenv("RHIZOME_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RHIZOME_TELEMETRY_ADDR"); v != "" {
		cfg.Telemetry.Addr = v
	}
}
