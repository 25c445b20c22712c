// Package config holds the on-disk TOML configuration for a rhizome node:
// the payload store's space limits, the packet-radio link's framing and
// error-model parameters, and the control/telemetry surfaces.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Duration wraps time.Duration to support TOML string unmarshaling (e.g. "3s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the full node configuration.
type Config struct {
	Moniker string `toml:"moniker"`

	Store     StoreConfig     `toml:"store"`
	Link      LinkConfig      `toml:"link"`
	RPC       RPCConfig       `toml:"rpc"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// StoreConfig holds the rhizome payload store's space and cache limits.
type StoreConfig struct {
	DBPath         string   `toml:"db_path"`
	DatabaseSizeMB uint64   `toml:"database_size_mb"`
	MinFreeSpaceMB uint64   `toml:"min_free_space_mb"`
	ReaderCacheTTL Duration `toml:"reader_cache_ttl"`
}

// LinkConfig holds packet-radio link layer parameters.
type LinkConfig struct {
	Device        string  `toml:"device"`
	BaudRate      int     `toml:"baud_rate"`
	CharsPerMS    float64 `toml:"chars_per_ms"`
	HeartbeatIdle Duration `toml:"heartbeat_idle"`
}

// RPCConfig holds the control-surface HTTP listener address.
type RPCConfig struct {
	HTTPAddr string `toml:"http_addr"`
}

// TelemetryConfig holds observability parameters.
type TelemetryConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Moniker: "rhizome-node",
		Store: StoreConfig{
			DBPath:         "data",
			DatabaseSizeMB: 1024,
			MinFreeSpaceMB: 100,
			ReaderCacheTTL: Duration{5 * time.Minute},
		},
		Link: LinkConfig{
			Device:        "/dev/ttyUSB0",
			BaudRate:      38400,
			CharsPerMS:    3.84, // 38400 baud / 10 bits-per-char / 1000
			HeartbeatIdle: Duration{time.Second},
		},
		RPC: RPCConfig{
			HTTPAddr: "127.0.0.1:4110",
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			Addr:    "0.0.0.0:4111",
		},
	}
}

// Validate checks config for invalid values.
func (c *Config) Validate() error {
	if c.Moniker == "" {
		return errors.New("config: moniker must not be empty")
	}

	if c.Store.DBPath == "" {
		return errors.New("config: store.db_path must not be empty")
	}
	if c.Store.DatabaseSizeMB == 0 {
		return errors.New("config: store.database_size_mb must be > 0")
	}

	if c.Link.BaudRate <= 0 {
		return errors.New("config: link.baud_rate must be > 0")
	}
	if c.Link.CharsPerMS <= 0 {
		return errors.New("config: link.chars_per_ms must be > 0")
	}

	if c.RPC.HTTPAddr == "" {
		return errors.New("config: rpc.http_addr must not be empty")
	}

	if c.Telemetry.Enabled && c.Telemetry.Addr == "" {
		return fmt.Errorf("config: telemetry.addr must not be empty when telemetry.enabled")
	}

	return nil
}
