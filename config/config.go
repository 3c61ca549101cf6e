// Package config models the engine's configuration surface (spec §6.4):
// bounded, defaulted options plus power-mode presets that set the
// discovery cadence (scan interval). There is no separate scan
// duty-cycle setting.
package config

import (
	"fmt"
	"time"
)

// PowerMode selects a scan cadence preset.
type PowerMode string

const (
	PowerAggressive PowerMode = "aggressive"
	PowerBalanced   PowerMode = "balanced"
	PowerSaver      PowerMode = "saver"
)

// Config is the full configuration surface for the engine.
type Config struct {
	MaxPeers                   int
	MaxDiscoveredPeers         int
	ScanInterval               time.Duration
	MinRSSI                    int
	ServiceDiscoveryDelay      time.Duration
	ConnectionTimeout          time.Duration
	ConnectRateLimit           time.Duration
	ConnectJitter              time.Duration
	MaxFailuresBeforeBlacklist int
	PowerMode                  PowerMode
	EnableCentral              bool
	EnablePeripheral           bool
	DeviceName                 string

	// ShutdownTimeout bounds how long Stop waits for in-flight work to
	// drain before force-cleaning (§4.8).
	ShutdownTimeout time.Duration

	// ReassemblyTimeout and MaxInflightBytes govern the reassembly
	// buffer (§4.2).
	ReassemblyTimeout time.Duration
	MaxInflightBytes  int

	// CleanupInterval is the cadence of the cleanup sweep (§4.8).
	CleanupInterval time.Duration

	// StalePeerInterval drops Discovered peers with no activity for
	// this long (§12 supplemented feature).
	StalePeerInterval time.Duration
}

// Default returns the configuration with every default from §6.4 applied.
func Default() Config {
	return Config{
		MaxPeers:                   7,
		MaxDiscoveredPeers:         100,
		ScanInterval:               5 * time.Second,
		MinRSSI:                    -85,
		ServiceDiscoveryDelay:      1500 * time.Millisecond,
		ConnectionTimeout:          30 * time.Second,
		ConnectRateLimit:           5 * time.Second,
		ConnectJitter:              0,
		MaxFailuresBeforeBlacklist: 3,
		PowerMode:                  PowerBalanced,
		EnableCentral:              true,
		EnablePeripheral:           true,
		DeviceName:                 "",
		ShutdownTimeout:            10 * time.Second,
		ReassemblyTimeout:          30 * time.Second,
		MaxInflightBytes:           64 * 1024,
		CleanupInterval:            30 * time.Second,
		StalePeerInterval:          120 * time.Second,
	}
}

// WithPowerMode applies the named power-mode preset on top of the
// receiver and returns the result. Presets only set ScanInterval (and
// record PowerMode); everything else is left as the caller configured it.
func (c Config) WithPowerMode(mode PowerMode) Config {
	switch mode {
	case PowerAggressive:
		c.ScanInterval = 1 * time.Second
	case PowerSaver:
		c.ScanInterval = 30 * time.Second
	case PowerBalanced, "":
		c.ScanInterval = 5 * time.Second
	}
	c.PowerMode = mode
	return c
}

// Validate checks every bound from §6.4 and returns the first violation.
func (c Config) Validate() error {
	if c.MaxPeers < 1 || c.MaxPeers > 10 {
		return fmt.Errorf("config: max_peers must be 1-10, got %d", c.MaxPeers)
	}
	if c.MaxDiscoveredPeers < 10 || c.MaxDiscoveredPeers > 500 {
		return fmt.Errorf("config: max_discovered_peers must be 10-500, got %d", c.MaxDiscoveredPeers)
	}
	if c.ScanInterval < time.Second || c.ScanInterval > 60*time.Second {
		return fmt.Errorf("config: scan_interval must be 1-60s, got %s", c.ScanInterval)
	}
	if c.MinRSSI < -100 || c.MinRSSI > -30 {
		return fmt.Errorf("config: min_rssi must be -100..-30, got %d", c.MinRSSI)
	}
	if c.ServiceDiscoveryDelay < 500*time.Millisecond || c.ServiceDiscoveryDelay > 5*time.Second {
		return fmt.Errorf("config: service_discovery_delay must be 0.5-5s, got %s", c.ServiceDiscoveryDelay)
	}
	if c.ConnectionTimeout < 10*time.Second || c.ConnectionTimeout > 120*time.Second {
		return fmt.Errorf("config: connection_timeout must be 10-120s, got %s", c.ConnectionTimeout)
	}
	if c.MaxFailuresBeforeBlacklist < 1 {
		return fmt.Errorf("config: max_failures_before_blacklist must be >= 1, got %d", c.MaxFailuresBeforeBlacklist)
	}
	if c.ConnectJitter < 0 || c.ConnectJitter > 250*time.Millisecond {
		return fmt.Errorf("config: connect_jitter must be 0-250ms, got %s", c.ConnectJitter)
	}
	switch c.PowerMode {
	case PowerAggressive, PowerBalanced, PowerSaver:
	default:
		return fmt.Errorf("config: unknown power_mode %q", c.PowerMode)
	}
	if len(c.DeviceName) > 8 {
		return fmt.Errorf("config: device_name must be <= 8 bytes to fit the advertisement budget, got %d", len(c.DeviceName))
	}
	if !c.EnableCentral && !c.EnablePeripheral {
		return fmt.Errorf("config: at least one of enable_central/enable_peripheral must be true")
	}
	return nil
}
