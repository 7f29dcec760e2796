// Package config handles device client configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all device client configuration.
type Config struct {
	// Connection
	APIURL string // Base URL of the fleet API, e.g. https://api.zuri.example/api/v2

	// Identity
	DeviceID   string // Overrides the derived device id when set
	DeviceName string // Defaults to "Zuri Device <id>"
	Firmware   string // Defaults to the client version

	// Local state: device id file, content cache, bbolt index
	StateDir string

	// Behavior
	HeartbeatInterval time.Duration // How often to send heartbeats
	BatteryInterval   time.Duration // How often the simulated battery drains
	RegisterRetry     time.Duration // Wait between failed registrations
	WiFiSSID          string        // Reported with every heartbeat when set
	LiveChannel       bool          // Keep a WebSocket open for pushed commands
	LogLevel          string        // Logging level (debug, info, warn, error)
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		StateDir:          "/var/lib/zuri",
		HeartbeatInterval: 30 * time.Second,
		BatteryInterval:   5 * time.Minute,
		RegisterRetry:     30 * time.Second,
		LiveChannel:       true,
		LogLevel:          "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	cfg.APIURL = strings.TrimRight(os.Getenv("ZURI_API_URL"), "/")
	if cfg.APIURL == "" {
		return nil, errors.New("ZURI_API_URL is required")
	}

	// Optional
	cfg.DeviceID = os.Getenv("ZURI_DEVICE_ID")
	cfg.DeviceName = os.Getenv("ZURI_DEVICE_NAME")
	cfg.WiFiSSID = os.Getenv("ZURI_WIFI_SSID")

	if fw := os.Getenv("ZURI_FIRMWARE_VERSION"); fw != "" {
		cfg.Firmware = fw
	}
	if dir := os.Getenv("ZURI_STATE_DIR"); dir != "" {
		cfg.StateDir = dir
	}

	if interval := os.Getenv("ZURI_HEARTBEAT_INTERVAL"); interval != "" {
		seconds, err := strconv.Atoi(interval)
		if err != nil {
			return nil, errors.New("ZURI_HEARTBEAT_INTERVAL must be a number (seconds)")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}

	if v := os.Getenv("ZURI_BATTERY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("ZURI_BATTERY_INTERVAL: %w", err)
		}
		cfg.BatteryInterval = d
	}

	if v := os.Getenv("ZURI_LIVE_CHANNEL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("ZURI_LIVE_CHANNEL: %w", err)
		}
		cfg.LiveChannel = b
	}

	if level := os.Getenv("ZURI_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("API URL is required")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("API URL %q must be http(s)", c.APIURL)
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.StateDir == "" {
		return errors.New("state directory is required")
	}
	return nil
}

// LiveURL returns the WebSocket URL of the device's live channel.
func (c *Config) LiveURL(deviceID string) string {
	base := c.APIURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws/device/" + url.PathEscape(deviceID)
}
