// Package api implements the Zuri fleet HTTP and WebSocket server.
package api

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zuri-labs/zuri/internal/events"
	"gopkg.in/yaml.v3"
)

// Config holds server configuration. Values come from an optional YAML file
// (ZURI_CONFIG_FILE) overlaid by environment variables.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen"`

	// Database
	DatabasePath string `yaml:"db_path"`

	// Data directory for the database and future state
	DataDir string `yaml:"data_dir"`

	// Liveness
	GraceWindow   time.Duration `yaml:"grace_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Bound on a single live push
	PushTimeout time.Duration `yaml:"push_timeout"`

	// Security
	AllowedOrigins []string `yaml:"allowed_origins"` // optional, for WebSocket origin validation
	InternalKey    string   `yaml:"internal_key"`    // enables /internal routes when set

	// Frames buffered per observer connection before updates are dropped
	ObserverBuffer int `yaml:"observer_buffer"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console or json

	// Event bridges, disabled when empty
	MQTT events.MQTTConfig `yaml:"mqtt"`
	NATS events.NATSConfig `yaml:"nats"`

	// Retention; zero keeps rows forever
	CommandRetention  time.Duration `yaml:"command_retention"`
	UsageRetention    time.Duration `yaml:"usage_retention"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":8000",
		DataDir:           "/data",
		GraceWindow:       5 * time.Minute,
		SweepInterval:     5 * time.Minute,
		PushTimeout:       5 * time.Second,
		ObserverBuffer:    64,
		LogLevel:          "info",
		LogFormat:         "console",
		MQTT:              events.MQTTConfig{TopicPrefix: "zuri", ClientID: "zuri-api"},
		NATS:              events.NATSConfig{SubjectPrefix: "zuri"},
		CommandRetention:  30 * 24 * time.Hour,
		RetentionInterval: time.Hour,
	}
}

// LoadConfig loads configuration from the YAML file named by
// ZURI_CONFIG_FILE, if any, and then from environment variables.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("ZURI_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = cfg.DataDir + "/zuri.db"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("ZURI_LISTEN", c.ListenAddr)
	c.DataDir = getEnv("ZURI_DATA_DIR", c.DataDir)
	c.DatabasePath = getEnv("ZURI_DB_PATH", c.DatabasePath)
	c.GraceWindow = parseDuration("ZURI_GRACE_WINDOW", c.GraceWindow)
	c.SweepInterval = parseDuration("ZURI_SWEEP_INTERVAL", c.SweepInterval)
	c.PushTimeout = parseDuration("ZURI_PUSH_TIMEOUT", c.PushTimeout)
	if origins := parseOrigins("ZURI_ALLOWED_ORIGINS"); origins != nil {
		c.AllowedOrigins = origins
	}
	c.InternalKey = getEnv("ZURI_INTERNAL_KEY", c.InternalKey)
	c.ObserverBuffer = parseInt("ZURI_OBSERVER_BUFFER", c.ObserverBuffer)
	c.LogLevel = getEnv("ZURI_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("ZURI_LOG_FORMAT", c.LogFormat)

	c.MQTT.Broker = getEnv("ZURI_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("ZURI_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("ZURI_MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.TopicPrefix = getEnv("ZURI_MQTT_TOPIC_PREFIX", c.MQTT.TopicPrefix)

	c.NATS.URL = getEnv("ZURI_NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("ZURI_NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)

	c.CommandRetention = parseDuration("ZURI_COMMAND_RETENTION", c.CommandRetention)
	c.UsageRetention = parseDuration("ZURI_USAGE_RETENTION", c.UsageRetention)
	c.RetentionInterval = parseDuration("ZURI_RETENTION_INTERVAL", c.RetentionInterval)
}

func (c *Config) validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "listen address is required")
	}
	if c.GraceWindow <= 0 {
		errs = append(errs, "ZURI_GRACE_WINDOW must be positive")
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, "ZURI_SWEEP_INTERVAL must be positive")
	}
	if c.PushTimeout <= 0 {
		errs = append(errs, "ZURI_PUSH_TIMEOUT must be positive")
	}
	if c.ObserverBuffer <= 0 {
		errs = append(errs, "ZURI_OBSERVER_BUFFER must be positive")
	}
	if c.CommandRetention < 0 || c.UsageRetention < 0 {
		errs = append(errs, "retention must not be negative")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
