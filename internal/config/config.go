package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// validDeviceTypes are the device categories the backend accepts.
var validDeviceTypes = map[string]bool{
	"mobile":  true,
	"tablet":  true,
	"desktop": true,
}

// Config holds all environment-based configuration for lightwell-sync.
type Config struct {
	// Backend base URL, e.g. https://app.lightwell.example. The WebSocket
	// endpoint is derived from it (see WebSocketURL).
	ServerURL string `env:"LIGHTWELL_SERVER_URL"`

	// REST base URL for the sync side-channel. Defaults to ServerURL.
	APIBaseURL string `env:"LIGHTWELL_API_URL"`

	// Account identity used in the authenticate frame.
	UserID       string `env:"LIGHTWELL_USER_ID"`
	LaboratoryID string `env:"LIGHTWELL_LABORATORY_ID"`

	// Device identity this client registers as. DeviceName defaults to the
	// system hostname.
	DeviceName string `env:"DEVICE_NAME"`
	DeviceType string `env:"DEVICE_TYPE" envDefault:"desktop"`

	// Path to the local state database. Defaults to
	// ~/.lightwell-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Timing knobs. Defaults match the backend's expectations.
	SyncInterval         time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "lightwell-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = cfg.ServerURL
	}

	if cfg.StatePath == "" {
		path, err := defaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("LIGHTWELL_SERVER_URL is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("LIGHTWELL_USER_ID is required")
	}

	if c.LaboratoryID == "" {
		return fmt.Errorf("LIGHTWELL_LABORATORY_ID is required")
	}

	if !validDeviceTypes[c.DeviceType] {
		return fmt.Errorf("DEVICE_TYPE must be one of mobile, tablet, desktop (got %q)", c.DeviceType)
	}

	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be at least 1")
	}

	if _, err := url.Parse(c.ServerURL); err != nil {
		return fmt.Errorf("parsing LIGHTWELL_SERVER_URL: %w", err)
	}

	return nil
}

// WebSocketURL derives the realtime endpoint from the server URL:
// https becomes wss, http becomes ws, and the /api/websocket path is
// appended. A URL already carrying a ws/wss scheme is used as-is.
func (c *Config) WebSocketURL() string {
	u := c.ServerURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return strings.TrimSuffix(u, "/") + "/api/websocket"
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func defaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".lightwell-sync", "state.db"), nil
}
