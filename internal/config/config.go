package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// NetworkContext identifies the network environment the client runs in.
// It controls how internal object-storage hostnames are rewritten when
// resolving attachment download addresses.
type NetworkContext string

const (
	// NetworkHost means the client shares the backend's network view;
	// internal hostnames resolve as-is.
	NetworkHost NetworkContext = "host"

	// NetworkAndroidEmulator means the client runs inside an Android
	// emulator, where the host machine is reachable via a bridge address
	// (10.0.2.2 by default) instead of internal service hostnames.
	NetworkAndroidEmulator NetworkContext = "android-emulator"
)

// Config holds all environment-based configuration for the ember client.
type Config struct {
	// Messaging backend base URL and the server key sent with
	// unauthenticated requests (device authentication).
	ServerURL string `env:"EMBER_SERVER_URL" envDefault:"http://127.0.0.1:7350"`
	ServerKey string `env:"EMBER_SERVER_KEY" envDefault:"defaultkey"`

	// Display name to authenticate as. Required.
	DisplayName string `env:"EMBER_DISPLAY_NAME"`

	// Channel to join on startup and its kind ("room" or "direct").
	// For direct kind the target is the peer's user id.
	Channel     string `env:"EMBER_CHANNEL" envDefault:"general"`
	ChannelKind string `env:"EMBER_CHANNEL_KIND" envDefault:"room"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Local message cache. CachePath defaults to ~/.ember/cache.db.
	CachePath string `env:"EMBER_CACHE_PATH"`
	CacheCap  int    `env:"EMBER_CACHE_CAP" envDefault:"1000"`

	// Attachment resolution. HostOverridesFile optionally points to a
	// YAML map of internal host -> replacement host entries that extends
	// the defaults derived from NetworkContext and BridgeAddr.
	NetworkContext    NetworkContext `env:"EMBER_NETWORK_CONTEXT" envDefault:"host"`
	BridgeAddr        string         `env:"EMBER_BRIDGE_ADDR" envDefault:"10.0.2.2"`
	HostOverridesFile string         `env:"EMBER_HOST_OVERRIDES"`

	// Attachment transfer limits.
	ConnectTimeout  time.Duration `env:"EMBER_CONNECT_TIMEOUT" envDefault:"10s"`
	DownloadTimeout time.Duration `env:"EMBER_DOWNLOAD_TIMEOUT" envDefault:"30s"`
	MaxUploadBytes  int64         `env:"EMBER_MAX_UPLOAD_BYTES" envDefault:"5242880"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.CachePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		cfg.CachePath = filepath.Join(home, ".ember", "cache.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DisplayName == "" {
		return fmt.Errorf("EMBER_DISPLAY_NAME is required")
	}

	if c.ChannelKind != "room" && c.ChannelKind != "direct" {
		return fmt.Errorf("EMBER_CHANNEL_KIND must be \"room\" or \"direct\", got %q", c.ChannelKind)
	}

	switch c.NetworkContext {
	case NetworkHost, NetworkAndroidEmulator:
	default:
		return fmt.Errorf("EMBER_NETWORK_CONTEXT must be %q or %q, got %q",
			NetworkHost, NetworkAndroidEmulator, c.NetworkContext)
	}

	if c.CacheCap <= 0 {
		return fmt.Errorf("EMBER_CACHE_CAP must be positive, got %d", c.CacheCap)
	}

	if c.ConnectTimeout <= 0 || c.DownloadTimeout <= 0 {
		return fmt.Errorf("attachment timeouts must be positive")
	}

	return nil
}
