package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"EMBER_SERVER_URL",
		"EMBER_SERVER_KEY",
		"EMBER_DISPLAY_NAME",
		"EMBER_CHANNEL",
		"EMBER_CHANNEL_KIND",
		"ENVIRONMENT",
		"EMBER_CACHE_PATH",
		"EMBER_CACHE_CAP",
		"EMBER_NETWORK_CONTEXT",
		"EMBER_BRIDGE_ADDR",
		"EMBER_HOST_OVERRIDES",
		"EMBER_CONNECT_TIMEOUT",
		"EMBER_DOWNLOAD_TIMEOUT",
		"EMBER_MAX_UPLOAD_BYTES",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EMBER_DISPLAY_NAME", "alice")
	t.Setenv("EMBER_CACHE_PATH", filepath.Join(t.TempDir(), "cache.db"))
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:7350", cfg.ServerURL)
	assert.Equal(t, "defaultkey", cfg.ServerKey)
	assert.Equal(t, "alice", cfg.DisplayName)
	assert.Equal(t, "general", cfg.Channel)
	assert.Equal(t, "room", cfg.ChannelKind)
	assert.Equal(t, NetworkHost, cfg.NetworkContext)
	assert.Equal(t, "10.0.2.2", cfg.BridgeAddr)
	assert.Equal(t, 1000, cfg.CacheCap)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.DownloadTimeout)
	assert.Equal(t, int64(5*1024*1024), cfg.MaxUploadBytes)
}

func TestLoad_RequiresDisplayName(t *testing.T) {
	clearConfigEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBER_DISPLAY_NAME")
}

func TestLoad_CachePathDefaultsToHome(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("EMBER_DISPLAY_NAME", "alice")
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.Getenv("HOME"), ".ember", "cache.db"), cfg.CachePath)
}

func TestLoad_RejectsUnknownChannelKind(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("EMBER_CHANNEL_KIND", "broadcast")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBER_CHANNEL_KIND")
}

func TestLoad_RejectsUnknownNetworkContext(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("EMBER_NETWORK_CONTEXT", "ios-simulator")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBER_NETWORK_CONTEXT")
}

func TestLoad_RejectsNonPositiveCacheCap(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("EMBER_CACHE_CAP", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBER_CACHE_CAP")
}

func TestLoad_AcceptsAndroidEmulatorContext(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("EMBER_NETWORK_CONTEXT", "android-emulator")
	t.Setenv("EMBER_BRIDGE_ADDR", "192.168.0.42")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, NetworkAndroidEmulator, cfg.NetworkContext)
	assert.Equal(t, "192.168.0.42", cfg.BridgeAddr)
}

func TestLoad_ParsesTimeouts(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("EMBER_CONNECT_TIMEOUT", "3s")
	t.Setenv("EMBER_DOWNLOAD_TIMEOUT", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.DownloadTimeout)
}
