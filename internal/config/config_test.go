package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ZURI_API_URL", "https://api.zuri.example/api/v2/")
	t.Setenv("ZURI_HEARTBEAT_INTERVAL", "10")
	t.Setenv("ZURI_STATE_DIR", "/tmp/zuri")
	t.Setenv("ZURI_LIVE_CHANNEL", "false")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://api.zuri.example/api/v2", cfg.APIURL)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "/tmp/zuri", cfg.StateDir)
	assert.False(t, cfg.LiveChannel)
	assert.Equal(t, 5*time.Minute, cfg.BatteryInterval)
}

func TestLoadFromEnv_Errors(t *testing.T) {
	t.Setenv("ZURI_API_URL", "")
	_, err := LoadFromEnv()
	assert.ErrorContains(t, err, "ZURI_API_URL is required")

	t.Setenv("ZURI_API_URL", "http://localhost:8000/api/v2")
	t.Setenv("ZURI_HEARTBEAT_INTERVAL", "soon")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "must be a number")

	t.Setenv("ZURI_API_URL", "ftp://localhost")
	t.Setenv("ZURI_HEARTBEAT_INTERVAL", "")
	_, err = LoadFromEnv()
	assert.ErrorContains(t, err, "must be http(s)")
}

func TestLiveURL(t *testing.T) {
	cfg := DefaultConfig()

	cfg.APIURL = "https://api.zuri.example/api/v2"
	assert.Equal(t, "wss://api.zuri.example/api/v2/ws/device/ZR-ABC123", cfg.LiveURL("ZR-ABC123"))

	cfg.APIURL = "http://localhost:8000/api/v2"
	assert.Equal(t, "ws://localhost:8000/api/v2/ws/device/ZR-1", cfg.LiveURL("ZR-1"))
}
