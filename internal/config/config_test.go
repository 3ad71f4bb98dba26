package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.HTTP.Port)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 6, cfg.Session.CodeLength)
	assert.Equal(t, time.Hour, cfg.Session.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Session.SweepInterval)
	assert.Equal(t, int64(1<<30), cfg.Storage.MaxUploadBytes())
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CLIPROOM_HTTP_PORT", "9000")
	t.Setenv("CLIPROOM_SESSION_TIMEOUT", "15m")
	t.Setenv("CLIPROOM_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CLIPROOM_STORAGE_MAX_UPLOAD_GIB", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, 15*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, int64(512*1024*1024), cfg.Storage.MaxUploadBytes())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.HTTP.Port = 0
	assert.Error(t, cfg.Validate())

	cfg, err = Load()
	require.NoError(t, err)
	cfg.Session.CodeLength = 2
	assert.Error(t, cfg.Validate())

	cfg, err = Load()
	require.NoError(t, err)
	cfg.Storage.MaxUploadGiB = 0
	assert.Error(t, cfg.Validate())
}
