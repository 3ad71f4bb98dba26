// Package config loads service configuration: defaults overridden by
// CLIPROOM_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig
	Storage   StorageConfig
	Session   SessionConfig
	WebSocket WebSocketConfig
	Client    ClientConfig
}

type HTTPConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

type StorageConfig struct {
	UploadsDir    string
	MaxUploadGiB  float64
}

type SessionConfig struct {
	CodeLength    int
	Timeout       time.Duration
	SweepInterval time.Duration
}

type WebSocketConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ClientConfig holds opaque values handed verbatim to clients, which use
// them for end-to-end encryption. The server never encrypts anything.
type ClientConfig struct {
	EncryptionPassphrase string
	EncryptionSalt       string
}

// MaxUploadBytes converts the configured GiB bound to bytes.
func (c StorageConfig) MaxUploadBytes() int64 {
	return int64(c.MaxUploadGiB * 1024 * 1024 * 1024)
}

// Load reads configuration from the environment over defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLIPROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8123)
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.allowed_origins", "*")

	v.SetDefault("storage.uploads_dir", "uploads")
	v.SetDefault("storage.max_upload_gib", 1.0)

	v.SetDefault("session.code_length", 6)
	v.SetDefault("session.timeout", "1h")
	v.SetDefault("session.sweep_interval", "60s")

	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.read_timeout", "60s")
	v.SetDefault("websocket.write_timeout", "10s")

	v.SetDefault("client.encryption_passphrase", "default-passphrase-please-change")
	v.SetDefault("client.encryption_salt", "default-salt-please-change")

	cfg := &Config{
		HTTP: HTTPConfig{
			Host:           v.GetString("http.host"),
			Port:           v.GetInt("http.port"),
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			AllowedOrigins: splitOrigins(v.GetString("http.allowed_origins")),
		},
		Storage: StorageConfig{
			UploadsDir:   v.GetString("storage.uploads_dir"),
			MaxUploadGiB: v.GetFloat64("storage.max_upload_gib"),
		},
		Session: SessionConfig{
			CodeLength:    v.GetInt("session.code_length"),
			Timeout:       v.GetDuration("session.timeout"),
			SweepInterval: v.GetDuration("session.sweep_interval"),
		},
		WebSocket: WebSocketConfig{
			PingInterval: v.GetDuration("websocket.ping_interval"),
			ReadTimeout:  v.GetDuration("websocket.read_timeout"),
			WriteTimeout: v.GetDuration("websocket.write_timeout"),
		},
		Client: ClientConfig{
			EncryptionPassphrase: v.GetString("client.encryption_passphrase"),
			EncryptionSalt:       v.GetString("client.encryption_salt"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}
	if c.Storage.UploadsDir == "" {
		return fmt.Errorf("uploads directory cannot be empty")
	}
	if c.Storage.MaxUploadGiB <= 0 {
		return fmt.Errorf("max upload size must be positive")
	}
	if c.Session.CodeLength < 4 {
		return fmt.Errorf("session code length must be at least 4")
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timings must be positive")
	}
	return nil
}
