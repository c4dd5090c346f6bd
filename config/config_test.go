package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Env: "development"},
		Database: DatabaseConfig{Driver: "postgres"},
		JWT:      JWTConfig{Secret: "s"},
		Stream: StreamConfig{
			HeartbeatInterval: 10 * time.Second,
			ReapInterval:      10 * time.Second,
			StaleThreshold:    60 * time.Second,
		},
		Chat:      ChatConfig{MaxLength: 500},
		Ephemeral: EphemeralConfig{TTL: 5 * time.Minute},
		WebSocket: WebSocketConfig{PingInterval: 54 * time.Second, PongWait: 60 * time.Second},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"threshold exactly 3x", func(c *Config) { c.Stream.StaleThreshold = 30 * time.Second }, false},
		{"threshold below 3x", func(c *Config) { c.Stream.StaleThreshold = 29 * time.Second }, true},
		{"zero reap interval", func(c *Config) { c.Stream.ReapInterval = 0 }, true},
		{"default secret in production", func(c *Config) {
			c.Server.Env = "production"
			c.JWT.Secret = "change-this-secret-key"
		}, true},
		{"ping not below pong", func(c *Config) { c.WebSocket.PingInterval = c.WebSocket.PongWait }, true},
		{"zero chat length", func(c *Config) { c.Chat.MaxLength = 0 }, true},
		{"memory store", func(c *Config) { c.Database.Driver = "memory" }, false},
		{"unknown store", func(c *Config) { c.Database.Driver = "sqlite" }, true},
		{"memory store in production", func(c *Config) {
			c.Database.Driver = "memory"
			c.Server.Env = "production"
			c.JWT.Secret = "real"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STREAM_STALE_THRESHOLD", "45s")
	t.Setenv("CHAT_BANNED_WORDS", "spam, scam ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Stream.StaleThreshold != 45*time.Second {
		t.Errorf("expected stale threshold 45s, got %s", cfg.Stream.StaleThreshold)
	}
	if cfg.Stream.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected default heartbeat 10s, got %s", cfg.Stream.HeartbeatInterval)
	}
	if cfg.Chat.MaxLength != 500 {
		t.Errorf("expected chat max length 500, got %d", cfg.Chat.MaxLength)
	}
	if len(cfg.Chat.BannedWords) != 2 || cfg.Chat.BannedWords[1] != "scam" {
		t.Errorf("unexpected banned words: %v", cfg.Chat.BannedWords)
	}
}

func TestGetDSNPrefersURL(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{URL: "postgres://x", Host: "h"}}
	if got := cfg.GetDSN(); got != "postgres://x" {
		t.Errorf("GetDSN() = %q", got)
	}
}
