package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// clearLegacyEnv keeps variables from the host environment out of Load.
func clearLegacyEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MONGO_URI", "SECRET_KEY", "HOST", "PORT"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.ListenAddress != "0.0.0.0:5000" {
		t.Errorf("default listen_address = %q, want %q", cfg.Server.ListenAddress, "0.0.0.0:5000")
	}
	if cfg.Server.DrainTimeout != 15*time.Second {
		t.Errorf("default drain_timeout = %v, want %v", cfg.Server.DrainTimeout, 15*time.Second)
	}
	if cfg.Store.Database != "chat_app" {
		t.Errorf("default store.database = %q, want %q", cfg.Store.Database, "chat_app")
	}
	if !cfg.Auth.RequireToken {
		t.Error("default require_token should be true")
	}
	if cfg.Security.MaxConnections != 1000 {
		t.Errorf("default max_connections = %d, want %d", cfg.Security.MaxConnections, 1000)
	}
	if cfg.Monitoring.HealthEndpoint != "/healthz" {
		t.Errorf("default health_endpoint = %q, want %q", cfg.Monitoring.HealthEndpoint, "/healthz")
	}
}

func TestLoadFromFile(t *testing.T) {
	clearLegacyEnv(t)
	content := `
server:
  listen_address: "127.0.0.1:9000"
  drain_timeout: "5s"
  max_message_size: 2048
  send_buffer: 8
  allowed_origins: ["https://chat.example.com"]
store:
  uri: "mongodb://localhost:27017"
  database: "chat_test"
auth:
  token_secret: "` + testSecret + `"
  token_ttl: "1h"
security:
  max_connections: 500
  max_connections_per_ip: 5
  rate_limit:
    enabled: false
logging:
  level: "debug"
  format: "text"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.ListenAddress != "127.0.0.1:9000" {
		t.Errorf("listen_address = %q, want %q", cfg.Server.ListenAddress, "127.0.0.1:9000")
	}
	if cfg.Server.DrainTimeout != 5*time.Second {
		t.Errorf("drain_timeout = %v, want %v", cfg.Server.DrainTimeout, 5*time.Second)
	}
	if cfg.Server.SendBuffer != 8 {
		t.Errorf("send_buffer = %d, want 8", cfg.Server.SendBuffer)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://chat.example.com" {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Store.URI != "mongodb://localhost:27017" {
		t.Errorf("store.uri = %q", cfg.Store.URI)
	}
	if cfg.Store.Database != "chat_test" {
		t.Errorf("store.database = %q, want %q", cfg.Store.Database, "chat_test")
	}
	if cfg.Auth.TokenTTL != time.Hour {
		t.Errorf("token_ttl = %v, want %v", cfg.Auth.TokenTTL, time.Hour)
	}
	if cfg.Security.MaxConnections != 500 {
		t.Errorf("max_connections = %d, want %d", cfg.Security.MaxConnections, 500)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Security.RateLimit.Enabled {
		t.Error("rate_limit.enabled should be false")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("Load() error = %v, want not found", err)
	}
}

func TestLoadDefaultsRequireSecret(t *testing.T) {
	clearLegacyEnv(t)
	if _, err := Load(""); err == nil {
		t.Fatal("Load('') without a token secret should fail")
	}

	t.Setenv("CHATRELAY_AUTH_TOKEN_SECRET", testSecret)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load('') error: %v", err)
	}
	if cfg.Store.URI != "badger://./data" {
		t.Errorf("store.uri = %q, want default", cfg.Store.URI)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("CHATRELAY_AUTH_TOKEN_SECRET", testSecret)
	t.Setenv("CHATRELAY_STORE_URI", "memory://")
	t.Setenv("CHATRELAY_LOGGING_LEVEL", "debug")
	t.Setenv("CHATRELAY_AUTH_REQUIRE_TOKEN", "false")
	t.Setenv("CHATRELAY_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CHATRELAY_SECURITY_RATE_LIMIT_MESSAGES_PER_SECOND", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Store.URI != "memory://" {
		t.Errorf("store.uri = %q, want env override", cfg.Store.URI)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Auth.RequireToken {
		t.Error("require_token should be false from env override")
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Security.RateLimit.MessagesPerSecond != 7 {
		t.Errorf("messages_per_second = %d, want 7", cfg.Security.RateLimit.MessagesPerSecond)
	}
}

func TestLegacyEnv(t *testing.T) {
	clearLegacyEnv(t)
	t.Setenv("MONGO_URI", "mongodb+srv://cluster.example.net")
	t.Setenv("SECRET_KEY", testSecret)
	t.Setenv("PORT", "8088")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Store.URI != "mongodb+srv://cluster.example.net" {
		t.Errorf("store.uri = %q, want MONGO_URI", cfg.Store.URI)
	}
	if cfg.Auth.TokenSecret != testSecret {
		t.Error("token_secret should come from SECRET_KEY")
	}
	if cfg.Server.ListenAddress != "0.0.0.0:8088" {
		t.Errorf("listen_address = %q, want %q", cfg.Server.ListenAddress, "0.0.0.0:8088")
	}

	// Prefixed variables win over legacy names.
	t.Setenv("CHATRELAY_STORE_URI", "memory://")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Store.URI != "memory://" {
		t.Errorf("store.uri = %q, want CHATRELAY_STORE_URI", cfg.Store.URI)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default",
			modify:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "empty listen_address",
			modify:  func(c *Config) { c.Server.ListenAddress = "" },
			wantErr: "server.listen_address is required",
		},
		{
			name:    "invalid listen_address",
			modify:  func(c *Config) { c.Server.ListenAddress = "not-a-host-port" },
			wantErr: "server.listen_address is invalid",
		},
		{
			name:    "zero max_message_size",
			modify:  func(c *Config) { c.Server.MaxMessageSize = 0 },
			wantErr: "server.max_message_size must be positive",
		},
		{
			name:    "zero send_buffer",
			modify:  func(c *Config) { c.Server.SendBuffer = 0 },
			wantErr: "server.send_buffer must be positive",
		},
		{
			name:    "unknown store scheme",
			modify:  func(c *Config) { c.Store.URI = "redis://localhost:6379" },
			wantErr: "store.uri must use",
		},
		{
			name:    "missing token secret",
			modify:  func(c *Config) { c.Auth.TokenSecret = "" },
			wantErr: "auth.token_secret is required",
		},
		{
			name:    "short token secret",
			modify:  func(c *Config) { c.Auth.TokenSecret = "short" },
			wantErr: "auth.token_secret must be at least 16 characters",
		},
		{
			name: "no secret needed without tokens",
			modify: func(c *Config) {
				c.Auth.TokenSecret = ""
				c.Auth.RequireToken = false
			},
			wantErr: "",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Logging.Format = "csv" },
			wantErr: "logging.format must be one of",
		},
		{
			name:    "zero max_connections",
			modify:  func(c *Config) { c.Security.MaxConnections = 0 },
			wantErr: "security.max_connections must be positive",
		},
		{
			name:    "per-ip above global",
			modify:  func(c *Config) { c.Security.MaxConnectionsPerIP = 5000 },
			wantErr: "security.max_connections_per_ip must not exceed",
		},
		{
			name:    "zero message rate",
			modify:  func(c *Config) { c.Security.RateLimit.MessagesPerSecond = 0 },
			wantErr: "security.rate_limit.messages_per_second must be positive",
		},
		{
			name:    "relative health endpoint",
			modify:  func(c *Config) { c.Monitoring.HealthEndpoint = "healthz" },
			wantErr: "monitoring.health_endpoint must start with /",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Auth.TokenSecret = testSecret
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestIsReloadSafe(t *testing.T) {
	old := DefaultConfig()
	new := DefaultConfig()

	warnings := IsReloadSafe(old, new)
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	new.Server.ListenAddress = "127.0.0.1:9090"
	warnings = IsReloadSafe(old, new)
	if len(warnings) != 1 {
		t.Errorf("expected 1 warning, got %d: %v", len(warnings), warnings)
	}

	new.Store.URI = "memory://"
	warnings = IsReloadSafe(old, new)
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}

	// Rate limits are reloadable and never warn.
	new.Security.RateLimit.MessagesPerSecond = 99
	if got := len(IsReloadSafe(old, new)); got != 2 {
		t.Errorf("expected 2 warnings after rate change, got %d", got)
	}
}

func TestApplyReloadableFields(t *testing.T) {
	old := DefaultConfig()
	new := DefaultConfig()
	new.Logging.Level = "debug"
	new.Security.MaxConnections = 10
	new.Security.RateLimit.MessagesPerSecond = 3
	new.Server.ListenAddress = "127.0.0.1:1"

	updated := old.ApplyReloadableFields(new)

	if updated.Logging.Level != "debug" {
		t.Errorf("log level not reloaded")
	}
	if updated.Security.MaxConnections != 10 {
		t.Errorf("max_connections not reloaded")
	}
	if updated.Security.RateLimit.MessagesPerSecond != 3 {
		t.Errorf("messages_per_second not reloaded")
	}
	if updated.Server.ListenAddress != old.Server.ListenAddress {
		t.Errorf("listen_address should not be reloaded")
	}
	if old.Logging.Level != "info" {
		t.Errorf("original config mutated")
	}
}
