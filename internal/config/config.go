package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for chatrelay.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Auth       AuthConfig       `yaml:"auth"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the HTTP listener and live connection settings.
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

// StoreConfig selects the chat store backend by URI scheme:
// badger://<dir>, memory://, mongodb:// or mongodb+srv://.
type StoreConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// AuthConfig contains session token settings.
type AuthConfig struct {
	TokenSecret  string        `yaml:"token_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	RequireToken bool          `yaml:"require_token"`
}

// SecurityConfig contains connection caps and rate limits.
type SecurityConfig struct {
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled               bool `yaml:"enabled"`
	AuthRequestsPerMinute int  `yaml:"auth_requests_per_minute"`
	MessagesPerSecond     int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MonitoringConfig contains metrics and health endpoint settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	HealthEndpoint  string `yaml:"health_endpoint"`
	HealthDetailed  bool   `yaml:"health_detailed"` // include version and counters
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:     "0.0.0.0:5000",
			DrainTimeout:      15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxMessageSize:    65536, // 64KB
			PingInterval:      30 * time.Second,
			PongTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			SendBuffer:        64,
			AllowedOrigins:    []string{"*"},
		},
		Store: StoreConfig{
			URI:            "badger://./data",
			Database:       "chat_app",
			ConnectTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL:     24 * time.Hour,
			RequireToken: true,
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 20,
			RateLimit: RateLimitConfig{
				Enabled:               true,
				AuthRequestsPerMinute: 30,
				MessagesPerSecond:     20,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  true,
			MetricsEndpoint: "/metrics",
			HealthEndpoint:  "/healthz",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyLegacyEnv(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.MaxMessageSize > 16777216 {
		return fmt.Errorf("server.max_message_size must not exceed 16777216 (16MB)")
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}
	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.PingInterval < 0 {
		return fmt.Errorf("server.ping_interval must not be negative")
	}
	if c.Server.PingInterval > 0 && c.Server.PongTimeout <= 0 {
		return fmt.Errorf("server.pong_timeout must be positive when server.ping_interval is set")
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("server.send_buffer must be positive")
	}

	// Store validation
	if c.Store.URI == "" {
		return fmt.Errorf("store.uri is required")
	}
	u, err := url.Parse(c.Store.URI)
	if err != nil {
		return fmt.Errorf("store.uri is invalid: %w", err)
	}
	switch u.Scheme {
	case "badger", "memory", "mongodb", "mongodb+srv":
	default:
		return fmt.Errorf("store.uri must use badger://, memory://, mongodb:// or mongodb+srv:// scheme")
	}
	if c.Store.ConnectTimeout <= 0 {
		return fmt.Errorf("store.connect_timeout must be positive")
	}

	// Auth validation
	if c.Auth.RequireToken {
		if c.Auth.TokenSecret == "" {
			return fmt.Errorf("auth.token_secret is required when auth.require_token is true")
		}
		if len(c.Auth.TokenSecret) < 16 {
			return fmt.Errorf("auth.token_secret must be at least 16 characters")
		}
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	// Security validation
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.AuthRequestsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.auth_requests_per_minute must be positive")
		}
		if c.Security.RateLimit.MessagesPerSecond <= 0 {
			return fmt.Errorf("security.rate_limit.messages_per_second must be positive")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Monitoring validation
	if !strings.HasPrefix(c.Monitoring.HealthEndpoint, "/") {
		return fmt.Errorf("monitoring.health_endpoint must start with /")
	}
	if c.Monitoring.MetricsEnabled && !strings.HasPrefix(c.Monitoring.MetricsEndpoint, "/") {
		return fmt.Errorf("monitoring.metrics_endpoint must start with /")
	}

	return nil
}

// applyLegacyEnv honours the variable names used by earlier deployments
// (MONGO_URI, SECRET_KEY, HOST, PORT). CHATRELAY_ variables override them.
func applyLegacyEnv(cfg *Config) {
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Store.URI = v
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		cfg.Auth.TokenSecret = v
	}
	host, port, err := net.SplitHostPort(cfg.Server.ListenAddress)
	if err != nil {
		return
	}
	if v := os.Getenv("HOST"); v != "" {
		host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port = v
	}
	cfg.Server.ListenAddress = net.JoinHostPort(host, port)
}

// applyEnvOverrides applies CHATRELAY_ prefixed environment variables.
// Convention: CHATRELAY_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"CHATRELAY_SERVER_LISTEN_ADDRESS":           func(v string) { cfg.Server.ListenAddress = v },
		"CHATRELAY_SERVER_DRAIN_TIMEOUT":            func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"CHATRELAY_SERVER_MAX_MESSAGE_SIZE":         func(v string) { cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize) },
		"CHATRELAY_SERVER_PING_INTERVAL":            func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"CHATRELAY_SERVER_PONG_TIMEOUT":             func(v string) { cfg.Server.PongTimeout = parseDuration(v, cfg.Server.PongTimeout) },
		"CHATRELAY_SERVER_WRITE_TIMEOUT":            func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"CHATRELAY_SERVER_SEND_BUFFER":              func(v string) { cfg.Server.SendBuffer = parseInt(v, cfg.Server.SendBuffer) },
		"CHATRELAY_SERVER_ALLOWED_ORIGINS":          func(v string) { cfg.Server.AllowedOrigins = parseList(v) },
		"CHATRELAY_STORE_URI":                       func(v string) { cfg.Store.URI = v },
		"CHATRELAY_STORE_DATABASE":                  func(v string) { cfg.Store.Database = v },
		"CHATRELAY_STORE_CONNECT_TIMEOUT":           func(v string) { cfg.Store.ConnectTimeout = parseDuration(v, cfg.Store.ConnectTimeout) },
		"CHATRELAY_AUTH_TOKEN_SECRET":               func(v string) { cfg.Auth.TokenSecret = v },
		"CHATRELAY_AUTH_TOKEN_TTL":                  func(v string) { cfg.Auth.TokenTTL = parseDuration(v, cfg.Auth.TokenTTL) },
		"CHATRELAY_AUTH_REQUIRE_TOKEN":              func(v string) { cfg.Auth.RequireToken = parseBool(v, cfg.Auth.RequireToken) },
		"CHATRELAY_SECURITY_MAX_CONNECTIONS":        func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"CHATRELAY_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) { cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP) },
		"CHATRELAY_SECURITY_RATE_LIMIT_ENABLED":     func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"CHATRELAY_SECURITY_RATE_LIMIT_AUTH_REQUESTS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.AuthRequestsPerMinute = parseInt(v, cfg.Security.RateLimit.AuthRequestsPerMinute)
		},
		"CHATRELAY_SECURITY_RATE_LIMIT_MESSAGES_PER_SECOND": func(v string) {
			cfg.Security.RateLimit.MessagesPerSecond = parseInt(v, cfg.Security.RateLimit.MessagesPerSecond)
		},
		"CHATRELAY_LOGGING_LEVEL":              func(v string) { cfg.Logging.Level = v },
		"CHATRELAY_LOGGING_FORMAT":             func(v string) { cfg.Logging.Format = v },
		"CHATRELAY_LOGGING_FILE":               func(v string) { cfg.Logging.File = v },
		"CHATRELAY_MONITORING_METRICS_ENABLED": func(v string) { cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled) },
		"CHATRELAY_MONITORING_HEALTH_DETAILED": func(v string) { cfg.Monitoring.HealthDetailed = parseBool(v, cfg.Monitoring.HealthDetailed) },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen_address, store, auth secret and mode, monitoring endpoints.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Logging.Level = newCfg.Logging.Level
	updated.Auth.TokenTTL = newCfg.Auth.TokenTTL
	updated.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.Store, new.Store) {
		warnings = append(warnings, "store requires restart")
	}
	if old.Auth.TokenSecret != new.Auth.TokenSecret || old.Auth.RequireToken != new.Auth.RequireToken {
		warnings = append(warnings, "auth.token_secret and auth.require_token require restart")
	}
	if !reflect.DeepEqual(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		warnings = append(warnings, "server.allowed_origins requires restart")
	}
	if old.Monitoring != new.Monitoring {
		warnings = append(warnings, "monitoring requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
