// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/gate-relay/config.toml",
	"configs/config.toml",
}

// DefaultTurnstileVerifyURL is the official Turnstile siteverify endpoint.
const DefaultTurnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// Limiter store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	UpstreamURL     string `kong:"name='upstream-url',help='Upstream script API URL (overrides config).',env='GAS_API_URL'"`
	GateKey         string `kong:"name='gate-key',help='Shared gate key injected into upstream payloads (overrides config).',env='API_GATE_KEY'"`
	TurnstileSecret string `kong:"name='turnstile-secret',help='Turnstile siteverify secret (overrides config).',env='TURNSTILE_SECRET'"`
	RedisURL        string `kong:"name='redis-url',help='Redis URL for the shared rate-limit store (overrides config).',env='REDIS_URL'"`
	LogLevel        string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Turnstile TurnstileConfig `toml:"turnstile"`
	Limiter   LimiterConfig   `toml:"limiter"`
	CORS      CORSConfig      `toml:"cors"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Routes    []RouteConfig   `toml:"routes"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`

	// ClientIPHeader names the header carrying the client address set by the
	// edge in front of the relay. "-" means derive it from the connection.
	ClientIPHeader string `toml:"client_ip_header"`

	// StaticDir, when set, serves a bundled frontend with SPA fallback.
	StaticDir string `toml:"static_dir"`
}

// RateLimitConfig controls the global per-IP token bucket applied to every route.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds the upstream endpoint, its shared secret and connection settings.
type UpstreamConfig struct {
	URL             string `toml:"url"`
	GateKey         string `toml:"gate_key"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// TurnstileConfig holds bot-verification settings.
type TurnstileConfig struct {
	Secret         string `toml:"secret"`
	VerifyURL      string `toml:"verify_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LimiterConfig controls the fixed-window limiter used by sensitive routes.
type LimiterConfig struct {
	Store         string `toml:"store"`
	MaxRequests   int    `toml:"max_requests"`
	WindowSeconds int    `toml:"window_seconds"`
	RedisURL      string `toml:"redis_url"`
	KeyPrefix     string `toml:"key_prefix"`
}

// CORSConfig holds the fixed CORS header set.
type CORSConfig struct {
	AllowOrigin  string `toml:"allow_origin"`
	AllowMethods string `toml:"allow_methods"`
	AllowHeaders string `toml:"allow_headers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// RouteConfig is one row of the relay route table.
type RouteConfig struct {
	Path        string `toml:"path"`
	Route       string `toml:"route"`
	Verify      bool   `toml:"verify"`
	RateLimited bool   `toml:"rate_limited"`
}

// DefaultRoutes is the route table used when the config file defines none.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Path: "/api/admin/login", Route: "admin/login"},
		{Path: "/api/admin/view", Route: "admin/view"},
		{Path: "/api/member/config", Route: "member/config"},
		{Path: "/api/member/token", Route: "member/token"},
		{Path: "/api/member/request-edit", Route: "member/request-edit", Verify: true, RateLimited: true},
	}
}

// reservedPaths cannot be used by relay routes or the metrics endpoint.
var reservedPaths = []string{"/api/health", "/healthz", "/relay/status"}

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/gate-relay/config.toml then configs/config.toml; finding none is not
// an error, since every setting has a default or an environment override.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.UpstreamURL != "" {
		c.Upstream.URL = cli.UpstreamURL
	}
	if cli.GateKey != "" {
		c.Upstream.GateKey = cli.GateKey
	}
	if cli.TurnstileSecret != "" {
		c.Turnstile.Secret = cli.TurnstileSecret
	}
	if cli.RedisURL != "" {
		c.Limiter.RedisURL = cli.RedisURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// The upstream URL may be absent (routes then answer missing_env), but when
	// present it must be an absolute HTTPS URL.
	if c.Upstream.URL != "" {
		if err := requireHTTPS("upstream.url", c.Upstream.URL); err != nil {
			return err
		}
	}
	if c.Turnstile.VerifyURL != "" {
		if err := requireHTTPS("turnstile.verify_url", c.Turnstile.VerifyURL); err != nil {
			return err
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Turnstile.TimeoutSeconds < 0 {
		return fmt.Errorf("turnstile.timeout_seconds must be non-negative; got %d", c.Turnstile.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Limiter.
	if c.Limiter.MaxRequests < 0 {
		return fmt.Errorf("limiter.max_requests must be non-negative; got %d", c.Limiter.MaxRequests)
	}
	if c.Limiter.WindowSeconds < 0 {
		return fmt.Errorf("limiter.window_seconds must be non-negative; got %d", c.Limiter.WindowSeconds)
	}
	switch strings.ToLower(c.Limiter.Store) {
	case StoreMemory, "":
	case StoreRedis:
		if c.Limiter.RedisURL == "" {
			return fmt.Errorf("limiter.redis_url is required when limiter.store is %q", StoreRedis)
		}
	default:
		return fmt.Errorf("limiter.store must be one of: memory, redis; got %q", c.Limiter.Store)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if err := validateRoutes(c.Routes); err != nil {
		return err
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range append([]string{"/api"}, reservedPaths...) {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateRoutes(routes []RouteConfig) error {
	seen := make(map[string]bool, len(routes))
	for i, r := range routes {
		if r.Path == "" || r.Path[0] != '/' {
			return fmt.Errorf("routes[%d].path must start with '/'; got %q", i, r.Path)
		}
		if strings.ContainsAny(r.Path, "*:") {
			return fmt.Errorf("routes[%d].path must be a literal path; got %q", i, r.Path)
		}
		if r.Route == "" {
			return fmt.Errorf("routes[%d].route is required", i)
		}
		for _, reserved := range reservedPaths {
			if r.Path == reserved {
				return fmt.Errorf("routes[%d].path %q conflicts with reserved route", i, r.Path)
			}
		}
		if seen[r.Path] {
			return fmt.Errorf("routes[%d].path %q is duplicated", i, r.Path)
		}
		seen[r.Path] = true
	}
	return nil
}

func requireHTTPS(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute HTTPS URL; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Server.ClientIPHeader == "" {
		c.Server.ClientIPHeader = "CF-Connecting-IP"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Turnstile.VerifyURL == "" {
		c.Turnstile.VerifyURL = DefaultTurnstileVerifyURL
	}
	if c.Turnstile.TimeoutSeconds == 0 {
		c.Turnstile.TimeoutSeconds = 10
	}
	c.Limiter.Store = strings.ToLower(c.Limiter.Store)
	if c.Limiter.Store == "" {
		c.Limiter.Store = StoreMemory
	}
	if c.Limiter.MaxRequests == 0 {
		c.Limiter.MaxRequests = 5
	}
	if c.Limiter.WindowSeconds == 0 {
		c.Limiter.WindowSeconds = 60
	}
	if c.Limiter.KeyPrefix == "" {
		c.Limiter.KeyPrefix = "gate-relay:rl:"
	}
	if c.CORS.AllowOrigin == "" {
		c.CORS.AllowOrigin = "*"
	}
	if c.CORS.AllowMethods == "" {
		c.CORS.AllowMethods = "GET,POST,OPTIONS"
	}
	if c.CORS.AllowHeaders == "" {
		c.CORS.AllowHeaders = "Content-Type, Authorization, X-API-GATE-KEY"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may hold the gate key and Turnstile secret.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
