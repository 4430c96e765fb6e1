// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/api-gateway/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the gateway itself.
var reservedPaths = []string{"/healthz", "/gateway/status"}

// Auth modes.
const (
	AuthModeStatic  = "static"
	AuthModeJWT     = "jwt"
	AuthModeSession = "session"
)

const placeholderSecret = "CHANGE_ME"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Secret   string   `kong:"help='Shared secret for the static verifier (overrides config).',env='GATEWAY_SHARED_SECRET'"`
	Routes   []string `kong:"name='route',help='Route as prefix=origin, prefix stripped before forwarding (repeatable, overrides config).',env='GATEWAY_ROUTES'"`
	LogLevel string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Upstream UpstreamConfig `toml:"upstream"`
	Routes   []RouteConfig  `toml:"routes"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3001); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AuthConfig selects and configures the credential verifier.
type AuthConfig struct {
	Mode         string        `toml:"mode"`
	SharedSecret string        `toml:"shared_secret"`
	JWT          JWTConfig     `toml:"jwt"`
	Session      SessionConfig `toml:"session"`
}

// JWTConfig configures HMAC JWT verification.
type JWTConfig struct {
	Secret        string `toml:"secret"`
	Issuer        string `toml:"issuer"`
	Audience      string `toml:"audience"`
	LeewaySeconds int    `toml:"leeway_seconds"`
}

// SessionConfig configures Redis-backed session verification.
type SessionConfig struct {
	RedisURL      string `toml:"redis_url"`
	KeyPrefix     string `toml:"key_prefix"`
	TimeoutMillis int    `toml:"timeout_ms"`
}

// UpstreamConfig holds outbound connection settings shared by all routes.
type UpstreamConfig struct {
	ConnectTimeoutSeconds  int                  `toml:"connect_timeout_seconds"`
	ResponseTimeoutSeconds int                  `toml:"response_timeout_seconds"`
	IdleConnections        int                  `toml:"idle_connections"`
	MaxConnsPerHost        int                  `toml:"max_conns_per_host"`
	CircuitBreaker         CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the per-route circuit breaker.
type CircuitBreakerConfig struct {
	Enabled             bool `toml:"enabled"`
	ConsecutiveFailures int  `toml:"consecutive_failures"`
	OpenSeconds         int  `toml:"open_seconds"`
}

// RouteConfig declares one prefix route.
type RouteConfig struct {
	Name          string `toml:"name"`
	Prefix        string `toml:"prefix"`
	Target        string `toml:"target"`
	StripPrefix   bool   `toml:"strip_prefix"`
	RewritePrefix string `toml:"rewrite_prefix"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/api-gateway/config.toml then configs/config.toml. Without any file the
// gateway can still start if routes are passed on the command line.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	switch {
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	case len(cli.Routes) == 0:
		return nil, fmt.Errorf("config: no config file found (searched %v) and no --route given", configSearchPaths)
	}

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Secret != "" {
		c.Auth.SharedSecret = cli.Secret
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}

	for _, entry := range cli.Routes {
		prefix, target, ok := strings.Cut(entry, "=")
		if !ok || prefix == "" || target == "" {
			return fmt.Errorf("--route must be prefix=origin; got %q", entry)
		}
		c.setRouteTarget(strings.TrimSpace(prefix), strings.TrimSpace(target))
	}
	return nil
}

// setRouteTarget points an existing route at target, or adds a stripping route.
func (c *Config) setRouteTarget(prefix, target string) {
	for i := range c.Routes {
		if trimSlash(c.Routes[i].Prefix) == trimSlash(prefix) {
			c.Routes[i].Target = target
			return
		}
	}
	c.Routes = append(c.Routes, RouteConfig{Prefix: prefix, Target: target, StripPrefix: true})
}

func (c *Config) validate() error {
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateRoutes(); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.ResponseTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxConnsPerHost < 0 {
		return fmt.Errorf("upstream.max_conns_per_host must be non-negative; got %d", c.Upstream.MaxConnsPerHost)
	}
	cb := c.Upstream.CircuitBreaker
	if cb.ConsecutiveFailures < 0 || cb.OpenSeconds < 0 {
		return fmt.Errorf("upstream.circuit_breaker values must be non-negative")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
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

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := append([]string{}, reservedPaths...)
		for _, r := range c.Routes {
			if pfx := trimSlash(r.Prefix); pfx != "/" {
				reserved = append(reserved, pfx)
			}
		}
		for _, r := range reserved {
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	return nil
}

func (c *Config) validateAuth() error {
	switch strings.ToLower(c.Auth.Mode) {
	case AuthModeStatic, "":
		if c.Auth.SharedSecret == "" {
			return fmt.Errorf("auth.shared_secret is required in static mode")
		}
		if c.Auth.SharedSecret == placeholderSecret {
			return fmt.Errorf("auth.shared_secret contains placeholder value; set a real secret")
		}
	case AuthModeJWT:
		if c.Auth.JWT.Secret == "" || c.Auth.JWT.Secret == placeholderSecret {
			return fmt.Errorf("auth.jwt.secret is required in jwt mode")
		}
		if c.Auth.JWT.LeewaySeconds < 0 {
			return fmt.Errorf("auth.jwt.leeway_seconds must be non-negative; got %d", c.Auth.JWT.LeewaySeconds)
		}
	case AuthModeSession:
		if c.Auth.Session.RedisURL == "" {
			return fmt.Errorf("auth.session.redis_url is required in session mode")
		}
		if c.Auth.Session.TimeoutMillis < 0 {
			return fmt.Errorf("auth.session.timeout_ms must be non-negative; got %d", c.Auth.Session.TimeoutMillis)
		}
	default:
		return fmt.Errorf("auth.mode must be one of: static, jwt, session; got %q", c.Auth.Mode)
	}
	return nil
}

func (c *Config) validateRoutes() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one [[routes]] entry is required")
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Prefix == "" || r.Prefix[0] != '/' {
			return fmt.Errorf("routes[%d].prefix must start with '/'; got %q", i, r.Prefix)
		}
		prefix := trimSlash(r.Prefix)
		if seen[prefix] {
			return fmt.Errorf("routes[%d].prefix %q is declared more than once", i, r.Prefix)
		}
		seen[prefix] = true

		for _, reserved := range reservedPaths {
			if prefix == reserved || strings.HasPrefix(prefix, reserved+"/") {
				return fmt.Errorf("routes[%d].prefix %q conflicts with reserved route %q", i, r.Prefix, reserved)
			}
		}

		if r.Target == "" {
			return fmt.Errorf("routes[%d].target is required", i)
		}
		u, err := url.Parse(r.Target)
		if err != nil {
			return fmt.Errorf("routes[%d].target is not a valid URL: %w", i, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("routes[%d].target must be an absolute http(s) URL; got %q", i, r.Target)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("routes[%d].target must not carry a query or fragment; got %q", i, r.Target)
		}

		if r.StripPrefix && r.RewritePrefix != "" {
			return fmt.Errorf("routes[%d]: strip_prefix and rewrite_prefix are mutually exclusive", i)
		}
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
		c.Server.Port = 3001
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeStatic
	}
	if c.Auth.Session.KeyPrefix == "" {
		c.Auth.Session.KeyPrefix = "session:"
	}
	if c.Auth.Session.TimeoutMillis == 0 {
		c.Auth.Session.TimeoutMillis = 500
	}
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 5
	}
	if c.Upstream.ResponseTimeoutSeconds == 0 {
		c.Upstream.ResponseTimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.CircuitBreaker.ConsecutiveFailures == 0 {
		c.Upstream.CircuitBreaker.ConsecutiveFailures = 5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 30
	}
	for i := range c.Routes {
		if c.Routes[i].Name == "" {
			c.Routes[i].Name = trimSlash(c.Routes[i].Prefix)
		}
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

func trimSlash(prefix string) string {
	if len(prefix) > 1 {
		if t := strings.TrimRight(prefix, "/"); t != "" {
			return t
		}
		return "/"
	}
	return prefix
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectTimeout returns the dial timeout.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ResponseTimeout returns the bound on waiting for upstream response headers.
func (c *UpstreamConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
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
