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
	"/etc/cdn-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Proxy   ProxyConfig   `toml:"proxy"`
	Cache   CacheConfig   `toml:"cache"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	RateZones      []RateZone     `toml:"rate_zones"`
	Pools          []Pool         `toml:"pools"`
	HeaderPolicies []HeaderPolicy `toml:"header_policies"`
	Routes         []Route        `toml:"routes"`

	// ErrorPages maps a status code ("404", "429", ...) to a custom body.
	ErrorPages map[string]string `toml:"error_pages"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// ProxyConfig holds upstream connection settings shared by all pools.
type ProxyConfig struct {
	RetryLimit             int `toml:"retry_limit"` // distinct servers tried per request
	ConnectTimeoutSeconds  int `toml:"connect_timeout_seconds"`
	ResponseTimeoutSeconds int `toml:"response_timeout_seconds"`
	IdleConnections        int `toml:"idle_connections"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	MaxBytes              int64 `toml:"max_bytes"`
	SweepIntervalSeconds  int   `toml:"sweep_interval_seconds"`
	StaleRetentionSeconds int   `toml:"stale_retention_seconds"`
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

// RateZone defines one token bucket rate-limit zone.
type RateZone struct {
	Name        string  `toml:"name"`
	Capacity    int     `toml:"capacity"`
	RefillRate  float64 `toml:"refill_rate"`
	IdleSeconds int     `toml:"idle_seconds"`
}

// Pool defines a named upstream pool.
type Pool struct {
	Name    string   `toml:"name"`
	Servers []Server `toml:"servers"`
}

// Server defines one upstream server inside a pool.
type Server struct {
	Address            string `toml:"address"`
	Weight             int    `toml:"weight"`
	MaxFails           int    `toml:"max_fails"`
	FailTimeoutSeconds int    `toml:"fail_timeout_seconds"`
	Backup             bool   `toml:"backup"`
}

// HeaderPolicy defines a named CORS policy.
type HeaderPolicy struct {
	Name           string   `toml:"name"`
	AllowedOrigins []string `toml:"allowed_origins"`
	AllowedMethods []string `toml:"allowed_methods"`
	AllowedHeaders []string `toml:"allowed_headers"`
	ExposedHeaders []string `toml:"exposed_headers"`
	MaxAgeSeconds  int      `toml:"max_age_seconds"`
}

// Route binds a path prefix to a pool and its policies.
type Route struct {
	Name         string     `toml:"name"`
	Prefix       string     `toml:"prefix"`
	StripPrefix  bool       `toml:"strip_prefix"`
	Pool         string     `toml:"pool"`
	RateZone     string     `toml:"rate_zone"`
	HeaderPolicy string     `toml:"header_policy"`
	Cache        RouteCache `toml:"cache"`
}

// RouteCache holds the cache policy of one route.
type RouteCache struct {
	Enabled             bool         `toml:"enabled"`
	Valid               []CacheValid `toml:"valid"`
	MaxObjectBytes      int64        `toml:"max_object_bytes"`
	Vary                []string     `toml:"vary"`
	StaleIfErrorSeconds int          `toml:"stale_if_error_seconds"`
}

// CacheValid maps a set of status codes to a TTL, like an nginx
// proxy_cache_valid line.
type CacheValid struct {
	Statuses   []int `toml:"statuses"`
	TTLSeconds int   `toml:"ttl_seconds"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cdn-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Proxy.RetryLimit < 0 {
		return fmt.Errorf("proxy.retry_limit must be non-negative; got %d", c.Proxy.RetryLimit)
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.max_bytes must be non-negative; got %d", c.Cache.MaxBytes)
	}

	zones := make(map[string]bool)
	for _, z := range c.RateZones {
		if z.Name == "" {
			return fmt.Errorf("rate_zones entries require a name")
		}
		if zones[z.Name] {
			return fmt.Errorf("duplicate rate zone %q", z.Name)
		}
		zones[z.Name] = true
		if z.Capacity <= 0 {
			return fmt.Errorf("rate zone %q: capacity must be > 0; got %d", z.Name, z.Capacity)
		}
		if z.RefillRate <= 0 {
			return fmt.Errorf("rate zone %q: refill_rate must be > 0; got %v", z.Name, z.RefillRate)
		}
	}

	pools := make(map[string]bool)
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("pools entries require a name")
		}
		if pools[p.Name] {
			return fmt.Errorf("duplicate pool %q", p.Name)
		}
		pools[p.Name] = true
		if len(p.Servers) == 0 {
			return fmt.Errorf("pool %q has no servers", p.Name)
		}
		for _, s := range p.Servers {
			u, err := url.Parse(s.Address)
			if err != nil {
				return fmt.Errorf("pool %q: server address %q is not a valid URL: %w", p.Name, s.Address, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("pool %q: server address %q must be http or https", p.Name, s.Address)
			}
			if s.Weight < 0 {
				return fmt.Errorf("pool %q: server %q weight must be non-negative", p.Name, s.Address)
			}
		}
	}

	policies := make(map[string]bool)
	for _, hp := range c.HeaderPolicies {
		if hp.Name == "" {
			return fmt.Errorf("header_policies entries require a name")
		}
		if policies[hp.Name] {
			return fmt.Errorf("duplicate header policy %q", hp.Name)
		}
		policies[hp.Name] = true
	}

	names := make(map[string]bool)
	for _, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("routes entries require a name")
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate route %q", r.Name)
		}
		names[r.Name] = true
		if !strings.HasPrefix(r.Prefix, "/") {
			return fmt.Errorf("route %q: prefix must start with '/'; got %q", r.Name, r.Prefix)
		}
		if r.Pool == "" {
			return fmt.Errorf("route %q: pool is required", r.Name)
		}
		if !pools[r.Pool] {
			return fmt.Errorf("route %q references unknown pool %q", r.Name, r.Pool)
		}
		if r.RateZone != "" && !zones[r.RateZone] {
			return fmt.Errorf("route %q references unknown rate zone %q", r.Name, r.RateZone)
		}
		if r.HeaderPolicy != "" && !policies[r.HeaderPolicy] {
			return fmt.Errorf("route %q references unknown header policy %q", r.Name, r.HeaderPolicy)
		}
		for _, v := range r.Cache.Valid {
			if v.TTLSeconds <= 0 {
				return fmt.Errorf("route %q: cache ttl_seconds must be > 0", r.Name)
			}
			for _, status := range v.Statuses {
				if status < 100 || status > 599 {
					return fmt.Errorf("route %q: cacheable status %d out of range", r.Name, status)
				}
			}
		}
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
		for _, reserved := range []string{"/health", "/api/status", "/api/cache-stats", "/admin"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, RetryLimit, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8080).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1 * 1024 * 1024 // 1 MB
	}
	if c.Proxy.RetryLimit == 0 {
		c.Proxy.RetryLimit = 3
	}
	if c.Proxy.ConnectTimeoutSeconds == 0 {
		c.Proxy.ConnectTimeoutSeconds = 5
	}
	if c.Proxy.ResponseTimeoutSeconds == 0 {
		c.Proxy.ResponseTimeoutSeconds = 30
	}
	if c.Proxy.IdleConnections == 0 {
		c.Proxy.IdleConnections = 100
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = 64 * 1024 * 1024 // 64 MB
	}
	if c.Cache.SweepIntervalSeconds == 0 {
		c.Cache.SweepIntervalSeconds = 60
	}
	if c.Cache.StaleRetentionSeconds == 0 {
		c.Cache.StaleRetentionSeconds = 600
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

	for i := range c.RateZones {
		if c.RateZones[i].IdleSeconds == 0 {
			c.RateZones[i].IdleSeconds = 300
		}
	}
	for i := range c.Pools {
		for j := range c.Pools[i].Servers {
			s := &c.Pools[i].Servers[j]
			if s.Weight == 0 {
				s.Weight = 1
			}
			if s.MaxFails == 0 {
				s.MaxFails = 3
			}
			if s.FailTimeoutSeconds == 0 {
				s.FailTimeoutSeconds = 10
			}
		}
	}
	for i := range c.Routes {
		rc := &c.Routes[i].Cache
		if rc.Enabled && rc.MaxObjectBytes == 0 {
			rc.MaxObjectBytes = 1 * 1024 * 1024 // 1 MB
		}
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

// Path returns the resolved config file path.
func (c *Config) Path() string {
	return c.filePath
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
