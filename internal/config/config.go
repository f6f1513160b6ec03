// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"

	"module-gateway/internal/namespace"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/module-gateway/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the gateway itself and cannot host metrics.
var reservedRoutes = []string{"/healthz", "/gateway/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host        string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	RootURI     string           `kong:"name='root-uri',help='Location served under the root path (overrides config).',env='ROOT_URI'"`
	RootPath    string           `kong:"name='root-path',help='Path prefix of the root namespace (overrides config).',env='ROOT_PATH'"`
	LibraryURI  string           `kong:"name='library-uri',help='Location served under the library path (overrides config).',env='LIBRARY_URI'"`
	LibraryPath string           `kong:"name='library-path',help='Path prefix of the library namespace (overrides config).',env='LIBRARY_PATH'"`
	LogLevel    string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version     kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Namespaces NamespacesConfig `toml:"namespaces"`
	JSONP      JSONPConfig      `toml:"jsonp"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// NamespacesConfig holds the root and library namespace mappings.
type NamespacesConfig struct {
	RootURI     string `toml:"root_uri"`
	RootPath    string `toml:"root_path"`
	LibraryURI  string `toml:"library_uri"`
	LibraryPath string `toml:"library_path"`
}

// JSONPConfig controls wrapped-payload responses.
type JSONPConfig struct {
	CallbackParam string `toml:"callback_param"`
	// StrictCallback rejects callback names that are not dotted JavaScript
	// identifiers. Off by default: names are echoed verbatim.
	StrictCallback bool `toml:"strict_callback"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int                  `toml:"timeout_seconds"`
	IdleConnections int                  `toml:"idle_connections"`
	MaxBodyBytes    int64                `toml:"max_body_bytes"`
	CircuitBreaker  CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig controls the optional per-host upstream breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	Compress   bool   `toml:"compress"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/module-gateway/config.toml then configs/config.toml. If no file is
// found, a namespace location given on the command line is enough to start.
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
	case cli.RootURI == "" && cli.LibraryURI == "":
		return nil, fmt.Errorf("config: no config file found (searched %v) and no --root-uri or --library-uri given", configSearchPaths)
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
	if cli.RootURI != "" {
		c.Namespaces.RootURI = cli.RootURI
	}
	if cli.RootPath != "" {
		c.Namespaces.RootPath = cli.RootPath
	}
	if cli.LibraryURI != "" {
		c.Namespaces.LibraryURI = cli.LibraryURI
	}
	if cli.LibraryPath != "" {
		c.Namespaces.LibraryPath = cli.LibraryPath
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Namespaces.RootURI == "" && c.Namespaces.LibraryURI == "" {
		return errors.New("namespaces.root_uri or namespaces.library_uri is required")
	}
	if _, err := namespace.New(c.NamespaceOptions()); err != nil {
		return err
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if cb := c.Upstream.CircuitBreaker; cb.Enabled {
		if cb.FailureThreshold < 0 {
			return fmt.Errorf("upstream.circuit_breaker.failure_threshold must be non-negative; got %d", cb.FailureThreshold)
		}
		if cb.OpenSeconds < 0 {
			return fmt.Errorf("upstream.circuit_breaker.open_seconds must be non-negative; got %d", cb.OpenSeconds)
		}
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_size_mb and log.max_backups must be non-negative; got %d, %d", c.Log.MaxSizeMB, c.Log.MaxBackups)
	}

	// JSONP callback parameter: query keys are case-sensitive, reject whitespace.
	if strings.TrimSpace(c.JSONP.CallbackParam) != c.JSONP.CallbackParam {
		return fmt.Errorf("jsonp.callback_param must not contain surrounding whitespace; got %q", c.JSONP.CallbackParam)
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
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, TimeoutSeconds, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.JSONP.CallbackParam == "" {
		c.JSONP.CallbackParam = "callback"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.CircuitBreaker.FailureThreshold == 0 {
		c.Upstream.CircuitBreaker.FailureThreshold = 5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NamespaceOptions converts the namespace section into resolver options.
func (c *Config) NamespaceOptions() namespace.Options {
	return namespace.Options{
		RootURI:     c.Namespaces.RootURI,
		RootPath:    c.Namespaces.RootPath,
		LibraryURI:  c.Namespaces.LibraryURI,
		LibraryPath: c.Namespaces.LibraryPath,
	}
}

// ShadowedRoutes lists the gateway's own routes that also fall inside a
// module namespace. Requests for them never reach the module, since fixed
// routes are matched first.
func (c *Config) ShadowedRoutes() []string {
	ns, err := namespace.New(c.NamespaceOptions())
	if err != nil {
		return nil
	}
	routes := append([]string(nil), reservedRoutes...)
	if c.Metrics.Enabled {
		routes = append(routes, c.Metrics.Path)
	}
	var shadowed []string
	for _, r := range routes {
		if _, ok := ns.Resolve(r); ok {
			shadowed = append(shadowed, r)
		}
	}
	return shadowed
}

// WarnShadowedRoutes logs a warning for every route ShadowedRoutes reports.
func (c *Config) WarnShadowedRoutes(logger *slog.Logger) {
	for _, r := range c.ShadowedRoutes() {
		logger.Warn("gateway route shadows a module path of the same name",
			"route", r,
		)
	}
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
