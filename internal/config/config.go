// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config holds process-wide configuration for the gateway, loaded
// via koanf from defaults, an optional YAML file, and environment
// variables, in that priority order (see Load in koanf.go).
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
//
// Per-service settings (rateLimit, cacheTTL, timeout, ...) are NOT here —
// those live in the registry's durable ServiceDefinition (internal/registry)
// and can change without a process restart. This struct only covers
// process-wide bootstrap concerns: where the registry lives, how the
// listeners are configured, and ambient defaults applied to services that
// don't override them.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Registry RegistryConfig `koanf:"registry"`
	Logging  LoggingConfig  `koanf:"logging"`
	Defaults ServiceDefaults `koanf:"defaults"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// InitialSetup mirrors the INITIAL_SETUP bootstrap env var: when true,
	// the management API is reachable without an API key until the first
	// key is issued.
	InitialSetup bool `koanf:"initial_setup"`
	// ProxyWebSocketPath is the fixed upgrade path for the bidirectional
	// JSON-RPC bridge; the target service is named by its ?service= query
	// parameter.
	ProxyWebSocketPath string `koanf:"proxy_websocket_path"`
	// CORSAllowedOrigins configures both the proxy and management
	// routers; empty means no cross-origin access.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
	// ManagementRateLimit and ManagementRateLimitWindow bound the coarse,
	// process-wide abuse guard in front of the management API, distinct
	// from the per-service limiter applied on the proxy path.
	ManagementRateLimit       int           `koanf:"management_rate_limit"`
	ManagementRateLimitWindow time.Duration `koanf:"management_rate_limit_window"`
	// TLSCertFile and TLSKeyFile, when both set, back a
	// collab.FileCertificateProvider and switch the listener to HTTPS.
	// Left empty, the server runs HTTP-only.
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`
	// ExternalURL, when set, backs a collab.StaticExternalURL logged at
	// startup; it has no effect on how the server itself listens.
	ExternalURL string `koanf:"external_url"`
}

// RegistryConfig points at the durable Badger-backed registry store.
type RegistryConfig struct {
	// Dir is the directory for the embedded registry database, sourced
	// from the DATABASE_URL bootstrap env var.
	Dir string `koanf:"dir"`
}

// LoggingConfig configures the zerolog global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ServiceDefaults supplies fallback values for ServiceDefinition fields
// left unset at creation time.
type ServiceDefaults struct {
	RateLimit           int           `koanf:"rate_limit"`
	RateLimitWindow     time.Duration `koanf:"rate_limit_window"`
	CacheTTL            time.Duration `koanf:"cache_ttl"`
	Timeout             time.Duration `koanf:"timeout"`
	MaxRestarts         int           `koanf:"max_restarts"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
	LogBufferSize       int           `koanf:"log_buffer_size"`
	NotificationBuffer  int           `koanf:"notification_buffer"`
}

// Default returns production-ready defaults, applied before the file and
// environment layers per Load's documented ordering.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                      "0.0.0.0",
			Port:                      8080,
			ShutdownTimeout:           10 * time.Second,
			ProxyWebSocketPath:        "/ws",
			CORSAllowedOrigins:        []string{},
			ManagementRateLimit:       300,
			ManagementRateLimitWindow: time.Minute,
		},
		Registry: RegistryConfig{
			Dir: "./data/registry",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Defaults: ServiceDefaults{
			RateLimit:           100,
			RateLimitWindow:     time.Minute,
			CacheTTL:            0,
			Timeout:             30 * time.Second,
			MaxRestarts:         5,
			HealthCheckInterval: 30 * time.Second,
			LogBufferSize:       500,
			NotificationBuffer:  256,
		},
	}
}

// Validate checks invariants that must hold before the server starts.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Registry.Dir == "" {
		return fmt.Errorf("registry.dir must not be empty")
	}
	if c.Defaults.Timeout <= 0 {
		return fmt.Errorf("defaults.timeout must be > 0")
	}
	if c.Defaults.RateLimit < 0 {
		return fmt.Errorf("defaults.rate_limit must be >= 0")
	}
	return nil
}
