// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main is the entry point for the gateway server.
//
// mcpgateway fronts a fleet of locally-spawned MCP/JSON-RPC child
// processes with a single HTTP reverse proxy: each service gets a
// process supervisor (restart-on-crash with backoff), a request-scoped
// rate limiter, a response cache, and a proxy path. A companion
// management API administers service definitions, lifecycle, logs, and
// API keys.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: load settings from environment variables and an
//     optional YAML file (koanf v2)
//  2. Registry: open the embedded Badger-backed durable store of service
//     definitions, desired status, and API keys
//  3. Supervision tree: a three-layer suture hierarchy (data, messaging,
//     api) that isolates crashes between layers
//  4. Process manager: construct a Supervisor for every persisted
//     service and start those whose desired status is running
//  5. Rate limiter and response cache: process-wide, shared across every
//     proxied service
//  6. HTTP/WebSocket listener: the proxy and management routers, served
//     as one suture service
//
// # Configuration
//
// Configuration is loaded via koanf v2 with layered sources (highest
// priority wins): environment variables (MCPGATEWAY_ prefixed, plus the
// unprefixed bootstrap variables DATABASE_URL, INITIAL_SETUP, and ENV),
// an optional config.yaml, and built-in defaults.
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM: the
// listener stops accepting new connections, every live supervisor is
// stopped, and the registry is closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/mcpgateway/internal/cache"
	"github.com/tomtom215/mcpgateway/internal/collab"
	"github.com/tomtom215/mcpgateway/internal/config"
	"github.com/tomtom215/mcpgateway/internal/httpapi"
	"github.com/tomtom215/mcpgateway/internal/logging"
	"github.com/tomtom215/mcpgateway/internal/procmanager"
	"github.com/tomtom215/mcpgateway/internal/ratelimiter"
	"github.com/tomtom215/mcpgateway/internal/registry"
	"github.com/tomtom215/mcpgateway/internal/supervisortree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logging.Info().Msg("starting mcpgateway")

	if cfg.Server.InitialSetup {
		logging.Warn().Msg("initial setup mode: management API is unauthenticated until the first API key is issued")
	}
	if len(cfg.Server.CORSAllowedOrigins) == 0 {
		logging.Info().Msg("no CORS origins configured; cross-origin requests will be rejected")
	}

	reg, err := registry.Open(cfg.Registry.Dir)
	if err != nil {
		logging.Fatal().Err(err).Str("dir", cfg.Registry.Dir).Msg("failed to open registry")
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing registry")
		}
	}()
	logging.Info().Str("dir", cfg.Registry.Dir).Msg("registry opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slogLogger := logging.NewSlogLogger()
	tree := supervisortree.New(slogLogger, supervisortree.DefaultConfig())

	procs := procmanager.New()
	if err := procmanager.Boot(ctx, reg, procs); err != nil {
		logging.Fatal().Err(err).Msg("failed to boot services from registry")
	}
	for _, sup := range procs.List() {
		tree.AddMessagingService(supervisortree.NewSupervisorService(sup))
	}
	logging.Info().Int("count", len(procs.List())).Msg("services booted from registry")

	limiter := ratelimiter.New(time.Minute)
	defer limiter.Close()

	respCache := cache.New(time.Minute)
	defer respCache.Close()

	defaults := registry.ServiceDefinition{
		RateLimit:           cfg.Defaults.RateLimit,
		RateLimitWindow:     cfg.Defaults.RateLimitWindow,
		CacheTTL:            cfg.Defaults.CacheTTL,
		Timeout:             cfg.Defaults.Timeout,
		MaxRestarts:         cfg.Defaults.MaxRestarts,
		HealthCheckInterval: cfg.Defaults.HealthCheckInterval,
	}

	proxy := httpapi.NewProxy(procs, limiter, respCache, cfg.Server.CORSAllowedOrigins, cfg.Server.ProxyWebSocketPath)
	mgmt := httpapi.NewManagement(reg, procs, tree, respCache, defaults, cfg.Server.InitialSetup, cfg.Server.CORSAllowedOrigins, cfg.Server.ManagementRateLimit, cfg.Server.ManagementRateLimitWindow)
	handler := httpapi.Build(proxy, mgmt)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Defaults.Timeout,
		WriteTimeout: cfg.Defaults.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	certProvider := collab.CertificateProvider(collab.NoCertificate{})
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		certProvider = collab.FileCertificateProvider{CertFile: cfg.Server.TLSCertFile, KeyFile: cfg.Server.TLSKeyFile}
	}
	tlsConfig, err := collab.TLSConfigFor(certProvider)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load TLS certificate material")
	}

	externalURLProvider := collab.ExternalURLProvider(collab.NoExternalURL{})
	if cfg.Server.ExternalURL != "" {
		externalURLProvider = collab.StaticExternalURL(cfg.Server.ExternalURL)
	}

	var apiService *supervisortree.HTTPServerService
	if tlsConfig != nil {
		server.TLSConfig = tlsConfig
		apiService = supervisortree.NewTLSHTTPServerService("gateway-listener", server, cfg.Server.ShutdownTimeout)
	} else {
		apiService = supervisortree.NewHTTPServerService("gateway-listener", server, cfg.Server.ShutdownTimeout)
	}
	tree.AddAPIService(apiService)

	banner := logging.Info().Str("addr", server.Addr).Bool("tls", tlsConfig != nil)
	if externalURL, ok := externalURLProvider.GetExternalURL(); ok {
		banner = banner.Str("external_url", externalURL)
	}
	banner.Msg("HTTP listener configured")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("starting supervision tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("context canceled, waiting for supervision tree to stop")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervision tree exited with error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervision tree shutdown error")
		}
	}

	procs.StopAll(context.Background())
	logging.Info().Msg("mcpgateway stopped gracefully")
}
