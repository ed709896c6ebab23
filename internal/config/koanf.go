// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in
// priority order. The first one found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/mcpgateway/config.yaml",
}

// ConfigPathEnvVar overrides the config file search with an explicit path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the Config from, in increasing priority:
//  1. Default() values,
//  2. an optional YAML config file,
//  3. environment variables (prefixed MCPGATEWAY_, double-underscore
//     delimited for nested keys, e.g. MCPGATEWAY_SERVER__PORT).
//
// It also honors three bootstrap-only environment variables directly:
// DATABASE_URL overrides registry.dir, INITIAL_SETUP overrides
// server.initial_setup, and ENV selects the logging format (production →
// json, anything else → console).
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := configFilePath(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.ProviderWithValue("MCPGATEWAY_", ".", func(s, v string) (string, interface{}) {
		key := envKeyToKoanf(s)
		return key, v
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyBootstrapEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envKeyToKoanf converts MCPGATEWAY_SERVER__PORT to server.port.
func envKeyToKoanf(s string) string {
	trimmed := s[len("MCPGATEWAY_"):]
	result := make([]byte, 0, len(trimmed))
	for i := 0; i < len(trimmed); i++ {
		switch {
		case trimmed[i] == '_' && i+1 < len(trimmed) && trimmed[i+1] == '_':
			result = append(result, '.')
			i++
		case trimmed[i] >= 'A' && trimmed[i] <= 'Z':
			result = append(result, trimmed[i]+('a'-'A'))
		default:
			result = append(result, trimmed[i])
		}
	}
	return string(result)
}

func configFilePath() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// applyBootstrapEnv wires the three bootstrap-only environment variables
// directly, since they are not meant to go through the MCPGATEWAY_ prefix
// convention (operators expect them unprefixed).
func applyBootstrapEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Registry.Dir = v
	}
	if v := os.Getenv("INITIAL_SETUP"); v == "true" || v == "1" {
		cfg.Server.InitialSetup = true
	}
	if v := os.Getenv("ENV"); v != "" {
		if v == "production" {
			cfg.Logging.Format = "json"
		} else {
			cfg.Logging.Format = "console"
		}
	}
}
