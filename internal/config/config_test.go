// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_PassesValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/ws", cfg.Server.ProxyWebSocketPath)
	assert.Equal(t, 300, cfg.Server.ManagementRateLimit)
}

func TestValidate_RejectsOutOfRangePort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg.Server.Port = 70000
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyRegistryDir(t *testing.T) {
	cfg := Default()
	cfg.Registry.Dir = ""
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveTimeout(t *testing.T) {
	cfg := Default()
	cfg.Defaults.Timeout = 0
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNegativeRateLimit(t *testing.T) {
	cfg := Default()
	cfg.Defaults.RateLimit = -1
	assert.Error(t, cfg.Validate())
}

func TestLoad_AppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv("MCPGATEWAY_SERVER__PORT", "9999")
	t.Setenv("MCPGATEWAY_LOGGING__LEVEL", "debug")
	t.Setenv("DATABASE_URL", t.TempDir())
	t.Setenv("INITIAL_SETUP", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Server.InitialSetup)
}

func TestEnvKeyToKoanf(t *testing.T) {
	assert.Equal(t, "server.port", envKeyToKoanf("MCPGATEWAY_SERVER__PORT"))
	assert.Equal(t, "logging.level", envKeyToKoanf("MCPGATEWAY_LOGGING__LEVEL"))
}
