// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/mcpgateway/internal/metrics"
	"github.com/tomtom215/mcpgateway/internal/registry"
	"github.com/tomtom215/mcpgateway/internal/rpc"
)

var (
	buildOnce   sync.Once
	echoBinPath string
	buildErr    error
)

// buildEchoBinary compiles the fake MCP child once per test run and
// returns its path. Tests skip (rather than fail) if the toolchain is
// unavailable in the sandbox running them.
func buildEchoBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir := t.TempDir()
		echoBinPath = filepath.Join(dir, "echo-child")
		cmd := exec.Command("go", "build", "-o", echoBinPath, "./testdata/echo")
		cmd.Dir = "."
		buildErr = cmd.Run()
	})
	if buildErr != nil {
		t.Skipf("could not build fake MCP child: %v", buildErr)
	}
	return echoBinPath
}

func echoDefinition(t *testing.T) registry.ServiceDefinition {
	bin := buildEchoBinary(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	return registry.ServiceDefinition{
		ID:                  "echo-svc",
		EntryPoint:          bin,
		WorkingDir:          wd,
		Timeout:             2 * time.Second,
		AutoRestart:         true,
		MaxRestarts:         3,
		HealthCheckInterval: 50 * time.Millisecond,
	}
}

func TestSupervisor_StartStop(t *testing.T) {
	sup := New(echoDefinition(t))
	ctx := context.Background()

	require.NoError(t, sup.Start(ctx))
	assert.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Stop(ctx))
	assert.Equal(t, StateStopped, sup.State())
}

func TestSupervisor_SendRequestEcho(t *testing.T) {
	sup := New(echoDefinition(t))
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)
	require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, 10*time.Millisecond)

	req := rpc.Message{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Method: "ping"}
	resp, err := sup.SendRequest(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.Equal(t, `"1"`, string(resp.ID))
}

func TestSupervisor_SendRequest_AssignsIDWhenMissing(t *testing.T) {
	sup := New(echoDefinition(t))
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)
	require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, 10*time.Millisecond)

	req := rpc.Message{JSONRPC: "2.0", Method: "ping"}
	resp, err := sup.SendRequest(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, string(resp.ID))
}

func TestSupervisor_SendRequest_IllegalStateWhenStopped(t *testing.T) {
	sup := New(echoDefinition(t))
	_, err := sup.SendRequest(context.Background(), rpc.Message{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Method: "ping"})
	assert.Error(t, err)
}

func TestSupervisor_CrashTriggersRestart(t *testing.T) {
	def := echoDefinition(t)
	def.ID = "crash-restart-svc"
	sup := New(def)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)
	require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, 10*time.Millisecond)

	restartsBefore := testutil.ToFloat64(metrics.ServiceRestartsTotal.WithLabelValues(def.ID))

	// Fire-and-forget: the crash method exits the child before it can
	// write a response, so we don't wait on SendRequest's result.
	req := rpc.Message{JSONRPC: "2.0", ID: json.RawMessage(`"crash-1"`), Method: "crash"}
	go func() { _, _ = sup.SendRequest(ctx, req) }()

	assert.Eventually(t, func() bool {
		s := sup.State()
		return s == StateCrashed || s == StateRestarting || s == StateRunning
	}, 3*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool { return sup.State() == StateRunning }, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, restartsBefore+1, testutil.ToFloat64(metrics.ServiceRestartsTotal.WithLabelValues(def.ID)))
	assert.Equal(t, 1, sup.RestartCount())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ServiceState.WithLabelValues(def.ID))) // running
}

func TestSupervisor_StateMetricTracksLifecycle(t *testing.T) {
	def := echoDefinition(t)
	def.ID = "state-metric-svc"
	sup := New(def)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ServiceState.WithLabelValues(def.ID))) // stopped

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ServiceState.WithLabelValues(def.ID))) // running

	require.NoError(t, sup.Stop(ctx))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ServiceState.WithLabelValues(def.ID))) // stopped
}

func TestSupervisor_Logs(t *testing.T) {
	sup := New(echoDefinition(t))
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)
	require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, 10*time.Millisecond)

	req := rpc.Message{JSONRPC: "2.0", ID: json.RawMessage(`"1"`), Method: "unparsable-trigger"}
	_, _ = sup.SendRequest(ctx, req)
	_ = sup.Logs() // the ring buffer is empty unless the child wrote to stderr; just exercise the path.
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, 30*time.Second, backoffDelay(10))
}
