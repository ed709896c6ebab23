// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwcache "github.com/tomtom215/mcpgateway/internal/cache"
	"github.com/tomtom215/mcpgateway/internal/procmanager"
	"github.com/tomtom215/mcpgateway/internal/ratelimiter"
	"github.com/tomtom215/mcpgateway/internal/registry"
	"github.com/tomtom215/mcpgateway/internal/supervisor"
)

var (
	buildOnce   sync.Once
	echoBinPath string
	buildErr    error
)

// buildEchoBinary reuses the supervisor package's fake MCP child so the
// proxy pipeline is exercised against a real child process rather than a
// mock transport.
func buildEchoBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir := t.TempDir()
		echoBinPath = filepath.Join(dir, "echo-child")
		cmd := exec.Command("go", "build", "-o", echoBinPath, "../supervisor/testdata/echo")
		buildErr = cmd.Run()
	})
	if buildErr != nil {
		t.Skipf("could not build fake MCP child: %v", buildErr)
	}
	return echoBinPath
}

func newTestProxy(t *testing.T, def registry.ServiceDefinition) (*Proxy, *procmanager.Manager) {
	t.Helper()
	procs := procmanager.New()
	sup, err := procs.Add(def)
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool { return sup.State() == supervisor.StateRunning }, time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	limiter := ratelimiter.New(time.Minute)
	t.Cleanup(limiter.Close)
	cache := gwcache.New(time.Minute)
	t.Cleanup(cache.Close)

	return NewProxy(procs, limiter, cache, nil, "/ws"), procs
}

func echoServiceDef(t *testing.T, proxyPath string) registry.ServiceDefinition {
	wd, err := os.Getwd()
	require.NoError(t, err)
	return registry.ServiceDefinition{
		ID:         "echo-svc",
		EntryPoint: buildEchoBinary(t),
		WorkingDir: wd,
		ProxyPath:  proxyPath,
		Timeout:    2 * time.Second,
		RateLimit:  0,
	}
}

func TestProxy_EchoesAndCachesOnHit(t *testing.T) {
	def := echoServiceDef(t, "/mcp/a")
	def.CacheTTL = time.Minute
	p, _ := newTestProxy(t, def)

	body := `{"jsonrpc":"2.0","method":"ping","id":"7"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp/a/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	first := rec.Body.String()

	req2 := httptest.NewRequest(http.MethodPost, "/mcp/a/", strings.NewReader(body))
	rec2 := httptest.NewRecorder()
	p.Router().ServeHTTP(rec2, req2)

	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "HIT", rec2.Header().Get("X-Cache"))
	assert.Equal(t, first, rec2.Body.String())
}

func TestProxy_InvalidEnvelopeReturns400(t *testing.T) {
	def := echoServiceDef(t, "/mcp/b")
	p, _ := newTestProxy(t, def)

	req := httptest.NewRequest(http.MethodPost, "/mcp/b/", strings.NewReader(`{"method":""}`))
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "-32600")
}

func TestProxy_UnknownPathReturns404(t *testing.T) {
	def := echoServiceDef(t, "/mcp/c")
	p, _ := newTestProxy(t, def)

	req := httptest.NewRequest(http.MethodPost, "/nowhere", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxy_RateLimitReturns429(t *testing.T) {
	def := echoServiceDef(t, "/mcp/d")
	def.RateLimit = 1
	def.RateLimitWindow = time.Minute
	p, _ := newTestProxy(t, def)

	body := `{"jsonrpc":"2.0","method":"ping","id":"1"}`
	first := httptest.NewRequest(http.MethodPost, "/mcp/d/", strings.NewReader(body))
	p.Router().ServeHTTP(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodPost, "/mcp/d/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, second)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestProxy_ServiceHealthEndpoint(t *testing.T) {
	def := echoServiceDef(t, "/mcp/e")
	p, _ := newTestProxy(t, def)

	req := httptest.NewRequest(http.MethodGet, "/mcp/e/health", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "running")
	// The metrics object must carry real per-service data, not a
	// hardcoded empty object.
	assert.Contains(t, rec.Body.String(), "restartCount")
	assert.Contains(t, rec.Body.String(), "pendingRequests")
	assert.Contains(t, rec.Body.String(), "uptimeSeconds")
	assert.NotContains(t, rec.Body.String(), `"metrics":{}`)
}

func TestProxy_GatewayHealthEndpoint(t *testing.T) {
	def := echoServiceDef(t, "/mcp/f")
	p, _ := newTestProxy(t, def)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	p.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}
