// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := New(time.Hour)
	defer l.Close()

	for i := 0; i < 3; i++ {
		res := l.Allow("svc-1", "client-a", 3, time.Minute)
		assert.True(t, res.Allowed)
	}
	blocked := l.Allow("svc-1", "client-a", 3, time.Minute)
	assert.False(t, blocked.Allowed)
	assert.Equal(t, 0, blocked.Remaining)
}

func TestLimiter_SeparateClientsIndependent(t *testing.T) {
	l := New(time.Hour)
	defer l.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("svc-1", "client-a", 3, time.Minute).Allowed)
	}
	res := l.Allow("svc-1", "client-b", 3, time.Minute)
	assert.True(t, res.Allowed)
}

func TestLimiter_SeparateServicesIndependent(t *testing.T) {
	l := New(time.Hour)
	defer l.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("svc-1", "client-a", 3, time.Minute).Allowed)
	}
	res := l.Allow("svc-2", "client-a", 3, time.Minute)
	assert.True(t, res.Allowed)
}

func TestLimiter_WindowResets(t *testing.T) {
	l := New(time.Hour)
	defer l.Close()

	assert.True(t, l.Allow("svc-1", "client-a", 1, 10*time.Millisecond).Allowed)
	assert.False(t, l.Allow("svc-1", "client-a", 1, 10*time.Millisecond).Allowed)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow("svc-1", "client-a", 1, 10*time.Millisecond).Allowed)
}

func TestLimiter_NonPositiveLimitIsUnlimited(t *testing.T) {
	l := New(time.Hour)
	defer l.Close()

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("svc-1", "client-a", 0, time.Minute).Allowed)
	}
}

func TestLimiter_RetryAfter(t *testing.T) {
	res := Result{Allowed: false, ResetAt: time.Now().Add(3 * time.Second)}
	assert.GreaterOrEqual(t, res.RetryAfter(), 2)
	assert.LessOrEqual(t, res.RetryAfter(), 3)
}

func TestClientKey_PrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mcp/a/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.2")
	assert.Equal(t, "203.0.113.5", ClientKey(r))
}

func TestClientKey_FallsBackToRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mcp/a/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Real-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", ClientKey(r))
}

func TestClientKey_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mcp/a/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", ClientKey(r))
}

func TestSetHeaders_SetsRetryAfterOnlyWhenBlocked(t *testing.T) {
	w := httptest.NewRecorder()
	SetHeaders(w, Result{Allowed: true, Limit: 3, Remaining: 2, ResetAt: time.Now().Add(time.Minute)})
	assert.Empty(t, w.Header().Get("Retry-After"))

	w2 := httptest.NewRecorder()
	SetHeaders(w2, Result{Allowed: false, Limit: 3, Remaining: 0, ResetAt: time.Now().Add(time.Minute)})
	assert.NotEmpty(t, w2.Header().Get("Retry-After"))
}
