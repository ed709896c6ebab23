// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"

	"github.com/tomtom215/mcpgateway/internal/cache"
	"github.com/tomtom215/mcpgateway/internal/gwerrors"
	"github.com/tomtom215/mcpgateway/internal/logging"
	"github.com/tomtom215/mcpgateway/internal/metrics"
	"github.com/tomtom215/mcpgateway/internal/procmanager"
	"github.com/tomtom215/mcpgateway/internal/ratelimiter"
	"github.com/tomtom215/mcpgateway/internal/rpc"
	"github.com/tomtom215/mcpgateway/internal/supervisor"
	"github.com/tomtom215/mcpgateway/internal/wsbridge"
)

const maxProxyBodyBytes = 4 << 20 // 4 MiB

// Proxy implements the reverse-proxy HTTP surface: POST {proxyPath}/*,
// GET {proxyPath}/health, and GET /health. When upgradePath is set, the
// router also serves the WebSocket bridge there, handing the upgraded
// connection to wsbridge.ServeProxyBridge, which owns its own long-lived
// read/write pumps.
type Proxy struct {
	procs       *procmanager.Manager
	limiter     *ratelimiter.Limiter
	cache       *cache.Cache
	corsOrigins []string
	upgradePath string
}

// NewProxy builds a Proxy over the live supervisor registry, rate
// limiter, and response cache. upgradePath is the fixed WebSocket bridge
// route; the target service is named by its ?service= query parameter.
func NewProxy(procs *procmanager.Manager, limiter *ratelimiter.Limiter, respCache *cache.Cache, corsOrigins []string, upgradePath string) *Proxy {
	return &Proxy{procs: procs, limiter: limiter, cache: respCache, corsOrigins: corsOrigins, upgradePath: upgradePath}
}

// Router builds the chi handler for the proxy surface.
func (p *Proxy) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: p.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", p.handleGatewayHealth)
	if p.upgradePath != "" {
		r.Get(p.upgradePath, p.handleBridge)
	}
	r.Handle("/*", http.HandlerFunc(p.handleProxyPath))
	return r
}

func (p *Proxy) handleBridge(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("service")
	sup, ok := p.procs.Get(id)
	if !ok {
		NewResponseWriter(w, r).NotFound("no such service")
		return
	}
	if sup.State() != supervisor.StateRunning {
		NewResponseWriter(w, r).ServiceUnavailable("service is not running", map[string]interface{}{
			"status": sup.State(), "lastError": sup.LastError(),
		})
		return
	}
	wsbridge.ServeProxyBridge(w, r, sup)
}

func (p *Proxy) handleProxyPath(w http.ResponseWriter, r *http.Request) {
	sup, rest, ok := resolveByPath(p.procs, r.URL.Path)
	if !ok {
		NewResponseWriter(w, r).NotFound("no service claims this path")
		return
	}

	if rest == "health" && r.Method == http.MethodGet {
		p.handleServiceHealth(w, r, sup)
		return
	}

	if r.Method != http.MethodPost {
		NewResponseWriter(w, r).Error(http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
		return
	}

	p.handleRPC(w, r, sup)
}

func (p *Proxy) handleGatewayHealth(w http.ResponseWriter, r *http.Request) {
	total, running, stopped := 0, 0, 0
	for _, sup := range p.procs.List() {
		total++
		switch sup.State() {
		case supervisor.StateRunning:
			running++
		case supervisor.StateStopped:
			stopped++
		}
	}
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"status": "healthy",
		"services": map[string]int{
			"total":   total,
			"running": running,
			"stopped": stopped,
		},
	})
}

func (p *Proxy) handleServiceHealth(w http.ResponseWriter, r *http.Request, sup *supervisor.Supervisor) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"status": sup.State(),
		"metrics": map[string]interface{}{
			"restartCount":    sup.RestartCount(),
			"pendingRequests": sup.PendingRequests(),
			"uptimeSeconds":   sup.Uptime().Seconds(),
		},
		"lastError": sup.LastError(),
	})
}

func (p *Proxy) handleRPC(w http.ResponseWriter, r *http.Request, sup *supervisor.Supervisor) {
	def := sup.Definition()
	started := time.Now()

	clientKey := ratelimiter.ClientKey(r)
	result := p.limiter.Allow(def.ID, clientKey, def.RateLimit, def.RateLimitWindow)
	ratelimiter.SetHeaders(w, result)
	if !result.Allowed {
		metrics.RecordRateLimitRejection(def.ID)
		metrics.RecordProxyRequest(def.ID, "rate_limited", time.Since(started))
		NewResponseWriter(w, r).TooManyRequests("rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBodyBytes+1))
	if err != nil {
		metrics.RecordProxyRequest(def.ID, "error", time.Since(started))
		NewResponseWriter(w, r).BadRequest("failed to read request body")
		return
	}
	if len(body) > maxProxyBodyBytes {
		metrics.RecordProxyRequest(def.ID, "error", time.Since(started))
		NewResponseWriter(w, r).BadRequest("request body too large")
		return
	}

	msg, _, parseErr := rpc.Parse(body)
	if parseErr != nil || rpc.ValidateEnvelope(msg) != nil {
		metrics.RecordProxyRequest(def.ID, "invalid", time.Since(started))
		p.writeRPCError(w, msg.ID, -32600, "Invalid Request", http.StatusBadRequest)
		return
	}

	fingerprint, err := rpc.Fingerprint(def.ID, body)
	if err != nil {
		metrics.RecordProxyRequest(def.ID, "error", time.Since(started))
		NewResponseWriter(w, r).InternalError("failed to fingerprint request")
		return
	}
	cacheKey := cache.Key(def.ID, fingerprint)

	if cached, hit := p.cache.Get(cacheKey); hit {
		metrics.RecordCacheResult(def.ID, true)
		metrics.RecordProxyRequest(def.ID, "cache_hit", time.Since(started))
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(cached)
		return
	}
	metrics.RecordCacheResult(def.ID, false)

	if sup.State() != supervisor.StateRunning {
		metrics.RecordProxyRequest(def.ID, "unavailable", time.Since(started))
		NewResponseWriter(w, r).ServiceUnavailable("service is not running", map[string]interface{}{
			"status":    sup.State(),
			"lastError": sup.LastError(),
		})
		return
	}

	ctx := r.Context()
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := sup.SendRequest(sendCtx, msg)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, gwerrors.ErrIllegalState):
			status = http.StatusServiceUnavailable
		case errors.Is(err, gwerrors.ErrTimeout), errors.Is(err, gwerrors.ErrTransportClosed):
			status = http.StatusInternalServerError
		}
		metrics.RecordProxyRequest(def.ID, "error", time.Since(started))
		p.writeRPCError(w, msg.ID, -32603, "Internal error", status)
		return
	}

	respBytes := resp.Raw
	if len(respBytes) == 0 {
		respBytes, err = rpc.Marshal(resp)
		if err != nil {
			metrics.RecordProxyRequest(def.ID, "error", time.Since(started))
			NewResponseWriter(w, r).InternalError("failed to marshal response")
			return
		}
	}

	if resp.Error == nil && def.CacheTTL > 0 {
		p.cache.Set(cacheKey, respBytes, def.CacheTTL)
	}

	metrics.RecordProxyRequest(def.ID, "ok", time.Since(started))
	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBytes)
}

func (p *Proxy) writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, status int) {
	env := rpc.NewErrorResponse(id, code, message)
	data, err := rpc.Marshal(env)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal json-rpc error envelope")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
