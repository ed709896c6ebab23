// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/mcpgateway/internal/cache"
	"github.com/tomtom215/mcpgateway/internal/logging"
	"github.com/tomtom215/mcpgateway/internal/procmanager"
	"github.com/tomtom215/mcpgateway/internal/registry"
	"github.com/tomtom215/mcpgateway/internal/supervisortree"
	"github.com/tomtom215/mcpgateway/internal/wsbridge"
)

// Management implements the CRUD, lifecycle, log, and API-key surface
// that administers the gateway's services. Every route is authenticated
// except when InitialSetup is true and no key has been issued yet.
type Management struct {
	reg          *registry.Registry
	procs        *procmanager.Manager
	tree         *supervisortree.Tree
	cache        *cache.Cache
	defaults     registry.ServiceDefinition
	initialSetup bool
	corsOrigins  []string
	rateLimit    int
	rateWindow   time.Duration

	tokensMu sync.Mutex
	tokens   map[string]suture.ServiceToken
}

// NewManagement builds a Management surface. defaults supplies fallback
// values merged into a create request's zero fields. tree receives the
// messaging-layer registration for services created after boot, so a
// service added at runtime is still stopped on shutdown; it may be nil
// in tests that do not exercise lifecycle coordination with a tree.
func NewManagement(reg *registry.Registry, procs *procmanager.Manager, tree *supervisortree.Tree, respCache *cache.Cache, defaults registry.ServiceDefinition, initialSetup bool, corsOrigins []string, rateLimit int, rateWindow time.Duration) *Management {
	return &Management{
		reg:          reg,
		procs:        procs,
		tree:         tree,
		cache:        respCache,
		defaults:     defaults,
		initialSetup: initialSetup,
		corsOrigins:  corsOrigins,
		rateLimit:    rateLimit,
		rateWindow:   rateWindow,
		tokens:       make(map[string]suture.ServiceToken),
	}
}

// Router builds the chi handler for the management surface.
func (m *Management) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, middleware.Timeout(30*time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: m.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))
	if m.rateLimit > 0 {
		r.Use(httprate.Limit(m.rateLimit, m.rateWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Group(func(r chi.Router) {
		r.Use(m.authenticate)

		r.Get("/metrics", promhttp.Handler().ServeHTTP)

		r.Route("/services", func(r chi.Router) {
			r.Get("/", m.listServices)
			r.Post("/", m.createService)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", m.getService)
				r.Put("/", m.updateService)
				r.Delete("/", m.deleteService)
				r.Post("/start", m.startService)
				r.Post("/stop", m.stopService)
				r.Post("/restart", m.restartService)
				r.Get("/logs", m.getLogs)
				r.Get("/logs/stream", m.streamLogs)
			})
		})

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", m.listKeys)
			r.Post("/", m.issueKey)
			r.Delete("/{hash}", m.revokeKey)
		})
	})

	return r
}

// authenticate enforces the X-API-Key header / api_key query contract.
// It is skipped only during initial setup, before any key exists.
func (m *Management) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.initialSetup {
			keys, err := m.reg.ListAPIKeys(r.Context())
			if err == nil && len(keys) == 0 {
				next.ServeHTTP(w, r)
				return
			}
		}

		secret := r.Header.Get("X-API-Key")
		if secret == "" {
			secret = r.URL.Query().Get("api_key")
		}
		if secret == "" {
			NewResponseWriter(w, r).Unauthorized("missing API key")
			return
		}

		rec, err := m.reg.ValidateAPIKey(r.Context(), secret)
		if err != nil {
			logging.Warn().Str("path", r.URL.Path).Msg("rejected management request with invalid API key")
			NewResponseWriter(w, r).Unauthorized("invalid or inactive API key")
			return
		}
		_ = rec
		next.ServeHTTP(w, r)
	})
}

func (m *Management) listServices(w http.ResponseWriter, r *http.Request) {
	defs, err := m.reg.ListServices(r.Context())
	if err != nil {
		NewResponseWriter(w, r).InternalError("failed to list services")
		return
	}
	NewResponseWriter(w, r).SuccessWithPagination(defs, &PaginationMeta{Total: len(defs), Count: len(defs)})
}

func (m *Management) createService(w http.ResponseWriter, r *http.Request) {
	var def registry.ServiceDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		NewResponseWriter(w, r).BadRequest("malformed request body")
		return
	}
	m.applyDefaults(&def)

	created, err := m.reg.CreateService(r.Context(), def)
	if err != nil {
		rw := NewResponseWriter(w, r)
		rw.Error(StatusFor(err), ErrCodeConflict, err.Error())
		return
	}
	sup, err := m.procs.Add(created)
	if err != nil {
		logging.Error().Err(err).Str("service_id", created.ID).Msg("failed to register supervisor for new service")
	} else if m.tree != nil {
		token := m.tree.AddMessagingService(supervisortree.NewSupervisorService(sup))
		m.tokensMu.Lock()
		m.tokens[created.ID] = token
		m.tokensMu.Unlock()
	}
	NewResponseWriter(w, r).Created(created)
}

func (m *Management) applyDefaults(def *registry.ServiceDefinition) {
	if def.RateLimitWindow <= 0 {
		def.RateLimitWindow = m.defaults.RateLimitWindow
	}
	if def.RateLimit == 0 {
		def.RateLimit = m.defaults.RateLimit
	}
	if def.CacheTTL == 0 {
		def.CacheTTL = m.defaults.CacheTTL
	}
	if def.Timeout <= 0 {
		def.Timeout = m.defaults.Timeout
	}
	if def.MaxRestarts == 0 {
		def.MaxRestarts = m.defaults.MaxRestarts
	}
	if def.HealthCheckInterval <= 0 {
		def.HealthCheckInterval = m.defaults.HealthCheckInterval
	}
}

func (m *Management) getService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	def, err := m.reg.GetService(r.Context(), id)
	if err != nil {
		NewResponseWriter(w, r).NotFound("no such service")
		return
	}
	NewResponseWriter(w, r).Success(def)
}

func (m *Management) updateService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var def registry.ServiceDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		NewResponseWriter(w, r).BadRequest("malformed request body")
		return
	}
	def.ID = id

	updated, err := m.reg.UpdateService(r.Context(), def)
	if err != nil {
		rw := NewResponseWriter(w, r)
		rw.Error(StatusFor(err), ErrCodeConflict, err.Error())
		return
	}
	if sup, ok := m.procs.Get(id); ok {
		sup.UpdateDefinition(updated)
	}
	m.cache.DeleteService(id)
	NewResponseWriter(w, r).Success(updated)
}

func (m *Management) deleteService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := m.procs.Remove(r.Context(), id); err != nil {
		NewResponseWriter(w, r).InternalError("failed to stop service")
		return
	}
	if m.tree != nil {
		m.tokensMu.Lock()
		token, ok := m.tokens[id]
		delete(m.tokens, id)
		m.tokensMu.Unlock()
		if ok {
			if err := m.tree.RemoveMessagingService(token); err != nil {
				logging.Warn().Err(err).Str("service_id", id).Msg("failed to remove service from supervision tree")
			}
		}
	}
	if err := m.reg.DeleteService(r.Context(), id); err != nil {
		NewResponseWriter(w, r).Error(StatusFor(err), ErrCodeNotFound, err.Error())
		return
	}
	m.cache.DeleteService(id)
	NewResponseWriter(w, r).NoContent()
}

func (m *Management) startService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sup, ok := m.procs.Get(id)
	if !ok {
		NewResponseWriter(w, r).NotFound("no such service")
		return
	}
	if err := m.reg.SetDesiredStatus(r.Context(), id, registry.DesiredRunning); err != nil {
		NewResponseWriter(w, r).InternalError("failed to persist desired status")
		return
	}
	if err := sup.Start(r.Context()); err != nil {
		NewResponseWriter(w, r).Error(StatusFor(err), ErrCodeInternalError, err.Error())
		return
	}
	NewResponseWriter(w, r).Success(map[string]interface{}{"status": sup.State()})
}

func (m *Management) stopService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sup, ok := m.procs.Get(id)
	if !ok {
		NewResponseWriter(w, r).NotFound("no such service")
		return
	}
	if err := m.reg.SetDesiredStatus(r.Context(), id, registry.DesiredStopped); err != nil {
		NewResponseWriter(w, r).InternalError("failed to persist desired status")
		return
	}
	if err := sup.Stop(r.Context()); err != nil {
		NewResponseWriter(w, r).Error(StatusFor(err), ErrCodeInternalError, err.Error())
		return
	}
	NewResponseWriter(w, r).Success(map[string]interface{}{"status": sup.State()})
}

func (m *Management) restartService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sup, ok := m.procs.Get(id)
	if !ok {
		NewResponseWriter(w, r).NotFound("no such service")
		return
	}
	if err := m.reg.SetDesiredStatus(r.Context(), id, registry.DesiredRunning); err != nil {
		NewResponseWriter(w, r).InternalError("failed to persist desired status")
		return
	}
	if err := sup.Restart(r.Context()); err != nil {
		NewResponseWriter(w, r).Error(StatusFor(err), ErrCodeInternalError, err.Error())
		return
	}
	NewResponseWriter(w, r).Success(map[string]interface{}{"status": sup.State()})
}

func (m *Management) getLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sup, ok := m.procs.Get(id)
	if !ok {
		NewResponseWriter(w, r).NotFound("no such service")
		return
	}
	lines := sup.Logs()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(lines) {
		lines = lines[len(lines)-limit:]
	}
	NewResponseWriter(w, r).Success(map[string]interface{}{"logs": lines})
}

func (m *Management) streamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sup, ok := m.procs.Get(id)
	if !ok {
		NewResponseWriter(w, r).NotFound("no such service")
		return
	}
	wsbridge.ServeLogStream(w, r, sup)
}

func (m *Management) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := m.reg.ListAPIKeys(r.Context())
	if err != nil {
		NewResponseWriter(w, r).InternalError("failed to list API keys")
		return
	}
	NewResponseWriter(w, r).Success(keys)
}

func (m *Management) issueKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	plaintext, rec, err := m.reg.IssueAPIKey(r.Context(), body.Name)
	if err != nil {
		NewResponseWriter(w, r).InternalError("failed to issue API key")
		return
	}
	NewResponseWriter(w, r).Created(map[string]interface{}{
		"apiKey": plaintext,
		"name":   rec.Name,
		"hash":   rec.Hash,
	})
}

func (m *Management) revokeKey(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if err := m.reg.RevokeAPIKey(r.Context(), hash); err != nil {
		NewResponseWriter(w, r).Error(StatusFor(err), ErrCodeNotFound, err.Error())
		return
	}
	NewResponseWriter(w, r).NoContent()
}
