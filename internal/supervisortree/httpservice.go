// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisortree

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// httpServer matches the subset of *http.Server suture needs, so the
// service can be tested against a fake without a real listener.
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService adapts an http.Server's blocking ListenAndServe into
// a suture.Service: start it in a goroutine, and on context cancellation
// call Shutdown with a bounded grace period.
type HTTPServerService struct {
	server          httpServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService wraps server for the api layer.
func NewHTTPServerService(name string, server *http.Server, shutdownTimeout time.Duration) *HTTPServerService {
	return newHTTPServerService(name, server, shutdownTimeout)
}

// tlsServer adapts *http.Server's ListenAndServeTLS into the httpServer
// interface, using the empty-path form so the certificate already set on
// server.TLSConfig (e.g. via collab.TLSConfigFor) is what gets served.
type tlsServer struct{ *http.Server }

func (t tlsServer) ListenAndServe() error { return t.Server.ListenAndServeTLS("", "") }

// NewTLSHTTPServerService wraps server for the api layer when
// server.TLSConfig has already been populated with certificate material;
// the listener terminates TLS instead of serving plaintext HTTP.
func NewTLSHTTPServerService(name string, server *http.Server, shutdownTimeout time.Duration) *HTTPServerService {
	return newHTTPServerService(name, tlsServer{server}, shutdownTimeout)
}

func newHTTPServerService(name string, server httpServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout, name: name}
}

// Serve implements suture.Service.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listener %s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("listener %s shutdown failed: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer so suture's event log identifies the
// service by name.
func (h *HTTPServerService) String() string {
	return h.name
}
