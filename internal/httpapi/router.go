// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Build composes the management surface under /api and the proxy
// surface everywhere else into a single handler. chi's radix tree
// matches the static /api prefix ahead of the proxy's catch-all, so the
// mount order here does not matter for correctness.
func Build(proxy *Proxy, mgmt *Management) http.Handler {
	r := chi.NewRouter()
	r.Mount("/api", mgmt.Router())
	r.Mount("/", proxy.Router())
	return r
}
