// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"errors"
	"net/http"

	"github.com/tomtom215/mcpgateway/internal/gwerrors"
)

// StatusFor maps a sentinel error from gwerrors to the HTTP status code
// the proxy and management surfaces answer with. Timeout and any
// unrecognized failure both degrade to 500; the distinction clients need
// is in the JSON-RPC error code, not the transport status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, gwerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gwerrors.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, gwerrors.ErrInvalidRequest), errors.Is(err, gwerrors.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, gwerrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gwerrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gwerrors.ErrIllegalState), errors.Is(err, gwerrors.ErrTransportClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
