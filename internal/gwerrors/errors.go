// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gwerrors defines the sentinel error taxonomy shared across the
// gateway's components, mirroring the error-code boundary model of the
// proxy/management HTTP surfaces.
package gwerrors

import "errors"

// Sentinel errors. Every boundary (supervisor, proxy router, management
// surface) wraps one of these with fmt.Errorf("...: %w", ...) rather than
// inventing ad-hoc error strings, so callers can errors.Is against a stable
// taxonomy.
var (
	// ErrNotFound indicates no such service or route exists.
	ErrNotFound = errors.New("not found")

	// ErrIllegalState indicates a command arrived while the supervisor was
	// in a state that does not accept it (e.g. sendRequest while stopped).
	ErrIllegalState = errors.New("illegal state")

	// ErrRateLimited indicates the per-(service,client) window is exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidRequest indicates the JSON-RPC envelope failed validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidParams indicates the envelope was well-formed but its
	// fields were rejected by a more specific check.
	ErrInvalidParams = errors.New("invalid params")

	// ErrTimeout indicates a deadline elapsed waiting for the child.
	ErrTimeout = errors.New("timeout")

	// ErrTransportClosed indicates the child's stdio transport failed or
	// the child exited while a request was outstanding.
	ErrTransportClosed = errors.New("transport closed")

	// ErrUnauthorized indicates a missing, invalid, or inactive API key.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal is the catch-all for unexpected failures.
	ErrInternal = errors.New("internal error")

	// ErrAlreadyExists indicates a duplicate id or proxyPath on create.
	ErrAlreadyExists = errors.New("already exists")
)

// JSONRPCCode maps a sentinel error to the JSON-RPC 2.0 error code the
// wire protocol requires.
func JSONRPCCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return -32600
	case errors.Is(err, ErrInvalidParams):
		return -32602
	default:
		// timeout, transportClosed, illegalState, internal, not found all
		// surface as -32603 on the JSON-RPC side; httpapi.StatusFor maps
		// them to 404 (not found), 503 (illegalState, transportClosed) and
		// 500 (timeout, internal).
		return -32603
	}
}
