// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"strings"

	"github.com/tomtom215/mcpgateway/internal/procmanager"
	"github.com/tomtom215/mcpgateway/internal/supervisor"
)

// resolveByPath picks the supervisor whose proxyPath is the longest
// prefix of requestPath, matching on a path-segment boundary so
// "/mcp/ab" never matches a service registered at "/mcp/a". Returns
// (nil, "", false) if no service claims a prefix of the path.
func resolveByPath(procs *procmanager.Manager, requestPath string) (sup *supervisor.Supervisor, rest string, ok bool) {
	var best *supervisor.Supervisor
	var bestPrefix string

	for _, candidate := range procs.List() {
		prefix := candidate.Definition().ProxyPath
		if prefix == "" || !strings.HasPrefix(requestPath, prefix) {
			continue
		}
		if len(requestPath) > len(prefix) && requestPath[len(prefix)] != '/' {
			continue
		}
		if best == nil || len(prefix) > len(bestPrefix) {
			best = candidate
			bestPrefix = prefix
		}
	}

	if best == nil {
		return nil, "", false
	}
	return best, strings.TrimPrefix(requestPath[len(bestPrefix):], "/"), true
}
