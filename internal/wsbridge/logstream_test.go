// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomtom215/mcpgateway/internal/rpc"
)

func mustParse(t *testing.T, raw string) rpc.Message {
	t.Helper()
	msg, _, err := rpc.Parse([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestServeLogStream_ForwardsLogLines(t *testing.T) {
	sup := runningEchoSupervisor(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeLogStream(w, r, sup)
	}))
	defer server.Close()

	conn := dialBridge(t, server)
	defer conn.Close()

	_, err := sup.SendRequest(context.Background(), mustParse(t, `{"jsonrpc":"2.0","method":"stderrline","id":"stream-1"}`))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	found := false
	for i := 0; i < 5 && !found; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if strings.Contains(string(data), "test stderr line") {
			found = true
		}
	}
	require.True(t, found)
}
