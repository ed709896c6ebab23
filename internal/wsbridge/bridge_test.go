// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package wsbridge

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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/mcpgateway/internal/registry"
	"github.com/tomtom215/mcpgateway/internal/supervisor"
)

var (
	buildOnce   sync.Once
	echoBinPath string
	buildErr    error
)

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

func runningEchoSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)

	sup := supervisor.New(registry.ServiceDefinition{
		ID:         "bridge-echo",
		EntryPoint: buildEchoBinary(t),
		WorkingDir: wd,
		Timeout:    2 * time.Second,
	})
	require.NoError(t, sup.Start(context.Background()))
	require.Eventually(t, func() bool { return sup.State() == supervisor.StateRunning }, time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })
	return sup
}

func dialBridge(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	return conn
}

func TestServeProxyBridge_RequestResponseRoundTrip(t *testing.T) {
	sup := runningEchoSupervisor(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeProxyBridge(w, r, sup)
	}))
	defer server.Close()

	conn := dialBridge(t, server)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"ping","id":"1"}`)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"id":"1"`)
}

func TestServeProxyBridge_InvalidFrameGetsErrorEnvelope(t *testing.T) {
	sup := runningEchoSupervisor(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeProxyBridge(w, r, sup)
	}))
	defer server.Close()

	conn := dialBridge(t, server)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"method":""}`)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "-32600")
}

func TestServeProxyBridge_NotificationFanOut(t *testing.T) {
	sup := runningEchoSupervisor(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeProxyBridge(w, r, sup)
	}))
	defer server.Close()

	connA := dialBridge(t, server)
	defer connA.Close()
	connB := dialBridge(t, server)
	defer connB.Close()

	time.Sleep(20 * time.Millisecond) // let both subscriptions register

	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"notify","id":"9"}`)))

	seenNotification := func(conn *websocket.Conn) bool {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return false
			}
			if strings.Contains(string(data), "progress") {
				return true
			}
		}
	}
	require.True(t, seenNotification(connA))
	require.True(t, seenNotification(connB))
}
