// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package wsbridge

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/mcpgateway/internal/logging"
	"github.com/tomtom215/mcpgateway/internal/supervisor"
)

// ServeLogStream upgrades the connection and pushes every log line sup
// emits as one JSON text frame, until the client disconnects.
func ServeLogStream(w http.ResponseWriter, r *http.Request, sup *supervisor.Supervisor) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("service_id", sup.ID()).Msg("log stream upgrade failed")
		return
	}
	defer conn.Close()

	sub := sup.SubscribeLogs()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case line, ok := <-sub.Messages():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
