// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wsbridge implements the two WebSocket surfaces the gateway
// exposes: a bidirectional JSON-RPC bridge onto a supervised child, and
// a server-push log stream for the management surface. Both are adapters
// over gorilla/websocket; resolving and authorizing the target service is
// the caller's job (internal/httpapi), not this package's.
package wsbridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/mcpgateway/internal/logging"
	"github.com/tomtom215/mcpgateway/internal/notify"
	"github.com/tomtom215/mcpgateway/internal/rpc"
	"github.com/tomtom215/mcpgateway/internal/supervisor"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Upgrader is shared by both bridge and log-stream handlers. Origin
// checking is delegated to the caller's CORS policy upstream of the
// upgrade, so CheckOrigin always allows here.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// ServeProxyBridge upgrades the connection and bridges it to sup: every
// notification sup emits is forwarded as one text frame, and every
// inbound text frame is parsed as a JSON-RPC request and answered with
// sendRequest's response. Rate limiting and caching never apply here.
// On close, the notification subscription is dropped and any requests
// still in flight become orphans whose late responses are logged, not
// delivered.
func ServeProxyBridge(w http.ResponseWriter, r *http.Request, sup *supervisor.Supervisor) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("service_id", sup.ID()).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// gorilla/websocket allows only one concurrent writer; notifications,
	// pings, and concurrently-answered requests all share this mutex.
	var writeMu sync.Mutex

	sub := sup.SubscribeNotifications()
	defer sub.Close()
	done := make(chan struct{})
	go pumpNotificationsToSocket(conn, &writeMu, sub, done)

	readLoop(conn, &writeMu, sup)
	close(done)
}

func writeFrame(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

func pumpNotificationsToSocket(conn *websocket.Conn, writeMu *sync.Mutex, sub *notify.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := writeFrame(conn, writeMu, websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeFrame(conn, writeMu, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func readLoop(conn *websocket.Conn, writeMu *sync.Mutex, sup *supervisor.Supervisor) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg, _, parseErr := rpc.Parse(data)
		if parseErr != nil || rpc.ValidateEnvelope(msg) != nil {
			env := rpc.NewErrorResponse(msg.ID, -32600, "Invalid Request")
			if envBytes, err := rpc.Marshal(env); err == nil {
				_ = writeFrame(conn, writeMu, websocket.TextMessage, envBytes)
			}
			continue
		}

		go answerFrame(conn, writeMu, sup, msg)
	}
}

func answerFrame(conn *websocket.Conn, writeMu *sync.Mutex, sup *supervisor.Supervisor, req rpc.Message) {
	def := sup.Definition()
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := sup.SendRequest(ctx, req)
	if err != nil {
		logging.Warn().Err(err).Str("service_id", sup.ID()).Msg("websocket request failed; response orphaned or errored")
		env := rpc.NewErrorResponse(req.ID, -32603, "Internal error")
		data, merr := rpc.Marshal(env)
		if merr != nil {
			return
		}
		_ = writeFrame(conn, writeMu, websocket.TextMessage, data)
		return
	}

	payload := resp.Raw
	if len(payload) == 0 {
		var merr error
		payload, merr = rpc.Marshal(resp)
		if merr != nil {
			return
		}
	}
	if err := writeFrame(conn, writeMu, websocket.TextMessage, payload); err != nil {
		logging.Info().Str("service_id", sup.ID()).Msg("dropping response for a socket that already closed")
	}
}
