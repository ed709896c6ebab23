// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/mcpgateway/internal/rpc"
)

// marshalNotification prefers the raw bytes the child actually sent, so
// a notification forwarded to a WebSocket client is byte-identical to
// what the child wrote; only synthesised messages fall back to Marshal.
func marshalNotification(msg rpc.Message) ([]byte, error) {
	if len(msg.Raw) > 0 {
		return msg.Raw, nil
	}
	return rpc.Marshal(msg)
}

// LogEvent is the server-push shape for streamed log lines, matching the
// management log-stream endpoint's documented body.
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// PumpNotifications marshals every rpc.Message received from source and
// publishes it to hub, until source closes or ctx is done. Intended to
// run for the lifetime of one supervisor's notification channel.
func PumpNotifications(ctx context.Context, hub *Hub, source <-chan rpc.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-source:
			if !ok {
				return
			}
			data, err := marshalNotification(msg)
			if err != nil {
				continue
			}
			hub.Publish(data)
		}
	}
}

// PublishLog marshals a log line and publishes it to hub, used by the
// supervisor each time it records a line from the child's stderr or an
// unparsable stdout frame.
func PublishLog(hub *Hub, level, message string) {
	evt := LogEvent{Timestamp: time.Now(), Level: level, Message: message}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	hub.Publish(data)
}
