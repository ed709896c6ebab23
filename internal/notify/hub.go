// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package notify implements the broadcast fan-out used to push
// server-initiated JSON-RPC notifications and log lines to every
// WebSocket connection subscribed to a given service, grounded on the
// register/unregister/broadcast hub pattern but adapted to raw []byte
// payloads so the wire bytes stay untouched between producer and socket.
package notify

import (
	"sync"
)

// sendBuffer is the per-subscriber channel capacity. A subscriber slower
// than this is dropped rather than allowed to stall the broadcaster;
// the framer, by contrast, drops the oldest buffered notification on its
// single channel.
const sendBuffer = 64

// Subscription is a single registered receiver of a Hub's broadcasts.
type Subscription struct {
	id   uint64
	send chan []byte
	hub  *Hub
}

// Messages returns the channel of broadcast payloads for this
// subscription. The channel is closed when Close is called or when the
// hub drops the subscriber for being too slow.
func (s *Subscription) Messages() <-chan []byte {
	return s.send
}

// Close unregisters the subscription from its hub.
func (s *Subscription) Close() {
	s.hub.unregister(s.id)
}

// Hub fans out byte payloads (marshaled JSON-RPC notifications or log
// events) to every currently-registered Subscription.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint64]chan []byte
	nextID  uint64
	closed  bool
}

// NewHub creates an empty broadcast hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[uint64]chan []byte)}
}

// Subscribe registers a new receiver and returns its Subscription.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan []byte, sendBuffer)
	h.clients[id] = ch
	return &Subscription{id: id, send: ch, hub: h}
}

func (h *Hub) unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
}

// Publish sends data to every subscriber. A subscriber whose buffer is
// full is dropped rather than blocking the publisher, since a single
// slow WebSocket reader must not stall delivery to the others.
func (h *Hub) Publish(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.clients {
		select {
		case ch <- data:
		default:
			delete(h.clients, id)
			close(ch)
		}
	}
}

// Count returns the number of currently-registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll unregisters and closes every subscriber, used when the
// owning service is removed.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		delete(h.clients, id)
		close(ch)
	}
}
