// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package events streams heal lifecycle events to websocket observers.
// The confirmation UI and dashboards subscribe here instead of polling
// the journal.
package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/healgate/healgate/internal/heal"
)

const (
	// clientBuffer is the per-client backlog. A client that falls this
	// far behind is dropped; the engine never waits for observers.
	clientBuffer = 64

	writeWait = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans published events out to every connected client. Safe for
// concurrent use.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			// Access control is the facade's API-key middleware; the
			// hub accepts any origin it lets through.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Publish marshals the event and queues it on every client. Clients
// whose backlog is full are dropped rather than blocking the caller.
func (h *Hub) Publish(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warnf("Failed to encode event for broadcast: %v", err)
		return
	}

	// Sends happen under the read lock so no channel can be closed (drop
	// and Close need the write lock) while a send is in flight.
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Debug("Dropping slow event stream client")
		h.drop(c)
	}
}

// EventFunc adapts the hub to the engine's event callback.
func (h *Hub) EventFunc() heal.EventFunc {
	return func(ev heal.Event) { h.Publish(ev) }
}

// ServeHTTP upgrades the request to a websocket and registers the
// client with the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Event stream upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	log.WithField("remote", conn.RemoteAddr().String()).Debug("Event stream client connected")

	go c.writePump(h)
	go c.readPump(h)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// drop removes the client and closes its send channel exactly once; the
// map entry is the ownership token.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (c *client) writePump(h *Hub) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	// The channel was closed by the hub: say goodbye properly.
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump discards inbound messages; reading is required for the
// websocket close handshake to complete.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
