// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the rendezvous hub: a stateless websocket
// fan-out service that groups connections into rooms and forwards every
// valid signaling frame to all other members of the same room.
//
// The hub performs no validation of envelope addressing and no
// signature checking — trust is established entirely by the
// application layer. No message content ever flows through here, only
// connection-setup metadata.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lanternmesh/lantern/signaling"
)

// DefaultRoom is used when a connection supplies no room query
// parameter.
const DefaultRoom = "main"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks rooms and their member connections.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket, joins the connection
// to its room, and forwards its frames until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		room = DefaultRoom
	}

	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*websocket.Conn]struct{})
	}
	h.rooms[room][conn] = struct{}{}
	members := len(h.rooms[room])
	h.mu.Unlock()

	h.logger.Info("peer joined room", "room", room, "members", members)

	defer func() {
		h.mu.Lock()
		delete(h.rooms[room], conn)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
		h.mu.Unlock()
		conn.Close()
		h.logger.Info("peer left room", "room", room)
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		// Frames that do not parse as envelopes are dropped; everything
		// else is forwarded verbatim, addressing untouched.
		if _, err := signaling.ParseEnvelope(frame); err != nil {
			h.logger.Debug("dropping unparsable frame", "room", room, "error", err)
			continue
		}
		h.broadcast(room, conn, frame)
	}
}

// broadcast forwards a frame to every other member of the room.
func (h *Hub) broadcast(room string, sender *websocket.Conn, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for member := range h.rooms[room] {
		if member == sender {
			continue
		}
		if err := member.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.logger.Warn("forward failed, dropping member", "room", room, "error", err)
			member.Close()
			delete(h.rooms[room], member)
		}
	}
}

// healthReport is the /healthz response body.
type healthReport struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// HealthHandler reports room and connection counts for operators.
func (h *Hub) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		report := healthReport{Rooms: len(h.rooms)}
		for _, members := range h.rooms {
			report.Connections += len(members)
		}
		h.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	})
}
