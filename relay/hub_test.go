// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanternmesh/lantern/signaling"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/healthz", hub.HealthHandler())
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return hub, server
}

func dialRoom(t *testing.T, server *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	if room != "" {
		url += "?room=" + room
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func frame(t *testing.T, from, to string) []byte {
	t.Helper()
	data, err := signaling.Envelope{
		Type: signaling.TypeOffer,
		From: from,
		To:   to,
		Data: json.RawMessage(`{"sdp":"v=0"}`),
		Room: "main",
	}.Marshal()
	if err != nil {
		t.Fatalf("building frame: %v", err)
	}
	return data
}

// readFrame reads one frame with a deadline.
func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return data
}

// TestHub_ForwardsWithinRoom verifies fan-out: every member of the
// room except the sender receives the frame, addressing untouched.
func TestHub_ForwardsWithinRoom(t *testing.T) {
	_, server := newTestHub(t)

	alice := dialRoom(t, server, "lobby")
	bob := dialRoom(t, server, "lobby")
	carol := dialRoom(t, server, "lobby")

	sent := frame(t, "alice-key", "bob-key")
	if err := alice.WriteMessage(websocket.TextMessage, sent); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	// The hub does not route on To: both other members receive the
	// frame verbatim; receivers apply their own addressing filter.
	for _, conn := range []*websocket.Conn{bob, carol} {
		got := readFrame(t, conn)
		if string(got) != string(sent) {
			t.Errorf("forwarded frame = %s, want %s", got, sent)
		}
	}
}

// TestHub_RoomsAreIsolated verifies that frames never cross rooms.
func TestHub_RoomsAreIsolated(t *testing.T) {
	_, server := newTestHub(t)

	alice := dialRoom(t, server, "east")
	bob := dialRoom(t, server, "east")
	eve := dialRoom(t, server, "west")

	if err := alice.WriteMessage(websocket.TextMessage, frame(t, "a", "b")); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	readFrame(t, bob)

	eve.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := eve.ReadMessage(); err == nil {
		t.Error("a frame crossed room boundaries")
	}
}

// TestHub_DropsUnparsableFrames verifies that garbage is not forwarded.
func TestHub_DropsUnparsableFrames(t *testing.T) {
	_, server := newTestHub(t)

	alice := dialRoom(t, server, "lobby")
	bob := dialRoom(t, server, "lobby")

	if err := alice.WriteMessage(websocket.TextMessage, []byte("garbage{")); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
	if err := alice.WriteMessage(websocket.TextMessage, frame(t, "a", "b")); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	got := readFrame(t, bob)
	if strings.Contains(string(got), "garbage") {
		t.Errorf("hub forwarded an unparsable frame: %s", got)
	}
}

// TestHub_DefaultRoom verifies that connections without a room query
// parameter land in the default room together.
func TestHub_DefaultRoom(t *testing.T) {
	_, server := newTestHub(t)

	alice := dialRoom(t, server, "")
	bob := dialRoom(t, server, DefaultRoom)

	if err := alice.WriteMessage(websocket.TextMessage, frame(t, "a", "b")); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
	readFrame(t, bob)
}

func TestHub_Health(t *testing.T) {
	_, server := newTestHub(t)

	dialRoom(t, server, "one")
	dialRoom(t, server, "one")
	dialRoom(t, server, "two")

	// Joins are processed on the hub's accept path; give them a beat.
	deadline := time.Now().Add(5 * time.Second)
	for {
		response, err := http.Get(server.URL + "/healthz")
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		var report struct {
			Rooms       int `json:"rooms"`
			Connections int `json:"connections"`
		}
		if err := json.NewDecoder(response.Body).Decode(&report); err != nil {
			t.Fatalf("decoding health report: %v", err)
		}
		response.Body.Close()

		if report.Rooms == 2 && report.Connections == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("health report = %+v, want 2 rooms / 3 connections", report)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
