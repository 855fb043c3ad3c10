// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer owns one connection state machine per remote identity.
// The Manager drives offer/answer/candidate exchange through a
// signaling client and exposes an open bidirectional message channel
// once negotiation succeeds. Application payloads then flow directly
// peer-to-peer over the data channel, bypassing the relay entirely.
package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/lanternmesh/lantern/signaling"
)

// chatChannelLabel is the data channel both sides use for application
// messages.
const chatChannelLabel = "chat"

// Signaling abstracts the envelope transport. Production wiring uses
// *signaling.Client; tests use an in-process bus.
type Signaling interface {
	// Send submits an envelope for delivery. Transport faults are
	// absorbed by the implementation (queueing, reconnect) and never
	// surface here.
	Send(envelope signaling.Envelope)

	// Disconnect closes the signaling connection. Called once from
	// Manager.Close.
	Disconnect()
}

// ICEConfig holds the ICE server list for new peer connections. The
// zero value means host candidates only, sufficient for same-machine
// and same-LAN use and for tests.
type ICEConfig struct {
	Servers []webrtc.ICEServer
}

// StatusHandler observes one peer's status transitions.
type StatusHandler func(Status)

// MessageHandler receives application payloads from the data channel.
type MessageHandler func(peerKey string, payload []byte)

// Manager multiplexes every peer session over one signaling client.
// The sessions map is owned exclusively by the Manager and guarded by
// its mutex; callbacks always fire outside the lock.
type Manager struct {
	localKey string
	room     string
	signaler Signaling
	logger   *slog.Logger
	api      *webrtc.API
	ice      ICEConfig

	mu              sync.Mutex
	closed          bool
	sessions        map[string]*session
	statusHandlers  map[string][]StatusHandler
	messageHandlers []MessageHandler
}

// NewManager creates a manager for the given local identity (hex
// public key). Envelopes it produces carry the given room. The manager
// does not dial anything until ConnectToPeer or HandleSignal is called.
func NewManager(localKey, room string, signaler Signaling, ice ICEConfig, logger *slog.Logger) *Manager {
	// Loopback candidates make two in-process managers reachable, the
	// common case in tests and single-host setups.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	return &Manager{
		localKey:       localKey,
		room:           room,
		signaler:       signaler,
		logger:         logger,
		api:            webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		ice:            ice,
		sessions:       make(map[string]*session),
		statusHandlers: make(map[string][]StatusHandler),
	}
}

// LocalKey returns the manager's identity (hex public key).
func (m *Manager) LocalKey() string { return m.localKey }

// OnStatusChange registers a handler for one peer's status
// transitions. Handlers run on their own goroutine, outside the
// manager lock.
func (m *Manager) OnStatusChange(peerKey string, handler StatusHandler) {
	m.mu.Lock()
	m.statusHandlers[peerKey] = append(m.statusHandlers[peerKey], handler)
	m.mu.Unlock()
}

// OnMessage registers a handler for application payloads received from
// any peer.
func (m *Manager) OnMessage(handler MessageHandler) {
	m.mu.Lock()
	m.messageHandlers = append(m.messageHandlers, handler)
	m.mu.Unlock()
}

// Status reports the current status of a peer, StatusOffline for
// peers never contacted.
func (m *Manager) Status(peerKey string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peerKey]; ok {
		return s.status
	}
	return StatusOffline
}

// SendMessage transmits a payload over the peer's open data channel.
// Returns true on transmission, false when the channel is not open —
// nothing is queued; retry policy belongs to the caller. Delivery is
// best-effort and synchronous-only.
func (m *Manager) SendMessage(peerKey string, payload []byte) bool {
	m.mu.Lock()
	var channel *webrtc.DataChannel
	if s, ok := m.sessions[peerKey]; ok && s.channelOpen {
		channel = s.channel
	}
	m.mu.Unlock()

	if channel == nil {
		return false
	}
	if err := channel.Send(payload); err != nil {
		m.logger.Warn("data channel send failed", "peer", shortKey(peerKey), "error", err)
		return false
	}
	return true
}

// Close tears down every session's transport, drops all callbacks, and
// disconnects the signaling client. Total: there is no per-peer
// cancellation. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	var connections []*webrtc.PeerConnection
	var channels []*webrtc.DataChannel
	for _, s := range m.sessions {
		if s.channel != nil {
			channels = append(channels, s.channel)
		}
		if s.connection != nil {
			connections = append(connections, s.connection)
		}
	}
	m.sessions = make(map[string]*session)
	m.statusHandlers = make(map[string][]StatusHandler)
	m.messageHandlers = nil
	m.mu.Unlock()

	for _, channel := range channels {
		channel.Close()
	}
	for _, connection := range connections {
		connection.Close()
	}
	m.signaler.Disconnect()
}

// ensureSessionLocked returns the session for peerKey, creating it
// lazily. At most one session ever exists per key.
func (m *Manager) ensureSessionLocked(peerKey string) *session {
	if s, ok := m.sessions[peerKey]; ok {
		return s
	}
	s := &session{peerKey: peerKey, status: StatusOffline}
	m.sessions[peerKey] = s
	return s
}

// setStatusLocked reconciles a session's externally observed status
// and returns a notifier to run after the lock is released. Each
// transition is emitted exactly once regardless of which underlying
// event source (data channel vs. ICE state) reported first.
func (m *Manager) setStatusLocked(s *session, status Status) func() {
	if s.status == status {
		return func() {}
	}
	s.status = status
	handlers := append([]StatusHandler(nil), m.statusHandlers[s.peerKey]...)
	peerKey := s.peerKey
	m.logger.Info("peer status", "peer", shortKey(peerKey), "status", status.String())
	return func() {
		for _, handler := range handlers {
			handler(status)
		}
	}
}

// newPeerConnection builds a PeerConnection with the configured ICE
// servers.
func (m *Manager) newPeerConnection() (*webrtc.PeerConnection, error) {
	connection, err := m.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: m.ice.Servers,
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return connection, nil
}

// sendEnvelope marshals a negotiation payload and submits it to the
// signaling layer.
func (m *Manager) sendEnvelope(envelopeType, to string, data any) {
	blob, err := json.Marshal(data)
	if err != nil {
		m.logger.Error("encoding negotiation payload", "type", envelopeType, "error", err)
		return
	}
	m.signaler.Send(signaling.Envelope{
		Type: envelopeType,
		From: m.localKey,
		To:   to,
		Data: blob,
		Room: m.room,
	})
}

// shortKey abbreviates a hex public key for log output.
func shortKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12] + "…"
}
