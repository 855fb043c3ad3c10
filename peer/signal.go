// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/lanternmesh/lantern/signaling"
)

// ConnectToPeer starts (or restarts) negotiation toward the given peer
// as initiator. Safe and idempotent: a session that is already
// connecting or connected is left alone, and concurrent calls for the
// same key share one session. A stalled handshake never times out on
// its own; calling ConnectToPeer again after the session has fallen
// back to offline begins a fresh attempt on the same session.
func (m *Manager) ConnectToPeer(peerKey string) error {
	if peerKey == m.localKey {
		return fmt.Errorf("cannot connect to own identity")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("manager is closed")
	}
	s := m.ensureSessionLocked(peerKey)
	if s.status != StatusOffline {
		m.mu.Unlock()
		return nil
	}

	connection, err := m.newPeerConnection()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	s.role = RoleInitiator
	s.connection = connection
	m.wireConnectionLocked(s, connection)

	ordered := true
	channel, err := connection.CreateDataChannel(chatChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		s.resetTransportLocked()
		m.mu.Unlock()
		connection.Close()
		return fmt.Errorf("creating data channel: %w", err)
	}
	s.channel = channel
	m.wireChannelLocked(s, connection, channel)

	offer, err := connection.CreateOffer(nil)
	if err == nil {
		err = connection.SetLocalDescription(offer)
	}
	if err != nil {
		s.resetTransportLocked()
		m.mu.Unlock()
		connection.Close()
		return fmt.Errorf("building offer: %w", err)
	}

	notify := m.setStatusLocked(s, StatusConnecting)
	m.mu.Unlock()

	notify()
	m.sendEnvelope(signaling.TypeOffer, peerKey, offer)
	m.logger.Info("offer sent", "peer", shortKey(peerKey))
	return nil
}

// HandleSignal is the entry point for envelopes delivered by the
// signaling client. Malformed or inapplicable signals are logged and
// dropped without aborting the session: a later retry can still
// succeed.
func (m *Manager) HandleSignal(envelope signaling.Envelope) {
	switch envelope.Type {
	case signaling.TypeOffer:
		m.handleOffer(envelope)
	case signaling.TypeAnswer:
		m.handleAnswer(envelope)
	case signaling.TypeCandidate:
		m.handleCandidate(envelope)
	default:
		m.logger.Debug("dropping signal with unknown type", "type", envelope.Type)
	}
}

// handleOffer answers an inbound offer: create the session as
// responder if needed, apply the remote description, synthesize and
// send an answer. The data channel arrives later via OnDataChannel.
func (m *Manager) handleOffer(envelope signaling.Envelope) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(envelope.Data, &offer); err != nil {
		m.logger.Debug("dropping malformed offer", "from", shortKey(envelope.From), "error", err)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	s := m.ensureSessionLocked(envelope.From)

	var stale *webrtc.PeerConnection
	var staleChannel *webrtc.DataChannel
	if s.connection != nil {
		// Offer glare: both sides initiated at once. The
		// lexicographically smaller key is the canonical offerer; if
		// that is us (or the session is already connected), ignore
		// their offer and let our own negotiation proceed.
		if s.status == StatusConnected || (s.role == RoleInitiator && m.localKey < envelope.From) {
			m.mu.Unlock()
			m.logger.Debug("ignoring offer against live session", "from", shortKey(envelope.From))
			return
		}
		stale = s.connection
		staleChannel = s.channel
		s.resetTransportLocked()
	}

	connection, err := m.newPeerConnection()
	if err != nil {
		m.mu.Unlock()
		m.closeTransport(staleChannel, stale)
		m.logger.Error("answering offer", "from", shortKey(envelope.From), "error", err)
		return
	}
	s.role = RoleResponder
	s.connection = connection
	m.wireConnectionLocked(s, connection)

	if err := connection.SetRemoteDescription(offer); err != nil {
		s.resetTransportLocked()
		m.mu.Unlock()
		connection.Close()
		m.closeTransport(staleChannel, stale)
		m.logger.Warn("dropping inapplicable offer", "from", shortKey(envelope.From), "error", err)
		return
	}
	s.remoteSet = true
	m.flushPendingLocked(s)

	answer, err := connection.CreateAnswer(nil)
	if err == nil {
		err = connection.SetLocalDescription(answer)
	}
	if err != nil {
		s.resetTransportLocked()
		m.mu.Unlock()
		connection.Close()
		m.closeTransport(staleChannel, stale)
		m.logger.Warn("building answer failed", "from", shortKey(envelope.From), "error", err)
		return
	}

	notify := m.setStatusLocked(s, StatusConnecting)
	m.mu.Unlock()

	m.closeTransport(staleChannel, stale)
	notify()
	m.sendEnvelope(signaling.TypeAnswer, envelope.From, answer)
	m.logger.Info("answer sent", "peer", shortKey(envelope.From))
}

// handleAnswer applies an inbound answer to the session this side
// originated as initiator. No outbound message is produced.
func (m *Manager) handleAnswer(envelope signaling.Envelope) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(envelope.Data, &answer); err != nil {
		m.logger.Debug("dropping malformed answer", "from", shortKey(envelope.From), "error", err)
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[envelope.From]
	if !ok || s.connection == nil || s.role != RoleInitiator || s.remoteSet {
		m.mu.Unlock()
		m.logger.Debug("dropping inapplicable answer", "from", shortKey(envelope.From))
		return
	}
	if err := s.connection.SetRemoteDescription(answer); err != nil {
		m.mu.Unlock()
		m.logger.Warn("dropping inapplicable answer", "from", shortKey(envelope.From), "error", err)
		return
	}
	s.remoteSet = true
	m.flushPendingLocked(s)
	m.mu.Unlock()
}

// handleCandidate applies an inbound connectivity candidate, buffering
// it when it outruns the offer/answer exchange. Candidates and
// offer/answer are independent asynchronous streams; an early
// candidate must not be dropped.
func (m *Manager) handleCandidate(envelope signaling.Envelope) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(envelope.Data, &candidate); err != nil {
		m.logger.Debug("dropping malformed candidate", "from", shortKey(envelope.From), "error", err)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	s := m.ensureSessionLocked(envelope.From)
	if s.connection == nil || !s.remoteSet {
		s.pending = append(s.pending, candidate)
		m.mu.Unlock()
		return
	}
	err := s.connection.AddICECandidate(candidate)
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("dropping inapplicable candidate", "from", shortKey(envelope.From), "error", err)
	}
}

// flushPendingLocked applies candidates buffered before the remote
// description was set, in arrival order.
func (m *Manager) flushPendingLocked(s *session) {
	pending := s.pending
	s.pending = nil
	for _, candidate := range pending {
		if err := s.connection.AddICECandidate(candidate); err != nil {
			m.logger.Warn("dropping buffered candidate", "peer", shortKey(s.peerKey), "error", err)
		}
	}
}

// wireConnectionLocked registers the per-connection callbacks. Every
// callback re-checks that its connection is still the session's
// current one: a superseded connection's late events must not disturb
// the session that replaced it.
func (m *Manager) wireConnectionLocked(s *session, connection *webrtc.PeerConnection) {
	connection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // end of gathering
		}
		m.mu.Lock()
		current := !m.closed && s.connection == connection
		m.mu.Unlock()
		if !current {
			return
		}
		m.sendEnvelope(signaling.TypeCandidate, s.peerKey, candidate.ToJSON())
	})

	connection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Debug("ice state", "peer", shortKey(s.peerKey), "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			m.mu.Lock()
			if s.connection != connection {
				m.mu.Unlock()
				return
			}
			s.iceUp = true
			notify := m.setStatusLocked(s, StatusConnected)
			m.mu.Unlock()
			notify()

		case webrtc.ICEConnectionStateDisconnected,
			webrtc.ICEConnectionStateFailed,
			webrtc.ICEConnectionStateClosed:
			m.transportDown(s, connection, "ice "+state.String())
		}
	})

	connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		m.mu.Lock()
		if m.closed || s.connection != connection || s.channel != nil {
			m.mu.Unlock()
			channel.Close()
			return
		}
		s.channel = channel
		m.wireChannelLocked(s, connection, channel)
		m.mu.Unlock()
	})
}

// wireChannelLocked registers data channel callbacks. Channel open is
// one of the two sources reconciled into StatusConnected; channel
// close returns the whole session transport to offline.
func (m *Manager) wireChannelLocked(s *session, connection *webrtc.PeerConnection, channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		m.mu.Lock()
		if s.connection != connection || s.channel != channel {
			m.mu.Unlock()
			return
		}
		s.channelOpen = true
		notify := m.setStatusLocked(s, StatusConnected)
		m.mu.Unlock()
		notify()
	})

	channel.OnClose(func() {
		m.transportDown(s, connection, "data channel closed")
	})

	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.mu.Lock()
		handlers := append([]MessageHandler(nil), m.messageHandlers...)
		m.mu.Unlock()
		for _, handler := range handlers {
			handler(s.peerKey, msg.Data)
		}
	})
}

// transportDown reverts a session to offline after its transport
// regresses. The session itself survives — there is no terminal failed
// state — and a later ConnectToPeer renegotiates from scratch.
func (m *Manager) transportDown(s *session, connection *webrtc.PeerConnection, reason string) {
	m.mu.Lock()
	if m.closed || s.connection != connection {
		m.mu.Unlock()
		return
	}
	channel := s.channel
	s.resetTransportLocked()
	notify := m.setStatusLocked(s, StatusOffline)
	m.mu.Unlock()

	m.closeTransport(channel, connection)
	notify()
	m.logger.Info("peer transport down", "peer", shortKey(s.peerKey), "reason", reason)
}

// closeTransport closes a channel/connection pair, tolerating nils.
func (m *Manager) closeTransport(channel *webrtc.DataChannel, connection *webrtc.PeerConnection) {
	if channel != nil {
		channel.Close()
	}
	if connection != nil {
		connection.Close()
	}
}
