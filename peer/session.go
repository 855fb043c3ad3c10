// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"github.com/pion/webrtc/v4"
)

// Status is the externally observed connection state of a peer session.
type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "offline"
	}
}

// Role records which side of the negotiation this session played.
type Role int

const (
	RoleUnset Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unset"
	}
}

// session is the per-remote-key connection state. Exactly one session
// exists per remote public key; it is created lazily on first contact
// (outbound attempt or inbound signal) and survives transport loss —
// a closed channel returns the session to offline, ready for a fresh
// negotiation, and only Manager.Close retires it.
//
// All fields are protected by the Manager's mutex.
type session struct {
	peerKey string
	role    Role
	status  Status

	connection *webrtc.PeerConnection
	channel    *webrtc.DataChannel

	// remoteSet records whether the remote description has been
	// applied. Candidates arriving earlier are buffered in pending and
	// flushed immediately after — candidate and offer/answer streams
	// are independent and may interleave arbitrarily.
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// channelOpen and iceUp are the two independent "connected" event
	// sources. The manager reconciles them into one Status so their
	// racing cannot produce a user-visible flicker.
	channelOpen bool
	iceUp       bool
}

// resetTransportLocked clears negotiation state after a transport
// loss, leaving the session itself in place for the next attempt.
func (s *session) resetTransportLocked() {
	s.connection = nil
	s.channel = nil
	s.role = RoleUnset
	s.remoteSet = false
	s.pending = nil
	s.channelOpen = false
	s.iceUp = false
}
