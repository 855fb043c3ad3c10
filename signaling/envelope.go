// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling implements the relay wire protocol: the JSON
// envelope that carries WebRTC negotiation payloads between peers, and
// a reconnecting websocket client that maintains one logical connection
// to a relay, queueing outbound envelopes while disconnected.
//
// The relay sees only these envelopes — connection-setup metadata —
// never message content. Trust is established end-to-end by the
// identity package; the relay performs no validation.
package signaling

import "encoding/json"

// Envelope types. These mirror the offer/answer/candidate phases of
// WebRTC negotiation.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
)

// Envelope is one relay frame. From and To are hex-encoded public keys;
// Data is the opaque negotiation blob (an SDP description or an ICE
// candidate) owned by the peer layer.
type Envelope struct {
	Type string          `json:"type"`
	From string          `json:"from"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
	Room string          `json:"room,omitempty"`
}

// Marshal serializes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope deserializes a relay frame. Callers treat a parse
// failure as a droppable frame, not a fatal error.
func ParseEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}
