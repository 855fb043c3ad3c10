// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Package message defines Lantern's application message types and
// their canonical signed projections.
//
// A message carries transient local fields (identifier, delivery state)
// alongside semantic fields (content, timestamp, typed sub-objects).
// Only the semantic fields are signed: the canonical projection is a
// fixed-field-order struct that excludes local identifiers, the
// signature itself, and delivery state, so that two processes always
// produce byte-identical input to signing and verification.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/lanternmesh/lantern/identity"
)

// Delivery is locally-assigned delivery state. It never participates
// in the signed canonical form.
type Delivery string

const (
	DeliverySending  Delivery = "sending"
	DeliverySent     Delivery = "sent"
	DeliveryFailed   Delivery = "failed"
	DeliveryReceived Delivery = "received"
)

// Verification is the trust state of a received message. Unknown is a
// distinct third state from Valid and Invalid: a message whose sender
// key has not been resolved, or that has not been checked yet, is
// neither trusted nor condemned.
type Verification int

const (
	VerificationUnknown Verification = iota
	VerificationValid
	VerificationInvalid
)

func (v Verification) String() string {
	switch v {
	case VerificationValid:
		return "valid"
	case VerificationInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// FileMeta describes an attached file. Data is the base64 payload for
// inline transfer; large attachments are out of scope.
type FileMeta struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Data     string `json:"data,omitempty"`
}

// Message is a 1:1 chat message.
type Message struct {
	// ID is a local identifier, excluded from the signed form.
	ID string `json:"id"`

	// ContactID is the local contact reference, excluded from the
	// signed form (the transport already binds the remote key).
	ContactID string `json:"senderOrContactId"`

	Content string    `json:"content"`
	File    *FileMeta `json:"file,omitempty"`

	// Signature is the hex ECDSA signature over the canonical form.
	Signature string `json:"signature"`

	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`

	// Delivery is local-only state, excluded from the signed form.
	Delivery Delivery `json:"deliveryState,omitempty"`
}

// canonicalMessage fixes the field order and omission rules of the
// signed projection of a Message. encoding/json emits struct fields in
// declaration order, which pins the byte layout.
type canonicalMessage struct {
	Content   string         `json:"content"`
	File      *canonicalFile `json:"file,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// canonicalFile re-serializes file metadata with its own fixed field
// order. Sub-objects are rebuilt, never passed through verbatim, so
// extra or reordered fields in a received document cannot alter the
// signed bytes.
type canonicalFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Data     string `json:"data,omitempty"`
}

func canonicalizeFile(file *FileMeta) *canonicalFile {
	if file == nil {
		return nil
	}
	return &canonicalFile{
		Name:     file.Name,
		MimeType: file.MimeType,
		Size:     file.Size,
		Data:     file.Data,
	}
}

// CanonicalBytes implements identity.Payload.
func (m *Message) CanonicalBytes() ([]byte, error) {
	data, err := json.Marshal(canonicalMessage{
		Content:   m.Content,
		File:      canonicalizeFile(m.File),
		Timestamp: m.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalizing message: %w", err)
	}
	return data, nil
}

// Sign attaches a signature over the canonical form. On error the
// message is left unsigned and must not be marked sent.
func (m *Message) Sign(hexPrivateKey string) error {
	signature, err := identity.Sign(m, hexPrivateKey)
	if err != nil {
		return err
	}
	m.Signature = signature
	return nil
}

// Verify checks the attached signature against the claimed sender's
// public key. An unsigned message, or one with no known sender key,
// is Unknown rather than Invalid.
func (m *Message) Verify(hexSenderKey string) Verification {
	if m.Signature == "" || hexSenderKey == "" {
		return VerificationUnknown
	}
	if identity.Verify(m, m.Signature, hexSenderKey) {
		return VerificationValid
	}
	return VerificationInvalid
}
