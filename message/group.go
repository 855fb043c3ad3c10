// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/json"
	"fmt"

	"github.com/lanternmesh/lantern/identity"
)

// GroupType discriminates group message variants.
type GroupType string

const (
	GroupTypeText        GroupType = "text"
	GroupTypeFile        GroupType = "file"
	GroupTypeEvent       GroupType = "event"
	GroupTypePoll        GroupType = "poll"
	GroupTypePollVote    GroupType = "pollVote"
	GroupTypeGroupUpdate GroupType = "group_update"
)

// Event is a scheduled group event.
type Event struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Date        string `json:"date"`
	Location    string `json:"location,omitempty"`
}

// Poll is a group poll with a fixed option list.
type Poll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Vote selects options of a previously posted poll.
type Vote struct {
	PollID  string `json:"pollId"`
	Choices []int  `json:"choices"`
}

// GroupUpdate records a membership or metadata change.
type GroupUpdate struct {
	Action  string   `json:"action"`
	Members []string `json:"members,omitempty"`
	Name    string   `json:"name,omitempty"`
}

// GroupMessage is a message addressed to a group. The sender's public
// key travels in the message because group members may not share a
// contact entry for every other member.
type GroupMessage struct {
	// ID is a local identifier, excluded from the signed form.
	ID string `json:"id"`

	GroupID   string    `json:"groupId"`
	SenderKey string    `json:"senderKey"`
	Type      GroupType `json:"type"`
	Content   string    `json:"content"`

	File        *FileMeta    `json:"file,omitempty"`
	Event       *Event       `json:"event,omitempty"`
	Poll        *Poll        `json:"poll,omitempty"`
	Vote        *Vote        `json:"vote,omitempty"`
	GroupUpdate *GroupUpdate `json:"groupUpdate,omitempty"`

	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`

	// Delivery is local-only state, excluded from the signed form.
	Delivery Delivery `json:"deliveryState,omitempty"`
}

// Canonical sub-object projections. Each variant's sub-object is
// rebuilt with a fixed field order; absent sub-objects are omitted
// from the canonical form entirely, never encoded as null.

type canonicalEvent struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Date        string `json:"date"`
	Location    string `json:"location,omitempty"`
}

type canonicalPoll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

type canonicalVote struct {
	PollID  string `json:"pollId"`
	Choices []int  `json:"choices"`
}

type canonicalGroupUpdate struct {
	Action  string   `json:"action"`
	Members []string `json:"members,omitempty"`
	Name    string   `json:"name,omitempty"`
}

type canonicalGroupMessage struct {
	GroupID     string                `json:"groupId"`
	SenderKey   string                `json:"senderKey"`
	Type        GroupType             `json:"type"`
	Content     string                `json:"content"`
	File        *canonicalFile        `json:"file,omitempty"`
	Event       *canonicalEvent       `json:"event,omitempty"`
	Poll        *canonicalPoll        `json:"poll,omitempty"`
	Vote        *canonicalVote        `json:"vote,omitempty"`
	GroupUpdate *canonicalGroupUpdate `json:"groupUpdate,omitempty"`
	Timestamp   int64                 `json:"timestamp"`
}

// CanonicalBytes implements identity.Payload.
func (m *GroupMessage) CanonicalBytes() ([]byte, error) {
	canonical := canonicalGroupMessage{
		GroupID:   m.GroupID,
		SenderKey: m.SenderKey,
		Type:      m.Type,
		Content:   m.Content,
		File:      canonicalizeFile(m.File),
		Timestamp: m.Timestamp,
	}
	if m.Event != nil {
		canonical.Event = &canonicalEvent{
			Title:       m.Event.Title,
			Description: m.Event.Description,
			Date:        m.Event.Date,
			Location:    m.Event.Location,
		}
	}
	if m.Poll != nil {
		canonical.Poll = &canonicalPoll{
			Question: m.Poll.Question,
			Options:  m.Poll.Options,
		}
	}
	if m.Vote != nil {
		canonical.Vote = &canonicalVote{
			PollID:  m.Vote.PollID,
			Choices: m.Vote.Choices,
		}
	}
	if m.GroupUpdate != nil {
		canonical.GroupUpdate = &canonicalGroupUpdate{
			Action:  m.GroupUpdate.Action,
			Members: m.GroupUpdate.Members,
			Name:    m.GroupUpdate.Name,
		}
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing group message: %w", err)
	}
	return data, nil
}

// Sign attaches a signature over the canonical form.
func (m *GroupMessage) Sign(hexPrivateKey string) error {
	signature, err := identity.Sign(m, hexPrivateKey)
	if err != nil {
		return err
	}
	m.Signature = signature
	return nil
}

// Verify checks the attached signature against the embedded sender key.
func (m *GroupMessage) Verify() Verification {
	if m.Signature == "" || m.SenderKey == "" {
		return VerificationUnknown
	}
	if identity.Verify(m, m.Signature, m.SenderKey) {
		return VerificationValid
	}
	return VerificationInvalid
}
