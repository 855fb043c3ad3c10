// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lanternmesh/lantern/identity"
	"github.com/lanternmesh/lantern/message"
	"github.com/lanternmesh/lantern/signaling"
)

// memoryBus routes envelopes directly between managers, standing in
// for the relay. Delivery is per-destination FIFO so that offers,
// answers, and candidates arrive in the order they were sent, as a
// single websocket connection would provide.
type memoryBus struct {
	mu     sync.Mutex
	inbox  map[string]chan signaling.Envelope
	closed bool
}

func newMemoryBus() *memoryBus {
	return &memoryBus{inbox: make(map[string]chan signaling.Envelope)}
}

// endpoint registers a manager's key and handler and returns its
// Signaling implementation.
func (b *memoryBus) endpoint(key string, handler func(signaling.Envelope)) *busEndpoint {
	inbox := make(chan signaling.Envelope, 64)
	b.mu.Lock()
	b.inbox[key] = inbox
	b.mu.Unlock()

	go func() {
		for envelope := range inbox {
			handler(envelope)
		}
	}()
	return &busEndpoint{bus: b}
}

type busEndpoint struct {
	bus          *memoryBus
	disconnected bool
	mu           sync.Mutex
}

func (e *busEndpoint) Send(envelope signaling.Envelope) {
	e.bus.mu.Lock()
	inbox := e.bus.inbox[envelope.To]
	e.bus.mu.Unlock()
	if inbox != nil {
		inbox <- envelope
	}
}

func (e *busEndpoint) Disconnect() {
	e.mu.Lock()
	e.disconnected = true
	e.mu.Unlock()
}

func (e *busEndpoint) wasDisconnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disconnected
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func mustIdentity(t *testing.T) identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	return id
}

// newTestPair wires two managers over a shared memory bus.
func newTestPair(t *testing.T) (*Manager, *Manager, identity.Identity, identity.Identity) {
	t.Helper()
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	bus := newMemoryBus()
	var managerA, managerB *Manager
	endpointA := bus.endpoint(idA.PublicKey, func(envelope signaling.Envelope) {
		managerA.HandleSignal(envelope)
	})
	endpointB := bus.endpoint(idB.PublicKey, func(envelope signaling.Envelope) {
		managerB.HandleSignal(envelope)
	})

	managerA = NewManager(idA.PublicKey, "main", endpointA, ICEConfig{}, testLogger())
	managerB = NewManager(idB.PublicKey, "main", endpointB, ICEConfig{}, testLogger())
	t.Cleanup(managerA.Close)
	t.Cleanup(managerB.Close)
	return managerA, managerB, idA, idB
}

func waitForStatus(t *testing.T, m *Manager, peerKey string, want Status) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status(peerKey) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("peer %s never reached %s (now %s)", peerKey[:12], want, m.Status(peerKey))
}

// TestManager_ScenarioA runs the full happy path: A dials B, B
// auto-answers, both report connected, and a signed message crosses
// the direct channel and verifies against A's public key.
func TestManager_ScenarioA(t *testing.T) {
	managerA, managerB, idA, _ := newTestPair(t)

	received := make(chan []byte, 1)
	managerB.OnMessage(func(peerKey string, payload []byte) {
		if peerKey == idA.PublicKey {
			received <- payload
		}
	})

	if err := managerA.ConnectToPeer(managerB.LocalKey()); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}

	waitForStatus(t, managerA, managerB.LocalKey(), StatusConnected)
	waitForStatus(t, managerB, managerA.LocalKey(), StatusConnected)

	msg := &message.Message{
		ID:        "m1",
		Content:   "hi",
		Timestamp: time.Now().UnixMilli(),
	}
	if err := msg.Sign(idA.PrivateKey); err != nil {
		t.Fatalf("signing message: %v", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encoding message: %v", err)
	}

	if !managerA.SendMessage(managerB.LocalKey(), payload) {
		t.Fatal("SendMessage = false on a connected session")
	}

	select {
	case data := <-received:
		var got message.Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("decoding received message: %v", err)
		}
		if got.Content != "hi" {
			t.Errorf("received content = %q, want %q", got.Content, "hi")
		}
		if state := got.Verify(idA.PublicKey); state != message.VerificationValid {
			t.Errorf("received message verification = %v, want valid", state)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("message never arrived on the direct channel")
	}
}

// TestManager_SimultaneousConnect has both sides dial each other at
// once. The glare tie-break must converge on a single negotiation.
func TestManager_SimultaneousConnect(t *testing.T) {
	managerA, managerB, _, _ := newTestPair(t)

	var group sync.WaitGroup
	group.Add(2)
	go func() {
		defer group.Done()
		managerA.ConnectToPeer(managerB.LocalKey())
	}()
	go func() {
		defer group.Done()
		managerB.ConnectToPeer(managerA.LocalKey())
	}()
	group.Wait()

	waitForStatus(t, managerA, managerB.LocalKey(), StatusConnected)
	waitForStatus(t, managerB, managerA.LocalKey(), StatusConnected)
}

// TestManager_ChannelCloseReturnsOffline severs an established data
// channel. Both sides must fall back to offline, and a fresh
// ConnectToPeer must renegotiate to connected on the same session
// rather than replacing it.
func TestManager_ChannelCloseReturnsOffline(t *testing.T) {
	managerA, managerB, _, _ := newTestPair(t)

	if err := managerA.ConnectToPeer(managerB.LocalKey()); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}
	waitForStatus(t, managerA, managerB.LocalKey(), StatusConnected)
	waitForStatus(t, managerB, managerA.LocalKey(), StatusConnected)

	managerA.mu.Lock()
	before := managerA.sessions[managerB.LocalKey()]
	channel := before.channel
	managerA.mu.Unlock()

	channel.Close()

	waitForStatus(t, managerA, managerB.LocalKey(), StatusOffline)
	// Wait for the responder side too: a re-dial racing ahead of B's
	// close notification would be ignored as glare against a session B
	// still believes is connected.
	waitForStatus(t, managerB, managerA.LocalKey(), StatusOffline)

	if err := managerA.ConnectToPeer(managerB.LocalKey()); err != nil {
		t.Fatalf("ConnectToPeer after channel loss failed: %v", err)
	}
	waitForStatus(t, managerA, managerB.LocalKey(), StatusConnected)
	waitForStatus(t, managerB, managerA.LocalKey(), StatusConnected)

	managerA.mu.Lock()
	after := managerA.sessions[managerB.LocalKey()]
	count := len(managerA.sessions)
	managerA.mu.Unlock()
	if after != before {
		t.Error("renegotiation replaced the session instead of reusing it")
	}
	if count != 1 {
		t.Errorf("sessions = %d, want 1", count)
	}
}

// TestManager_SessionSingleton issues concurrent ConnectToPeer calls
// for the same key and checks that exactly one session exists.
func TestManager_SessionSingleton(t *testing.T) {
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	bus := newMemoryBus()
	endpoint := bus.endpoint(idA.PublicKey, func(signaling.Envelope) {})
	manager := NewManager(idA.PublicKey, "main", endpoint, ICEConfig{}, testLogger())
	defer manager.Close()

	const concurrency = 8
	var group sync.WaitGroup
	for index := 0; index < concurrency; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			manager.ConnectToPeer(idB.PublicKey)
		}()
	}
	group.Wait()

	manager.mu.Lock()
	count := len(manager.sessions)
	manager.mu.Unlock()
	if count != 1 {
		t.Errorf("sessions = %d, want 1", count)
	}
}

// TestManager_EarlyCandidateBuffered delivers a candidate before any
// offer. The session is created lazily and the candidate is buffered,
// not dropped.
func TestManager_EarlyCandidateBuffered(t *testing.T) {
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	bus := newMemoryBus()
	endpoint := bus.endpoint(idA.PublicKey, func(signaling.Envelope) {})
	manager := NewManager(idA.PublicKey, "main", endpoint, ICEConfig{}, testLogger())
	defer manager.Close()

	blob, _ := json.Marshal(map[string]any{"candidate": "candidate:0 1 UDP 1 127.0.0.1 4242 typ host"})
	manager.HandleSignal(signaling.Envelope{
		Type: signaling.TypeCandidate,
		From: idB.PublicKey,
		To:   idA.PublicKey,
		Data: blob,
	})

	manager.mu.Lock()
	s, ok := manager.sessions[idB.PublicKey]
	buffered := 0
	if ok {
		buffered = len(s.pending)
	}
	manager.mu.Unlock()

	if !ok {
		t.Fatal("inbound candidate did not create a session")
	}
	if buffered != 1 {
		t.Errorf("pending candidates = %d, want 1", buffered)
	}
}

func TestManager_SendMessageOffline(t *testing.T) {
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	bus := newMemoryBus()
	endpoint := bus.endpoint(idA.PublicKey, func(signaling.Envelope) {})
	manager := NewManager(idA.PublicKey, "main", endpoint, ICEConfig{}, testLogger())
	defer manager.Close()

	if manager.SendMessage(idB.PublicKey, []byte("x")) {
		t.Error("SendMessage = true with no session")
	}
	if manager.Status(idB.PublicKey) != StatusOffline {
		t.Error("unknown peer status != offline")
	}
}

func TestManager_ConnectToSelf(t *testing.T) {
	id := mustIdentity(t)
	bus := newMemoryBus()
	endpoint := bus.endpoint(id.PublicKey, func(signaling.Envelope) {})
	manager := NewManager(id.PublicKey, "main", endpoint, ICEConfig{}, testLogger())
	defer manager.Close()

	if err := manager.ConnectToPeer(id.PublicKey); err == nil {
		t.Error("ConnectToPeer(self) succeeded, want error")
	}
}

// TestManager_CloseIdempotent closes twice and checks the signaling
// client was disconnected and further dials are refused.
func TestManager_CloseIdempotent(t *testing.T) {
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	bus := newMemoryBus()
	endpoint := bus.endpoint(idA.PublicKey, func(signaling.Envelope) {})
	manager := NewManager(idA.PublicKey, "main", endpoint, ICEConfig{}, testLogger())

	manager.Close()
	manager.Close()

	if !endpoint.wasDisconnected() {
		t.Error("Close did not disconnect the signaling client")
	}
	if err := manager.ConnectToPeer(idB.PublicKey); err == nil {
		t.Error("ConnectToPeer after Close succeeded, want error")
	}
}

// TestManager_MalformedSignalsDropped feeds garbage through every
// signal path; nothing should panic and no session state should wedge.
func TestManager_MalformedSignalsDropped(t *testing.T) {
	idA := mustIdentity(t)
	idB := mustIdentity(t)

	bus := newMemoryBus()
	endpoint := bus.endpoint(idA.PublicKey, func(signaling.Envelope) {})
	manager := NewManager(idA.PublicKey, "main", endpoint, ICEConfig{}, testLogger())
	defer manager.Close()

	garbage := json.RawMessage(`{"not":`)
	for _, envelopeType := range []string{signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeCandidate, "bogus"} {
		manager.HandleSignal(signaling.Envelope{
			Type: envelopeType,
			From: idB.PublicKey,
			To:   idA.PublicKey,
			Data: garbage,
		})
	}

	// An answer with no matching initiator session is inapplicable and
	// dropped without creating state.
	answer, _ := json.Marshal(map[string]string{"type": "answer", "sdp": "v=0"})
	manager.HandleSignal(signaling.Envelope{
		Type: signaling.TypeAnswer,
		From: idB.PublicKey,
		To:   idA.PublicKey,
		Data: answer,
	})

	manager.mu.Lock()
	_, sessionExists := manager.sessions[idB.PublicKey]
	manager.mu.Unlock()
	if sessionExists {
		t.Error("inapplicable answer created a session")
	}
}
