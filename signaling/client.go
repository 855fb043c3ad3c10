// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanternmesh/lantern/lib/clock"
)

// ReconnectDelay is the fixed wait between an unexpected connection
// loss and the next dial attempt. Reconnection repeats at this interval
// indefinitely until Disconnect is called or a new Connect supersedes
// the current one.
const ReconnectDelay = 3 * time.Second

// Handler receives every inbound envelope addressed to the local
// identity. Handlers run on the client's read goroutine and must not
// block it.
type Handler func(Envelope)

// Client maintains a single logical websocket connection to a relay.
// Envelopes submitted while disconnected are held in an unbounded FIFO
// queue and flushed in submission order when the connection opens,
// before anything newly submitted.
//
// Client is an explicit value: construct one per manager and pass it
// in. Independent instances (as in tests) do not interfere.
type Client struct {
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.Mutex
	address  string
	localKey string
	handler  Handler

	conn      *websocket.Conn
	connected bool
	dialing   bool

	// active is true between Connect and Disconnect. Reconnects are
	// scheduled only while active.
	active bool

	// generation invalidates read loops and in-flight dials that
	// belong to a superseded connection attempt.
	generation int

	reconnectTimer *clock.Timer

	queue     []Envelope
	observers []func(bool)
}

// NewClient creates a signaling client for the given relay address
// (for example "ws://localhost:8080/ws?room=main"). The clock drives
// the reconnect timer; production callers pass clock.Real().
func NewClient(address string, clk clock.Clock, logger *slog.Logger) *Client {
	return &Client{
		address: address,
		clock:   clk,
		logger:  logger,
	}
}

// Connect establishes the relay connection for the given local public
// key, dispatching inbound envelopes to handler. A second Connect
// supersedes the first: any live connection is torn down and re-dialed
// with the new identity and handler.
//
// The dial happens in the background; observers registered with
// OnConnectivityChange learn when the connection opens.
func (c *Client) Connect(localKey string, handler Handler) {
	c.mu.Lock()
	c.localKey = localKey
	c.handler = handler
	c.active = true
	old := c.teardownLocked()
	c.mu.Unlock()

	c.finishTeardown(old)
	go c.dial()
}

// Disconnect closes the connection intentionally: no reconnect is
// scheduled. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.active = false
	old := c.teardownLocked()
	c.mu.Unlock()

	c.finishTeardown(old)
}

// SetRelayAddress changes the relay address. Any existing connection is
// torn down; if a Connect was active, the client immediately re-dials
// the new address with the remembered identity and handler.
func (c *Client) SetRelayAddress(address string) {
	c.mu.Lock()
	c.address = address
	active := c.active
	old := c.teardownLocked()
	c.mu.Unlock()

	c.finishTeardown(old)
	if active {
		go c.dial()
	}
}

// Send transmits the envelope when the connection is open. Otherwise it
// appends to the FIFO queue and, when no connection attempt exists at
// all, starts one. Before the first Connect there is no identity or
// handler to dial with, so envelopes only queue; Connect flushes them
// once the connection opens. Send never fails from the caller's
// perspective: transport faults surface as connectivity state, not
// errors.
func (c *Client) Send(envelope Envelope) {
	c.mu.Lock()
	if c.conn != nil && c.connected {
		err := c.conn.WriteJSON(envelope)
		if err == nil {
			c.mu.Unlock()
			return
		}
		// The write failed; the read loop will observe the close and
		// schedule the reconnect. Queue the envelope so it is not lost.
		c.logger.Warn("relay write failed, queueing envelope", "type", envelope.Type, "error", err)
	}
	c.queue = append(c.queue, envelope)
	needDial := c.active && c.conn == nil && !c.dialing && c.reconnectTimer == nil
	c.mu.Unlock()

	if needDial {
		go c.dial()
	}
}

// OnConnectivityChange registers an observer notified with true/false
// on every open/close transition.
func (c *Client) OnConnectivityChange(observer func(bool)) {
	c.mu.Lock()
	c.observers = append(c.observers, observer)
	c.mu.Unlock()
}

// Connected reports whether the relay connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// QueueLength reports the number of envelopes waiting for the
// connection to open.
func (c *Client) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// teardownLocked invalidates the current connection attempt and
// returns the connection (if any) for the caller to close outside the
// lock. Callers must follow up with finishTeardown.
func (c *Client) teardownLocked() *websocket.Conn {
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	if c.connected {
		c.connected = false
		c.notifyLocked(false)
	}
	return conn
}

// finishTeardown closes a connection handed out by teardownLocked.
func (c *Client) finishTeardown(conn *websocket.Conn) {
	if conn != nil {
		conn.Close()
	}
}

// notifyLocked schedules observer notification for a connectivity
// transition. Observers run on a fresh goroutine so they can call back
// into the client without deadlocking.
func (c *Client) notifyLocked(up bool) {
	observers := slices.Clone(c.observers)
	go func() {
		for _, observer := range observers {
			observer(up)
		}
	}()
}

// dial attempts one connection to the relay. On failure it schedules a
// single retry after ReconnectDelay. On success it flushes the queue in
// submission order and starts the read loop.
func (c *Client) dial() {
	c.mu.Lock()
	if !c.active || c.conn != nil || c.dialing {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	address := c.address
	generation := c.generation
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(address, nil)

	c.mu.Lock()
	c.dialing = false
	if !c.active || c.generation != generation {
		// Superseded while the dial was in flight. The superseding
		// Connect or SetRelayAddress spawned its own dial, but that dial
		// bails out when it sees dialing still set, so restart it here or
		// the client strands with no connection and no timer.
		redial := c.active && c.conn == nil && c.reconnectTimer == nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if redial {
			go c.dial()
		}
		return
	}
	if err != nil {
		c.logger.Warn("relay dial failed", "address", address, "error", err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.connected = true

	// Flush under the lock: concurrent Sends wait here, preserving the
	// invariant that queued envelopes precede newly-submitted ones.
	queued := c.queue
	c.queue = nil
	for index, envelope := range queued {
		if writeErr := conn.WriteJSON(envelope); writeErr != nil {
			c.logger.Warn("queue flush interrupted", "flushed", index, "pending", len(queued)-index, "error", writeErr)
			c.queue = append(slices.Clone(queued[index:]), c.queue...)
			break
		}
	}

	c.notifyLocked(true)
	c.mu.Unlock()

	c.logger.Info("relay connected", "address", address)
	go c.readLoop(conn, generation)
}

// scheduleReconnectLocked arms exactly one reconnect timer.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = c.clock.AfterFunc(ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.dial()
	})
}

// readLoop consumes frames until the connection drops, dispatching
// envelopes that pass the addressing filter. Frames that fail to parse,
// are not addressed to the local identity, or are self-addressed are
// silently dropped.
func (c *Client) readLoop(conn *websocket.Conn, generation int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, generation, err)
			return
		}

		c.mu.Lock()
		localKey := c.localKey
		handler := c.handler
		stale := c.generation != generation
		c.mu.Unlock()
		if stale {
			return
		}

		envelope, parseErr := ParseEnvelope(data)
		if parseErr != nil {
			c.logger.Debug("dropping unparsable relay frame", "error", parseErr)
			continue
		}
		if envelope.To != localKey || envelope.From == localKey {
			continue
		}
		if handler != nil {
			handler(envelope)
		}
	}
}

// handleClose reacts to an unexpected connection loss: connectivity
// goes false and, while the client is active, a reconnect is scheduled
// after the fixed delay.
func (c *Client) handleClose(conn *websocket.Conn, generation int, err error) {
	c.mu.Lock()
	if c.generation != generation || c.conn != conn {
		// An explicit teardown already superseded this connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.notifyLocked(false)
	if c.active {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("relay connection lost", "error", err)
}
