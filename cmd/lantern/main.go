// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// lantern is a minimal chat client: it loads (or creates) an identity,
// connects to the relay, negotiates a direct channel to a peer, and
// exchanges signed messages over it. Lines read from stdin are signed
// and sent; received messages are printed with the sender's
// fingerprint and verification state.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"github.com/lanternmesh/lantern/identity"
	"github.com/lanternmesh/lantern/lib/clock"
	"github.com/lanternmesh/lantern/lib/config"
	"github.com/lanternmesh/lantern/message"
	"github.com/lanternmesh/lantern/peer"
	"github.com/lanternmesh/lantern/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lantern:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to config file (or set "+config.EnvVar+")")
	relayFlag := pflag.String("relay", "", "relay websocket address, overrides config")
	roomFlag := pflag.String("room", "", "relay room, overrides config")
	identityFlag := pflag.String("identity", "", "identity file path, overrides config")
	peerFlag := pflag.String("peer", "", "hex public key of the peer to dial")
	pflag.Parse()

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		return err
	}
	if *relayFlag != "" {
		cfg.RelayURL = *relayFlag
	}
	if *roomFlag != "" {
		cfg.Room = *roomFlag
	}
	if *identityFlag != "" {
		cfg.IdentityPath = *identityFlag
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	id, err := identity.LoadOrGenerate(cfg.IdentityPath)
	if err != nil {
		return err
	}
	fmt.Printf("identity: %s\nfingerprint: %s\n", id.PublicKey, identity.Fingerprint(id.PublicKey))

	relayAddress, err := relayAddressWithRoom(cfg.RelayURL, cfg.Room)
	if err != nil {
		return err
	}

	client := signaling.NewClient(relayAddress, clock.Real(), logger)
	manager := peer.NewManager(id.PublicKey, cfg.Room, client, peer.ICEConfig{}, logger)
	defer manager.Close()

	client.OnConnectivityChange(func(up bool) {
		logger.Info("relay connectivity", "up", up)
	})
	manager.OnMessage(func(peerKey string, payload []byte) {
		var msg message.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warn("dropping undecodable message", "peer", identity.Fingerprint(peerKey), "error", err)
			return
		}
		fmt.Printf("[%s %s] %s\n", identity.Fingerprint(peerKey), msg.Verify(peerKey), msg.Content)
	})

	client.Connect(id.PublicKey, manager.HandleSignal)

	if *peerFlag != "" {
		manager.OnStatusChange(*peerFlag, func(status peer.Status) {
			fmt.Printf("peer %s is %s\n", identity.Fingerprint(*peerFlag), status)
		})
		if err := manager.ConnectToPeer(*peerFlag); err != nil {
			return err
		}
	}

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-interrupted:
			logger.Info("interrupt received, shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if *peerFlag == "" {
				fmt.Println("no --peer configured; message not sent")
				continue
			}
			if err := sendLine(manager, id, *peerFlag, line); err != nil {
				logger.Warn("send failed", "error", err)
			}
		}
	}
}

// sendLine signs a message and attempts best-effort delivery. A peer
// whose channel is not open reports non-delivery inline; the line is
// not queued.
func sendLine(manager *peer.Manager, id identity.Identity, peerKey, line string) error {
	msg := &message.Message{
		ID:        newMessageID(),
		ContactID: peerKey,
		Content:   line,
		Timestamp: time.Now().UnixMilli(),
		Delivery:  message.DeliverySending,
	}
	if err := msg.Sign(id.PrivateKey); err != nil {
		msg.Delivery = message.DeliveryFailed
		return fmt.Errorf("signing message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if manager.SendMessage(peerKey, payload) {
		msg.Delivery = message.DeliverySent
		fmt.Println("(sent)")
	} else {
		msg.Delivery = message.DeliveryFailed
		fmt.Println("(not delivered: peer not connected)")
	}
	return nil
}

// relayAddressWithRoom appends the room query parameter unless the
// operator already baked one into the URL.
func relayAddressWithRoom(address, room string) (string, error) {
	parsed, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parsing relay address: %w", err)
	}
	query := parsed.Query()
	if query.Get("room") == "" && room != "" {
		query.Set("room", room)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func newMessageID() string {
	var raw [8]byte
	rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}
