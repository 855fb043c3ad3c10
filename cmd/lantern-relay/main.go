// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// lantern-relay runs the signaling rendezvous hub. It is stateless:
// restarting it drops nothing but in-flight negotiation frames, which
// clients re-send after their reconnect delay.
package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/pflag"

	"github.com/lanternmesh/lantern/relay"
)

func main() {
	listen := pflag.String("listen", ":8080", "address to listen on")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	hub := relay.NewHub(logger)
	mux := http.NewServeMux()
	mux.Handle("/healthz", hub.HealthHandler())
	// The hub answers at the root so the default client address
	// ws://host:8080 needs no path.
	mux.Handle("/", hub)

	logger.Info("relay listening", "address", *listen)
	if err := http.ListenAndServe(*listen, mux); err != nil {
		logger.Error("relay server failed", "error", err)
		os.Exit(1)
	}
}
