// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Lantern commands.
//
// Configuration is read from a single YAML file named by the
// LANTERN_CONFIG environment variable or a --config flag. There is no
// automatic discovery: a command either names its config file or runs
// on defaults, so the effective configuration is always auditable.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable that points at the config file.
const EnvVar = "LANTERN_CONFIG"

// Config is the configuration for Lantern commands.
type Config struct {
	// RelayURL is the websocket address of the signaling relay.
	RelayURL string `yaml:"relay_url"`

	// Room selects the relay room used for peer discovery.
	Room string `yaml:"room"`

	// IdentityPath is where the identity export file lives. Created on
	// first run if absent.
	IdentityPath string `yaml:"identity_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		RelayURL:     "ws://localhost:8080",
		Room:         "main",
		IdentityPath: "lantern-identity.json",
		LogLevel:     "info",
	}
}

// Load reads and validates the config file at path. Missing fields
// fall back to defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if _, err := cfg.SlogLevel(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve picks the config source: the explicit flag path wins, then
// the LANTERN_CONFIG environment variable, then built-in defaults.
func Resolve(flagPath string) (Config, error) {
	if flagPath != "" {
		return Load(flagPath)
	}
	if envPath := os.Getenv(EnvVar); envPath != "" {
		return Load(envPath)
	}
	return Default(), nil
}

// SlogLevel converts LogLevel into a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}
