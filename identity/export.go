// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// exportCurve is the curve label recorded in identity export files.
const exportCurve = "ECDSA P-256"

// exportWarning is embedded in every export file so a user inspecting
// a backup understands what they are holding.
const exportWarning = "Keep this file secret. Anyone holding the private key can impersonate this identity."

// ExportFile is the JSON interchange document for identity backup and
// restore. Key fields carry the same hex DER encodings as Identity.
type ExportFile struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
	Generated  string `json:"generated"`
	Curve      string `json:"curve"`
	Warning    string `json:"warning"`
}

// Save writes the identity to path as an export document. The file is
// created with 0600 permissions: it contains the private key.
func Save(id Identity, path string) error {
	doc := ExportFile{
		PrivateKey: id.PrivateKey,
		PublicKey:  id.PublicKey,
		Generated:  id.CreatedAt.UTC().Format(time.RFC3339),
		Curve:      exportCurve,
		Warning:    exportWarning,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity export: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	return nil
}

// Load reads and validates an identity export document. Both keys must
// parse as P-256 material and the curve label must match; a file that
// fails validation forces the caller back to an unauthenticated state.
func Load(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("reading identity file: %w", err)
	}

	var doc ExportFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return Identity{}, fmt.Errorf("parsing identity file: %w", err)
	}
	if doc.Curve != exportCurve {
		return Identity{}, fmt.Errorf("identity curve is %q, want %q", doc.Curve, exportCurve)
	}
	if _, err := ParsePrivateKey(doc.PrivateKey); err != nil {
		return Identity{}, fmt.Errorf("validating stored private key: %w", err)
	}
	if _, err := ParsePublicKey(doc.PublicKey); err != nil {
		return Identity{}, fmt.Errorf("validating stored public key: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339, doc.Generated)
	if err != nil {
		// Older exports may carry a nonstandard timestamp; the keys are
		// what matter.
		createdAt = time.Time{}
	}

	return Identity{
		PublicKey:  doc.PublicKey,
		PrivateKey: doc.PrivateKey,
		CreatedAt:  createdAt,
	}, nil
}

// LoadOrGenerate loads the identity at path, generating and saving a
// fresh one if the file does not exist.
func LoadOrGenerate(path string) (Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("checking identity file: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return Identity{}, err
	}
	if err := Save(id, path); err != nil {
		return Identity{}, err
	}
	return id, nil
}
