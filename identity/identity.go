// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity implements Lantern's cryptographic identity: an
// ECDSA P-256 key pair carried as hex-encoded standard DER exports
// (SPKI for the public key, PKCS#8 for the private key), message
// signing and verification over canonical payload bytes, and the short
// fingerprint used for out-of-band key comparison.
//
// There are no accounts and no passwords. The key pair is the identity;
// the private key never leaves the owning process.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Identity is an ECDSA P-256 key pair. Immutable once created.
type Identity struct {
	// PublicKey is the hex encoding of the SPKI (PKIX) DER export.
	PublicKey string

	// PrivateKey is the hex encoding of the PKCS#8 DER export. It is
	// never transmitted and never appears in any wire message.
	PrivateKey string

	// CreatedAt is when the key pair was generated.
	CreatedAt time.Time
}

// Generate creates a new P-256 identity.
func Generate() (Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generating P-256 key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Identity{}, fmt.Errorf("encoding private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return Identity{}, fmt.Errorf("encoding public key: %w", err)
	}

	return Identity{
		PublicKey:  hex.EncodeToString(pubDER),
		PrivateKey: hex.EncodeToString(privDER),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// ParsePublicKey decodes a hex SPKI export into an ECDSA public key.
// Rejects keys on any curve other than P-256.
func ParsePublicKey(hexKey string) (*ecdsa.PublicKey, error) {
	der, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding public key hex: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing SPKI public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *ecdsa.PublicKey", parsed)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("public key curve is %s, want P-256", key.Curve.Params().Name)
	}
	return key, nil
}

// ParsePrivateKey decodes a hex PKCS#8 export into an ECDSA private
// key. Rejects keys on any curve other than P-256.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	der, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding private key hex: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#8 private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want *ecdsa.PrivateKey", parsed)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("private key curve is %s, want P-256", key.Curve.Params().Name)
	}
	return key, nil
}

// fingerprintLength is the number of hex characters in a fingerprint.
const fingerprintLength = 16

// Fingerprint derives the short human-comparable form of a public key:
// SHA-256 over the key's hex text, truncated to the first 16 hex
// characters, upper-cased. It is stable for a fixed key and is used
// only for out-of-band comparison, never as a trust decision by itself.
func Fingerprint(hexPublicKey string) string {
	sum := sha256.Sum256([]byte(hexPublicKey))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:fingerprintLength])
}
