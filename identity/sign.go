// Copyright 2026 The Lantern Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Payload is anything that can produce its canonical byte form: the
// deterministic, order-fixed projection of its semantic fields. The
// same logical payload must yield byte-identical output on every
// process, or signatures produced on one side will spuriously fail to
// verify on the other.
type Payload interface {
	CanonicalBytes() ([]byte, error)
}

// Sign canonicalizes the payload, hashes it with SHA-256, and signs the
// digest with the ECDSA private key. Returns the ASN.1 DER signature
// hex-encoded. Signing fails loudly: a caller that cannot sign must not
// mark the message as sent.
func Sign(payload Payload, hexPrivateKey string) (string, error) {
	key, err := ParsePrivateKey(hexPrivateKey)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}

	canonical, err := payload.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload: %w", err)
	}

	digest := sha256.Sum256(canonical)
	signature, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing digest: %w", err)
	}
	return hex.EncodeToString(signature), nil
}

// Verify re-canonicalizes the received payload and checks the hex
// signature against the claimed sender's public key. Any failure —
// malformed key, malformed signature, canonicalization error, digest
// mismatch — returns false. Verification failure is a routine outcome,
// not an exceptional one, so Verify never returns an error.
func Verify(payload Payload, hexSignature, hexPublicKey string) bool {
	key, err := ParsePublicKey(hexPublicKey)
	if err != nil {
		return false
	}

	signature, err := hex.DecodeString(hexSignature)
	if err != nil {
		return false
	}

	canonical, err := payload.CanonicalBytes()
	if err != nil {
		return false
	}

	digest := sha256.Sum256(canonical)
	return ecdsa.VerifyASN1(key, digest[:], signature)
}
