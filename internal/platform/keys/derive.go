// Package keys derives the per-consent symmetric key used to decrypt HI
// fetch bundles. spec.md §9 flags the exact key-exchange material as an
// open question ("not specified in the source; a conformance adapter
// should be isolated so it can be replaced once the live gateway contract
// is available"). This package is that adapter: it implements the X25519
// ECDH + HKDF-SHA256 scheme ABDM's published Health Information Exchange
// protocol uses, isolated behind Deriver so a different live-gateway
// scheme can be substituted without touching the HI Fetch Orchestrator.
package keys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Deriver turns the key-exchange material that accompanies an incoming HI
// record (counterparty public key and nonce), scoped by the consent
// artifact's ID, into the AES key used to decrypt that record.
type Deriver interface {
	Derive(artifactID string, requesterPrivate, counterpartyPublic [32]byte, nonce []byte) ([]byte, error)
}

// ECDHHKDFDeriver implements X25519 ECDH followed by HKDF-SHA256, the
// scheme ABDM's data-flow specification describes for HIP↔HIU key
// exchange.
type ECDHHKDFDeriver struct{}

// Derive computes shared = X25519(requesterPrivate, counterpartyPublic),
// then HKDF-SHA256(shared, salt=nonce, info="abdm-hi-fetch:"+artifactID)
// truncated to a 32-byte AES-256 key.
func (ECDHHKDFDeriver) Derive(artifactID string, requesterPrivate, counterpartyPublic [32]byte, nonce []byte) ([]byte, error) {
	shared, err := curve25519.X25519(requesterPrivate[:], counterpartyPublic[:])
	if err != nil {
		return nil, fmt.Errorf("keys: ECDH: %w", err)
	}

	info := []byte("abdm-hi-fetch:" + artifactID)
	reader := hkdf.New(sha256.New, shared, nonce, info)

	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("keys: HKDF expand: %w", err)
	}
	return key, nil
}
