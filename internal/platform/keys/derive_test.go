package keys

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func genKeypair(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519 basepoint mult: %v", err)
	}
	copy(pub[:], pubSlice)
	return
}

func TestECDHHKDFDeriver_BothSidesAgree(t *testing.T) {
	requesterPriv, requesterPub := genKeypair(t)
	counterpartyPriv, counterpartyPub := genKeypair(t)

	nonce := []byte("fixed-test-nonce")
	d := ECDHHKDFDeriver{}

	keyA, err := d.Derive("artifact-1", requesterPriv, counterpartyPub, nonce)
	if err != nil {
		t.Fatalf("Derive (requester side): %v", err)
	}
	keyB, err := d.Derive("artifact-1", counterpartyPriv, requesterPub, nonce)
	if err != nil {
		t.Fatalf("Derive (counterparty side): %v", err)
	}

	if !bytes.Equal(keyA, keyB) {
		t.Fatal("expected both sides of the ECDH exchange to derive the same key")
	}
	if len(keyA) != 32 {
		t.Fatalf("expected a 32-byte key, got %d bytes", len(keyA))
	}
}

func TestECDHHKDFDeriver_DifferentArtifactsDeriveDifferentKeys(t *testing.T) {
	requesterPriv, _ := genKeypair(t)
	_, counterpartyPub := genKeypair(t)
	nonce := []byte("fixed-test-nonce")
	d := ECDHHKDFDeriver{}

	key1, _ := d.Derive("artifact-1", requesterPriv, counterpartyPub, nonce)
	key2, _ := d.Derive("artifact-2", requesterPriv, counterpartyPub, nonce)

	if bytes.Equal(key1, key2) {
		t.Fatal("expected different artifact IDs to derive different keys")
	}
}
