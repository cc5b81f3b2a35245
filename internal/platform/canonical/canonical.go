// Package canonical computes the checksum used to verify the integrity of
// health-information bundles ingested from ABDM (spec.md §4.D: "SHA-256
// checksum, FHIR shape"). Bundles are JSON; before hashing, the payload is
// put into RFC 8785 JSON Canonicalization Scheme form so that key ordering
// and whitespace differences between what the HIP signed and what arrived
// over the wire do not produce spurious mismatches.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Checksum returns the hex-encoded SHA-256 digest of the RFC 8785 canonical
// form of payload. payload must be valid JSON.
func Checksum(payload []byte) (string, error) {
	canon, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("canonical: transform payload: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether payload's canonical SHA-256 checksum matches want
// (case-insensitive hex comparison).
func Verify(payload []byte, want string) error {
	got, err := Checksum(payload)
	if err != nil {
		return err
	}
	if !equalFoldHex(got, want) {
		return fmt.Errorf("canonical: checksum mismatch: got %s, want %s", got, want)
	}
	return nil
}

func equalFoldHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'F' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'F' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ChecksumStruct marshals v to JSON and returns its canonical checksum. It
// is a convenience for callers that build a Go struct rather than receiving
// raw bytes off the wire.
func ChecksumStruct(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical: marshal: %w", err)
	}
	return Checksum(b)
}
