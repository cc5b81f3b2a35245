// Package webhookverify secures the inbound callback endpoints ABDM calls
// (spec.md §4.F: "unauthenticated in terms of the clinician bearer; must be
// secured by transport-level trust and a replay-resistant payload verifier").
// It has no outbound delivery concerns — ABDM calls us, we never register or
// dispatch to third-party webhook subscribers.
package webhookverify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// SignPayload computes an HMAC-SHA256 signature of body||timestamp||nonce
// under secret, returning the hex-encoded result.
func SignPayload(body []byte, timestamp, nonce, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature reports whether signature matches the HMAC-SHA256 of
// body||timestamp||nonce under secret, in constant time.
func verifySignature(body []byte, timestamp, nonce, secret, signature string) bool {
	expected := SignPayload(body, timestamp, nonce, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// NonceStore tracks recently-seen nonces to reject replays. Implementations
// must be safe for concurrent use.
type NonceStore interface {
	// SeenRecently records nonce and reports whether it was already present.
	SeenRecently(nonce string, ttl time.Duration) bool
}

// InMemoryNonceStore is a NonceStore backed by a map, suitable for a single
// instance. Multi-instance deployments should back this with Redis instead
// (see internal/platform/lease for the pattern used elsewhere).
type InMemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{seen: make(map[string]time.Time)}
}

func (s *InMemoryNonceStore) SeenRecently(nonce string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for n, at := range s.seen {
		if now.Sub(at) > ttl {
			delete(s.seen, n)
		}
	}

	if _, ok := s.seen[nonce]; ok {
		return true
	}
	s.seen[nonce] = now
	return false
}

// Config controls inbound callback verification.
type Config struct {
	Secret string
	// MaxClockSkew bounds how far the X-Timestamp header may drift from
	// wall-clock time before a request is rejected as stale or forged.
	MaxClockSkew time.Duration
	// NonceTTL is how long a nonce is remembered for replay detection.
	NonceTTL time.Duration
	// AllowedCIDRs restricts accepted source IPs; empty means no restriction
	// (development only — production deployments should always set this).
	AllowedCIDRs []string

	Nonces NonceStore
}

// Verifier checks HMAC signature, timestamp freshness, nonce uniqueness, and
// source IP against an allowlist for a single inbound callback request.
type Verifier struct {
	cfg  Config
	nets []*net.IPNet
}

func New(cfg Config) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("webhookverify: secret is required")
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = 5 * time.Minute
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 2 * cfg.MaxClockSkew
	}
	if cfg.Nonces == nil {
		cfg.Nonces = NewInMemoryNonceStore()
	}

	v := &Verifier{cfg: cfg}
	for _, cidr := range cfg.AllowedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("webhookverify: invalid CIDR %q: %w", cidr, err)
		}
		v.nets = append(v.nets, n)
	}
	return v, nil
}

// Verify validates an inbound ABDM callback. It returns a non-nil error
// whenever the caller should reject the request; the caller decides the
// status code (spec.md §4.F: webhooks still return 2xx on no-op outcomes,
// but a failed verification is not a no-op — it's an untrusted request).
func (v *Verifier) Verify(remoteAddr, timestamp, nonce, signature string, body []byte) error {
	if len(v.nets) > 0 && !v.sourceAllowed(remoteAddr) {
		return fmt.Errorf("source address %s is not allowlisted", remoteAddr)
	}

	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if skew := time.Since(ts); skew < -v.cfg.MaxClockSkew || skew > v.cfg.MaxClockSkew {
		return fmt.Errorf("timestamp outside allowed skew of %s", v.cfg.MaxClockSkew)
	}

	if nonce == "" {
		return fmt.Errorf("missing nonce")
	}
	if v.cfg.Nonces.SeenRecently(nonce, v.cfg.NonceTTL) {
		return fmt.Errorf("nonce %s already used", nonce)
	}

	if !verifySignature(body, timestamp, nonce, v.cfg.Secret, signature) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (v *Verifier) sourceAllowed(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range v.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty")
	}
	if unixSeconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unixSeconds, 0), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// HeadersFrom extracts the verifier-relevant headers ABDM is expected to
// send on every callback.
func HeadersFrom(h http.Header) (timestamp, nonce, signature string) {
	return h.Get("X-HIU-Timestamp"), h.Get("X-HIU-Nonce"), h.Get("X-HIU-Signature")
}
