package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, gatewayHandler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sessionResponse{AccessToken: "tok-1", ExpiresIn: 3600})
	})
	mux.HandleFunc("/", gatewayHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:        srv.URL,
		AuthURL:        srv.URL + "/sessions",
		ClientID:       "cid",
		ClientSecret:   "secret",
		RequestTimeout: 5 * time.Second,
		CacheTTL:       time.Hour,
		MaxRetries:     2,
	}, zerolog.Nop())
	return c, srv
}

func TestClient_PostSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-CM-ID") != "ncg" {
			t.Errorf("expected X-CM-ID %q, got %q", "ncg", r.Header.Get("X-CM-ID"))
		}
		json.NewEncoder(w).Encode(map[string]string{"abdmRequestId": "req-1"})
	})

	var out struct {
		ABDMRequestID string `json:"abdmRequestId"`
	}
	err := c.Post(context.Background(), "ncg", "/consent-requests/init", map[string]string{"x": "y"}, "idem-1", &out)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if out.ABDMRequestID != "req-1" {
		t.Fatalf("expected req-1, got %s", out.ABDMRequestID)
	}
}

func TestClient_PostDefaultsCMIDWhenEmpty(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CM-ID") != defaultCMID {
			t.Errorf("expected default X-CM-ID %q, got %q", defaultCMID, r.Header.Get("X-CM-ID"))
		}
		json.NewEncoder(w).Encode(map[string]string{})
	})

	if err := c.Post(context.Background(), "", "/consent-requests/init", map[string]string{}, "idem-1", nil); err != nil {
		t.Fatalf("Post: %v", err)
	}
}

func TestExtractCMID(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want string
	}{
		{"well-formed address", "jane@ncg", "ncg"},
		{"no suffix", "jane", defaultCMID},
		{"trailing at with nothing after", "jane@", defaultCMID},
		{"empty", "", defaultCMID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCMID(tt.addr); got != tt.want {
				t.Errorf("ExtractCMID(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

func TestClient_RetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	err := c.Post(context.Background(), "ncg", "/consent-requests/init", map[string]string{}, "idem-1", nil)
	if err != nil {
		t.Fatalf("expected eventual success, got: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestClient_NonIdempotentPostNotRetried(t *testing.T) {
	var attempts int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.Post(context.Background(), "ncg", "/consent-requests/init", map[string]string{}, "", nil)
	if err == nil {
		t.Fatal("expected error from non-retryable POST")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-idempotent POST, got %d", attempts)
	}
}

func TestClient_4xxIsNotRetried(t *testing.T) {
	var attempts int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	err := c.Get(context.Background(), "ncg", "/health-records/1", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*GatewayProtocolError); !ok {
		t.Fatalf("expected GatewayProtocolError, got %T: %v", err, err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt for a 4xx, got %d", attempts)
	}
}

func TestClient_401TriggersOneForcedRefresh(t *testing.T) {
	var gatewayCalls, sessionCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&sessionCalls, 1)
		json.NewEncoder(w).Encode(sessionResponse{AccessToken: "tok-" + time.Now().String(), ExpiresIn: 3600})
		_ = n
	})
	mux.HandleFunc("/consent-requests/init", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&gatewayCalls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL: srv.URL, AuthURL: srv.URL + "/sessions",
		ClientID: "cid", ClientSecret: "secret",
		RequestTimeout: 5 * time.Second, CacheTTL: time.Hour, MaxRetries: 2,
	}, zerolog.Nop())

	err := c.Post(context.Background(), "ncg", "/consent-requests/init", map[string]string{}, "idem-1", nil)
	if err != nil {
		t.Fatalf("expected success after forced refresh, got: %v", err)
	}
	if atomic.LoadInt32(&gatewayCalls) != 2 {
		t.Fatalf("expected 2 gateway calls (401 then success), got %d", gatewayCalls)
	}
	if atomic.LoadInt32(&sessionCalls) != 2 {
		t.Fatalf("expected 2 session calls (initial + forced refresh), got %d", sessionCalls)
	}
}
