// Package gateway implements the outbound HTTP client to the ABDM Gateway:
// session token acquisition and caching, retryable idempotent calls, and a
// circuit breaker shielding the rest of the system from a gateway outage
// (spec.md §4.A).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// defaultCMID is the sandbox Consent Manager identifier used when a call
// carries no patient ABHA address to derive one from.
const defaultCMID = "sbx"

// ExtractCMID derives the Consent Manager identifier ABDM expects in the
// X-CM-ID header from a patient's ABHA address (health-id@cm-suffix). Every
// Gateway call is scoped to the CM the patient is registered with, not a
// fixed sandbox value.
func ExtractCMID(abhaAddress string) string {
	if i := strings.IndexByte(abhaAddress, '@'); i >= 0 && i+1 < len(abhaAddress) {
		return abhaAddress[i+1:]
	}
	return defaultCMID
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	AuthURL      string
	ClientID     string
	ClientSecret string

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	MaxRetries     int
}

// Client is the sole entry point other components use to talk to ABDM.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *tokenCache
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		log:        log.With().Str("component", "gateway_client").Logger(),
	}
	c.tokens = newTokenCache(func(ctx context.Context) (session, error) {
		return authenticate(ctx, httpClient, cfg.AuthURL, cfg.ClientID, cfg.ClientSecret, cfg.CacheTTL)
	})
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "abdm-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// Authenticate forces a token acquisition, surfacing GatewayAuthError on
// failure. Exposed mainly for the `/status` gateway-reachability probe.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.tokens.Get(ctx)
	return err
}

// callResult is the outcome of a single HTTP attempt, used to decide
// retryability.
type callResult struct {
	status int
	body   []byte
}

// Post sends a JSON body to path on behalf of cmID (the patient's Consent
// Manager, see ExtractCMID). When idempotencyKey is non-empty the call is
// treated as idempotent and retried on network error or 5xx (spec.md §4.A).
// into, if non-nil, receives the decoded JSON response body.
func (c *Client) Post(ctx context.Context, cmID, path string, payload interface{}, idempotencyKey string, into interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &GatewayResponseError{Err: fmt.Errorf("marshal request: %w", err)}
	}
	retryable := idempotencyKey != ""
	return c.do(ctx, http.MethodPost, path, cmID, nil, body, idempotencyKey, retryable, into)
}

// Get sends a GET request with the given query params on behalf of cmID.
// GET is always idempotent and therefore always retried.
func (c *Client) Get(ctx context.Context, cmID, path string, params url.Values, into interface{}) error {
	return c.do(ctx, http.MethodGet, path, cmID, params, nil, "", true, into)
}

func (c *Client) do(ctx context.Context, method, path, cmID string, params url.Values, body []byte, idempotencyKey string, retryable bool, into interface{}) error {
	if cmID == "" {
		cmID = defaultCMID
	}
	correlationID := uuid.New().String()
	start := time.Now()

	result, err := c.doWithRetry(ctx, method, path, cmID, params, body, idempotencyKey, correlationID, retryable)

	c.log.Info().
		Str("method", method).
		Str("path", path).
		Str("correlation_id", correlationID).
		Dur("latency_ms", time.Since(start)).
		Int("status", result.status).
		Err(err).
		Msg("gateway call completed")

	if err != nil {
		return err
	}

	if into != nil && len(result.body) > 0 {
		if err := json.Unmarshal(result.body, into); err != nil {
			return &GatewayResponseError{Err: fmt.Errorf("decode response body: %w", err)}
		}
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, method, path, cmID string, params url.Values, body []byte, idempotencyKey, correlationID string, retryable bool) (callResult, error) {
	// One 401 gets exactly one forced token refresh and immediate retry,
	// outside the backoff schedule (spec.md §4.A: "bounded to one retry
	// per call").
	callOnce := func() (callResult, error) {
		res, err := c.attempt(ctx, method, path, cmID, params, body, idempotencyKey, correlationID)
		if _, is401 := err.(*authRetryableError); is401 {
			c.tokens.Invalidate()
			res, err = c.attempt(ctx, method, path, cmID, params, body, idempotencyKey, correlationID)
		}
		if _, is401 := err.(*authRetryableError); is401 {
			return callResult{}, &GatewayAuthError{Err: err}
		}
		return res, err
	}

	op := func() (callResult, error) {
		res, err := callOnce()
		if err == nil {
			return res, nil
		}
		if !retryable {
			return callResult{}, backoff.Permanent(err)
		}
		switch err.(type) {
		case *GatewayProtocolError, *GatewayAuthError:
			return callResult{}, backoff.Permanent(err)
		}
		return callResult{}, err
	}

	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	breakerResult, breakerErr := c.breaker.Execute(func() (interface{}, error) {
		return backoff.Retry(ctx, op,
			backoff.WithBackOff(newBackOff()),
			backoff.WithMaxTries(uint(maxRetries+1)),
		)
	})
	if breakerErr != nil {
		switch breakerErr.(type) {
		case *GatewayProtocolError, *GatewayAuthError:
			return callResult{}, breakerErr
		}
		return callResult{}, &GatewayUnavailableError{Err: breakerErr}
	}
	return breakerResult.(callResult), nil
}

// newBackOff returns the exponential schedule spec.md §4.A requires: base
// 250ms, factor 2, cap 8s.
func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 8 * time.Second
	return b
}

// authRetryableError signals a 401 that should trigger exactly one forced
// token refresh and retry.
type authRetryableError struct{ err error }

func (e *authRetryableError) Error() string { return e.err.Error() }

func (c *Client) attempt(ctx context.Context, method, path, cmID string, params url.Values, body []byte, idempotencyKey, correlationID string) (callResult, error) {
	token, err := c.tokens.Get(ctx)
	if err != nil {
		return callResult{}, err
	}

	fullURL := c.cfg.BaseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		return callResult{}, &GatewayResponseError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CM-ID", cmID)
	req.Header.Set("X-Correlation-Id", correlationID)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return callResult{}, &GatewayUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return callResult{}, &authRetryableError{err: fmt.Errorf("gateway returned 401")}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		time.Sleep(retryAfter)
		return callResult{}, &GatewayUnavailableError{Err: fmt.Errorf("rate limited (429)")}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return callResult{}, &GatewayProtocolError{Status: resp.StatusCode, Message: string(respBody)}
	case resp.StatusCode >= 500:
		return callResult{}, &GatewayUnavailableError{Err: fmt.Errorf("gateway returned %d", resp.StatusCode)}
	}

	return callResult{status: resp.StatusCode, body: respBody}, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return time.Second
}
