package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenSkew is subtracted from the token's expiry so a refresh happens
// slightly ahead of the gateway actually rejecting it (spec.md §4.A: "skew:
// 30 s").
const tokenSkew = 30 * time.Second

type session struct {
	token      string
	acquiredAt time.Time
	expiresIn  time.Duration
}

func (s session) validAt(t time.Time) bool {
	if s.token == "" {
		return false
	}
	return t.Before(s.acquiredAt.Add(s.expiresIn - tokenSkew))
}

// tokenCache caches the gateway session token, guaranteeing that at most one
// acquisition is in flight at a time (spec.md §4.A: "single-flight";
// §5 "Token cache: single-flight acquisition; readers access via a read
// lock").
type tokenCache struct {
	mu   sync.RWMutex
	cur  session
	sf   singleflight.Group
	auth func(ctx context.Context) (session, error)
}

func newTokenCache(authFn func(ctx context.Context) (session, error)) *tokenCache {
	return &tokenCache{auth: authFn}
}

// Get returns a valid token, acquiring a new one if necessary. Concurrent
// callers that miss the cache at the same time share a single acquisition.
func (c *tokenCache) Get(ctx context.Context) (string, error) {
	c.mu.RLock()
	cur := c.cur
	c.mu.RUnlock()
	if cur.validAt(time.Now()) {
		return cur.token, nil
	}
	return c.refresh(ctx)
}

// Invalidate forces the next Get/refresh to acquire a fresh token. Called
// after a 401 from the gateway (spec.md §4.A: "A forced refresh is
// triggered on any 401 from the gateway").
func (c *tokenCache) Invalidate() {
	c.mu.Lock()
	c.cur = session{}
	c.mu.Unlock()
}

func (c *tokenCache) refresh(ctx context.Context) (string, error) {
	v, err, _ := c.sf.Do("token", func() (interface{}, error) {
		// Re-check under the singleflight key: a waiter that joined after
		// another goroutine already refreshed should not re-authenticate.
		c.mu.RLock()
		cur := c.cur
		c.mu.RUnlock()
		if cur.validAt(time.Now()) {
			return cur.token, nil
		}

		s, err := c.auth(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.cur = s
		c.mu.Unlock()
		return s.token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// sessionResponse is the ABDM gateway's token endpoint response shape.
type sessionResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
	TokenType   string `json:"tokenType"`
}

// authenticate POSTs client-credentials to authURL and parses the session
// response (spec.md §6.3: "POST {authUrl} → session token").
func authenticate(ctx context.Context, httpClient *http.Client, authURL, clientID, clientSecret string, defaultTTL time.Duration) (session, error) {
	body := strings.NewReader(fmt.Sprintf(
		`{"clientId":%q,"clientSecret":%q,"grantType":"client_credentials"}`,
		clientID, clientSecret))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, body)
	if err != nil {
		return session{}, &GatewayAuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return session{}, &GatewayAuthError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return session{}, &GatewayAuthError{Err: fmt.Errorf("auth endpoint returned status %d", resp.StatusCode)}
	}

	var parsed sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return session{}, &GatewayAuthError{Err: fmt.Errorf("decode session response: %w", err)}
	}
	if parsed.AccessToken == "" {
		return session{}, &GatewayAuthError{Err: fmt.Errorf("empty access token in session response")}
	}

	ttl := defaultTTL
	if parsed.ExpiresIn > 0 {
		ttl = time.Duration(parsed.ExpiresIn) * time.Second
	}

	return session{
		token:      parsed.AccessToken,
		acquiredAt: time.Now(),
		expiresIn:  ttl,
	}, nil
}
