package gateway

import "fmt"

// GatewayAuthError means the client could not authenticate against the
// gateway's auth URL — bad client credentials. Never retried (spec.md §4.A).
type GatewayAuthError struct {
	Err error
}

func (e *GatewayAuthError) Error() string { return fmt.Sprintf("gateway auth failed: %v", e.Err) }
func (e *GatewayAuthError) Unwrap() error { return e.Err }

// GatewayProtocolError wraps a non-401 4xx response from the gateway.
type GatewayProtocolError struct {
	Status  int
	Code    string
	Message string
}

func (e *GatewayProtocolError) Error() string {
	return fmt.Sprintf("gateway protocol error: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
}

// GatewayUnavailableError means the gateway timed out or returned 5xx after
// exhausting retries.
type GatewayUnavailableError struct {
	Err error
}

func (e *GatewayUnavailableError) Error() string {
	return fmt.Sprintf("gateway unavailable: %v", e.Err)
}
func (e *GatewayUnavailableError) Unwrap() error { return e.Err }

// GatewayResponseError means the gateway returned a 2xx response whose body
// could not be decoded into the expected shape.
type GatewayResponseError struct {
	Err error
}

func (e *GatewayResponseError) Error() string {
	return fmt.Sprintf("gateway response decode failed: %v", e.Err)
}
func (e *GatewayResponseError) Unwrap() error { return e.Err }
