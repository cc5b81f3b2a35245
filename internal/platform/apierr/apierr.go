// Package apierr defines the error taxonomy the API Surface maps to HTTP
// status codes (spec.md §7). Domain services return these directly;
// handlers never need to pattern-match on internal error strings.
package apierr

import (
	"fmt"
	"net/http"

	"github.com/dr-assistant/abdm-core/internal/platform/gateway"
)

// Kind identifies one row of the §7 error taxonomy table.
type Kind string

const (
	KindValidation         Kind = "VALIDATION"
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindPermissionScope    Kind = "PERMISSION_SCOPE"
	KindGatewayAuth        Kind = "GATEWAY_AUTH"
	KindGatewayProtocol    Kind = "GATEWAY_PROTOCOL"
	KindGatewayUnavailable Kind = "GATEWAY_UNAVAILABLE"
	KindIntegrity          Kind = "INTEGRITY"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindBusy               Kind = "BUSY"
	KindInternal           Kind = "INTERNAL"
)

// Error is a typed domain error carrying enough context for the API Surface
// to pick the right HTTP status and response body without inspecting the
// gateway's raw error, which must never leak to clients (spec.md §7).
type Error struct {
	Kind    Kind
	Message string
	Fields  []string // populated for KindValidation
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(message string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

func PermissionScope(message string) *Error {
	return &Error{Kind: KindPermissionScope, Message: message}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

func Integrity(message string, err error) *Error {
	return &Error{Kind: KindIntegrity, Message: message, Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// Busy signals a bounded resource (e.g. the HI callback work queue) has no
// capacity left; callers should set a Retry-After header alongside it
// (spec.md §5: "if the queue is full, the webhook returns 503 with
// Retry-After").
func Busy(message string) *Error {
	return &Error{Kind: KindBusy, Message: message}
}

// HTTPStatus maps a Kind to its wire status (spec.md §7).
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPermissionScope:
		return http.StatusUnprocessableEntity
	case KindGatewayAuth, KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case KindGatewayProtocol:
		return http.StatusBadGateway
	case KindIntegrity:
		return http.StatusInternalServerError
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromGatewayError classifies an error returned by internal/platform/gateway
// into the matching taxonomy kind, without leaking the gateway's raw body
// (spec.md §7: "GatewayAuth → 503 + alarm", "GatewayProtocol → 502",
// "GatewayUnavailable → 503").
func FromGatewayError(err error) *Error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *gateway.GatewayAuthError:
		return &Error{Kind: KindGatewayAuth, Message: "gateway authentication failed", Err: err}
	case *gateway.GatewayProtocolError:
		return &Error{Kind: KindGatewayProtocol, Message: "gateway rejected the request", Err: err}
	case *gateway.GatewayUnavailableError:
		return &Error{Kind: KindGatewayUnavailable, Message: "gateway unavailable", Err: err}
	case *gateway.GatewayResponseError:
		return Internal(err)
	default:
		return Internal(err)
	}
}
