package apierr

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// envelope is the response shape spec.md §6.1 requires of every
// authenticated REST response: {success, data?, error?}.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Kind    Kind     `json:"kind"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// OK writes a successful envelope with the given HTTP status.
func OK(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

// Respond writes err as a failure envelope, choosing the HTTP status from
// its Kind. Non-*Error values are treated as Internal so a stray error
// from outside this package's taxonomy never leaks details to the client.
func Respond(c echo.Context, err error) error {
	apiErr, ok := err.(*Error)
	if !ok {
		apiErr = Internal(err)
	}
	status := HTTPStatus(apiErr.Kind)
	body := errorBody{Kind: apiErr.Kind, Message: apiErr.Message, Fields: apiErr.Fields}
	if apiErr.Kind == KindInternal {
		body.Message = "internal error"
	}
	return c.JSON(status, envelope{Success: false, Error: &body})
}

// BadRequest is a convenience for request-parsing failures that never
// reach a domain service (malformed UUID, unparsable body).
func BadRequest(c echo.Context, message string, fields ...string) error {
	return Respond(c, Validation(message, fields...))
}

// RespondBusy writes a BUSY failure envelope and a Retry-After header,
// used when a bounded work queue (e.g. HI callback ingestion) is full
// (spec.md §5).
func RespondBusy(c echo.Context, message string, retryAfter time.Duration) error {
	c.Response().Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	return Respond(c, Busy(message))
}
