package secgw

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for gateway operations.
var (
	// ErrUnsupportedMethod is returned for HTTP methods outside the
	// forwardable set.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrBodyTooLarge is returned when the request body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("request body too large")

	// ErrUpstreamUnavailable indicates the upstream could not be reached or
	// did not produce a complete response.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrResponseTooLarge is returned when the upstream response body
	// exceeds the configured limit.
	ErrResponseTooLarge = errors.New("upstream response too large")
)

// Client-facing error messages. These strings are part of the external
// contract and must not change.
const (
	MsgAuthRequired       = "mTLS authentication required"
	MsgBackendUnavailable = "Backend service unavailable"
	MsgMethodNotAllowed   = "Method not allowed"
	MsgBodyTooLarge       = "Request body too large"
	MsgBadRequest         = "Bad request"
	MsgRateLimited        = "Rate limit exceeded"
	MsgNotFound           = "Not found"
	MsgInternal           = "Internal server error"
)

// ConfigurationError reports key material or settings that prevent the
// gateway from starting.
type ConfigurationError struct {
	Op       string // what was being loaded, e.g. "key store"
	Location string // file path or embedded resource, if any
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("configuration: %s %q: %v", e.Op, e.Location, e.Err)
	}
	return fmt.Sprintf("configuration: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// GatewayError is a failure the gateway answers itself instead of relaying
// an upstream response.
type GatewayError struct {
	Status  int
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %d: %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway %d: %s", e.Status, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Envelope returns the JSON body sent to callers.
func (e *GatewayError) Envelope() ErrorEnvelope {
	return ErrorEnvelope{Error: e.Message}
}

// ErrorEnvelope is the stable error body shape consumed by callers.
type ErrorEnvelope struct {
	Error string `json:"error"`
}

func newBadGateway(err error) *GatewayError {
	return &GatewayError{Status: http.StatusBadGateway, Message: MsgBackendUnavailable, Err: err}
}

// writeJSON writes v as a compact JSON body without a trailing newline.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"` + MsgInternal + `"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError writes the error envelope for status with the given message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorEnvelope{Error: msg})
}

// writeGatewayError writes err's envelope, falling back to a 502 for
// errors that are not a *GatewayError.
func writeGatewayError(w http.ResponseWriter, err error) {
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		gerr = newBadGateway(err)
	}
	writeJSON(w, gerr.Status, gerr.Envelope())
}
