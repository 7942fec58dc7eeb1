// Package transport implements the request gateway between resource
// controllers and the upstream HTTP API: credential and anti-forgery header
// injection, session gating, conditional-revalidation caching, single-flight
// de-duplication of identical reads, and a classified retry/backoff policy.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind classifies a request failure. The retry policy, the auth ladder and
// the controller's error surface all branch on it.
type Kind int

const (
	// KindCanceled is a caller-initiated cancellation, absorbed at the
	// gateway boundary and never surfaced as a failure.
	KindCanceled Kind = iota
	// KindNetwork covers connection-level failures (refused, reset, DNS).
	KindNetwork
	// KindTimeout covers deadline and timeout failures.
	KindTimeout
	// KindRateLimited is a 429-class rejection carrying a wait duration.
	KindRateLimited
	// KindAuthExpired is a 401 the server says (or heuristics suggest) can
	// be cured by a credential refresh.
	KindAuthExpired
	// KindAuthInvalid is a 401 that forces sign-out.
	KindAuthInvalid
	// KindValidation is any other 4xx, propagated verbatim with the
	// server-provided message.
	KindValidation
	// KindServer is a 5xx fault.
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindCanceled:
		return "canceled"
	case KindNetwork:
		return "network_unavailable"
	case KindTimeout:
		return "timeout_exceeded"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthExpired:
		return "auth_expired"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindValidation:
		return "validation_rejected"
	case KindServer:
		return "server_fault"
	}
	return "unknown"
}

// Error is the gateway's classified failure type.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification of err, or KindServer when err carries
// no classification.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindServer
}

// IsCanceled reports whether err is a caller-initiated cancellation.
func IsCanceled(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == KindCanceled
	}
	return errors.Is(err, context.Canceled)
}

// apiError is the error envelope the upstream uses for non-2xx responses.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Action  string `json:"action"`
}

func parseAPIError(body []byte) apiError {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	return ae
}

func (ae apiError) text() string {
	if ae.Message != "" {
		return ae.Message
	}
	return ae.Error
}

// classifyTransportErr maps a failure from the HTTP client itself (no
// response was produced) onto the taxonomy.
func classifyTransportErr(err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

// classifyStatus maps a non-2xx, non-401, non-429 response onto the taxonomy.
func classifyStatus(status int, body []byte) *Error {
	ae := parseAPIError(body)
	if status >= http.StatusInternalServerError {
		return &Error{Kind: KindServer, Status: status, Message: ae.text()}
	}
	return &Error{Kind: KindValidation, Status: status, Message: ae.text()}
}
