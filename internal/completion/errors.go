package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth          ErrorKind = "authentication"
	KindRateLimit     ErrorKind = "rate_limit"
	KindContentFilter ErrorKind = "content_filtered"
	KindServer        ErrorKind = "server_error"
	KindBadRequest    ErrorKind = "bad_request"
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network"
	KindUnavailable   ErrorKind = "unavailable"
	KindEmpty         ErrorKind = "empty_response"
	KindUnknown       ErrorKind = "unknown"
)

// Error is the classified failure returned by every provider.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Retryable  bool
	// RetryAfter is the provider's hint for rate-limit errors, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a retryable completion error.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// KindOf returns the error kind, KindUnknown for unclassified errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

func kindForStatus(status int) (ErrorKind, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, false
	case status == http.StatusTooManyRequests:
		return KindRateLimit, true
	case status == http.StatusRequestTimeout:
		return KindTimeout, true
	case status >= 500:
		return KindServer, true
	case status >= 400:
		return KindBadRequest, false
	}
	return KindUnknown, false
}

// classify builds an *Error from an HTTP status and headers, or from a transport error.
func classify(provider string, status int, header http.Header, err error) *Error {
	if status != 0 {
		kind, retryable := kindForStatus(status)
		ce := &Error{Provider: provider, Kind: kind, StatusCode: status, Retryable: retryable, Err: err}
		if kind == KindRateLimit {
			ce.RetryAfter = parseRetryAfter(header)
		}
		return ce
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Provider: provider, Kind: KindUnknown, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Provider: provider, Kind: KindTimeout, Retryable: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Provider: provider, Kind: KindTimeout, Retryable: true, Err: err}
		}
		return &Error{Provider: provider, Kind: KindNetwork, Retryable: true, Err: err}
	}
	return &Error{Provider: provider, Kind: KindUnknown, Err: err}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
