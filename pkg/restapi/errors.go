package restapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// NetworkError is a transport failure or a non-2xx answer from the server.
// StatusCode is zero when no response was received.
type NetworkError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
	retryAfter time.Duration
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("restapi: %s %s failed: %v", e.Method, e.Path, e.Err)
	}
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 256 {
		msg = msg[:256] + "..."
	}
	return fmt.Sprintf("restapi: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the request can succeed: transport failures, throttling and server errors.
func (e *NetworkError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return !errors.Is(e.Err, context.Canceled)
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

func (e *NetworkError) RetryAfter() time.Duration {
	return e.retryAfter
}

// IsNotFound reports whether err is a NetworkError carrying a 404.
func IsNotFound(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.StatusCode == http.StatusNotFound
}

// IsTransportError reports whether err is a NetworkError for which no HTTP response was received.
func IsTransportError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.StatusCode == 0
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// MalformedResponseError means a page came back but could not be parsed into the expected shape.
type MalformedResponseError struct {
	What string
	Err  error
}

func NewMalformedResponseError(what string, err error) *MalformedResponseError {
	return &MalformedResponseError{What: what, Err: err}
}

func (e *MalformedResponseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("restapi: malformed %s response", e.What)
	}
	return fmt.Sprintf("restapi: malformed %s response: %v", e.What, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
