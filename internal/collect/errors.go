package collect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// CollectorError is a failure to fetch or parse one source.
type CollectorError struct {
	Source string
	URL    string
	Err    error
}

func (e *CollectorError) Error() string {
	return fmt.Sprintf("collect %s: %v", e.Source, e.Err)
}

func (e *CollectorError) Unwrap() error { return e.Err }

// Retryable is true for network failures, timeouts and 5xx/429 responses.
func (e *CollectorError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var he *HTTPError
	if errors.As(e.Err, &he) {
		return he.Retryable()
	}
	var ne net.Error
	return errors.As(e.Err, &ne)
}

// HTTPError is a non-2xx response from a source.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}
