package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// ErrTransient marks a failure worth retrying (network, rate limit, 5xx)
var ErrTransient = errors.New("transient API failure")

// APIError is a non-2xx response from a provider
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the status code suggests retrying
func (e *APIError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == 529, // Anthropic overloaded
		e.StatusCode >= 500:
		return true
	}
	return false
}

// Is lets errors.Is(err, ErrTransient) match retryable API errors
func (e *APIError) Is(target error) bool {
	return target == ErrTransient && e.Temporary()
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
