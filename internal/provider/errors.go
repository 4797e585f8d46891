package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingCredential means the backend requires an API key and none is
	// configured (or its envelope decoded to nothing).
	ErrMissingCredential = errors.New("API key is not configured")

	// ErrMalformedResponse means the backend answered 2xx but the expected
	// completion field was absent.
	ErrMalformedResponse = errors.New("unexpected response format")

	// ErrTimeout means the backend did not respond within its allotted window.
	ErrTimeout = errors.New("request timed out")

	// ErrConfig means the provider cannot be used with its current settings,
	// e.g. the custom provider has no endpoint.
	ErrConfig = errors.New("provider is misconfigured")
)

// HTTPError is a non-2xx backend response. Body is truncated for messages.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Status == 401 {
		return fmt.Sprintf("invalid API key (status 401): %s", truncate(e.Body, 100))
	}
	return fmt.Sprintf("HTTP error %d: %s", e.Status, truncate(e.Body, 100))
}

// wrapTransport classifies transport-level failures, mapping deadline
// expiry onto ErrTimeout.
func wrapTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("request failed: %w", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
