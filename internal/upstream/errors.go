package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable matches every *UnavailableError.
	ErrUnavailable = errors.New("transit provider unavailable")
	// ErrNotFound is returned when the provider answers 404 for an entity.
	ErrNotFound = errors.New("not found at transit provider")
	// ErrFeedNotConfigured is returned by FetchFeedVehicles without a feed URL.
	ErrFeedNotConfigured = errors.New("vehicle positions feed not configured")
)

// UnavailableError is a transport or HTTP status failure talking to the
// provider.
type UnavailableError struct {
	Endpoint   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: HTTP %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %v", e.Endpoint, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// ValidationError reports a provider payload that does not match the
// expected shape. No partial records accompany it.
type ValidationError struct {
	Endpoint string
	Field    string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s payload at %s: %v", e.Endpoint, e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s payload: %v", e.Endpoint, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
