package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go/v3"
)

// ErrorKind sorts upstream failures into the buckets the gateway maps
// to response codes.
type ErrorKind string

const (
	KindUnavailable     ErrorKind = "unavailable"
	KindRateLimited     ErrorKind = "rate_limited"
	KindInvalidResponse ErrorKind = "invalid_response"
)

// Error is a classified upstream failure.
type Error struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Kind, e.Message)
}

// Classify inspects err and returns the matching *Error, or nil when
// err carries no upstream classification.
func Classify(err error) *Error {
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}
	return nil
}

// wrapAPIError turns an SDK error into a classified Error. Anything
// that is not an API error (timeouts, connection refused) counts as
// the upstream being unavailable.
func wrapAPIError(err error, operation string) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return &Error{
			Kind:    KindUnavailable,
			Message: fmt.Sprintf("%s: %v", operation, err),
		}
	}

	e := &Error{
		Status:  apiErr.StatusCode,
		Message: fmt.Sprintf("%s: %s", operation, apiErr.Message),
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = retryAfterFrom(apiErr.Response)
	case apiErr.StatusCode >= 500:
		e.Kind = KindUnavailable
	default:
		e.Kind = KindInvalidResponse
	}
	return e
}

func retryAfterFrom(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
