package transport

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for a 404 from the backend. It is surfaced as a
// network-style error rather than an APIError because the ingestion
// endpoints treat unknown paths as a deployment problem, not a request
// problem.
var ErrNotFound = errors.New("endpoint not found")

// APIError is a non-retryable HTTP error with the backend's structured
// body attached.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Detail     string `json:"detail"`
	Attr       string `json:"attr"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// IsAPIError reports whether err is an APIError.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// UnauthorizedError is a 401 with its own surface: it always indicates a
// credential configuration problem rather than a transient failure.
type UnauthorizedError struct {
	Detail string
}

func (e *UnauthorizedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unauthorized: %s", e.Detail)
	}
	return "unauthorized"
}

// IsUnauthorized reports whether err is an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var unauthorized *UnauthorizedError
	return errors.As(err, &unauthorized)
}

// statusError marks a retryable HTTP status (408, 429, 5xx). It stays
// inside the transport; callers only see it when retries are exhausted.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("transient HTTP %d: %s", e.StatusCode, e.Body)
}
