package pulse

import (
	"errors"

	"github.com/loftline/pulse-go/internal/transport"
)

// Error surfaces of the client. Transport-level types are aliased so
// callers never import internal packages.

// APIError is a non-retryable HTTP error with the backend's structured
// {type, code, detail, attr} body attached.
type APIError = transport.APIError

// UnauthorizedError is a 401; it always indicates a credential
// configuration problem.
type UnauthorizedError = transport.UnauthorizedError

// ErrNotFound is returned when an endpoint answers 404.
var ErrNotFound = transport.ErrNotFound

// ErrClosed is returned for operations attempted after Close.
var ErrClosed = errors.New("pulse: client is closed")

// ErrFeatureFlagsUnavailable is returned when a flag could not be decided
// locally and remote evaluation failed too.
var ErrFeatureFlagsUnavailable = errors.New("pulse: feature flags unavailable")

// IsAPIError reports whether err carries an APIError.
func IsAPIError(err error) bool { return transport.IsAPIError(err) }

// IsUnauthorized reports whether err carries an UnauthorizedError.
func IsUnauthorized(err error) bool { return transport.IsUnauthorized(err) }
