package httptp

import "errors"

var (
	// ErrNoEndpoints indicates the provider returned no base URL for a version.
	ErrNoEndpoints = errors.New("httptp: no endpoints available")
	// ErrClosed is returned by calls on a closed Transport.
	ErrClosed = errors.New("httptp: closed")
)
