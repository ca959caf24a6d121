package storage

import "errors"

// Sentinel errors returned by the storage client. Handlers map these to
// response codes with errors.Is, so wrapping with fmt.Errorf("%w") is fine
// anywhere in between.
var (
	// ErrCircuitOpen means the breaker is open and no fetch was attempted.
	ErrCircuitOpen = errors.New("storage circuit open")

	// ErrNotFound means storage answered 404 for the requested key.
	ErrNotFound = errors.New("object not found")

	// ErrRetryExhausted means every attempt of a fetch failed with a
	// retryable error.
	ErrRetryExhausted = errors.New("storage retries exhausted")

	// ErrUpstream means storage answered with a non-retryable client error
	// other than 404.
	ErrUpstream = errors.New("upstream rejected request")

	// ErrBadRange means the Range header on the incoming request could not
	// be parsed.
	ErrBadRange = errors.New("malformed range header")
)
