package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrKeyExpired   = errors.New("api key expired")
	ErrKeyBlocked   = errors.New("api key blocked")
	ErrRateLimited  = errors.New("daily quota exceeded")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")

	// ErrNoProvider is returned when the scheduler has no eligible provider.
	ErrNoProvider = errors.New("no available provider")

	// Upstream failure kinds. All three count as provider failures and are
	// retryable with provider substitution.
	ErrUpstreamAuth      = errors.New("upstream auth failure")
	ErrUpstreamTransport = errors.New("upstream transport error")
	ErrUpstreamProtocol  = errors.New("upstream protocol error")
)

// terminalError pins an otherwise retryable error: once a streaming response
// has delivered bytes to the caller, substitution would replay content.
type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as non-retryable while preserving its kind for status
// mapping.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// Retryable reports whether an error should trigger provider substitution.
// Request-shape errors, rate limits, caller cancellation, and errors marked
// Terminal fail fast.
func Retryable(err error) bool {
	var t *terminalError
	if errors.As(err, &t) {
		return false
	}
	return errors.Is(err, ErrUpstreamAuth) ||
		errors.Is(err, ErrUpstreamTransport) ||
		errors.Is(err, ErrUpstreamProtocol)
}
