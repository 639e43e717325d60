// Package rferrors defines the error taxonomy shared across runnerfleet's
// cloud, platform, and lifecycle packages so callers can classify failures
// without inspecting error strings.
package rferrors

import "errors"

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", Err...) at the
// point of detection; callers use errors.Is to classify.
var (
	// ErrTransient marks a failure that is expected to resolve on retry
	// (timeouts, 5xx responses, connection refused).
	ErrTransient = errors.New("transient error")

	// ErrPermanent marks a failure that will not resolve on retry without
	// an operator or configuration change (4xx responses other than 429).
	ErrPermanent = errors.New("permanent error")

	// ErrConfig marks a misconfiguration detected at runtime (missing
	// credential, invalid flavor, unreachable endpoint at startup).
	ErrConfig = errors.New("configuration error")

	// ErrProtocol marks a response that violates the expected wire
	// contract (malformed JSON, missing required field).
	ErrProtocol = errors.New("protocol error")

	// ErrInvariant marks a violation of an internal invariant that the
	// caller must treat as a bug, not a recoverable condition (an
	// instance found outside the manager's prefix, a duplicate identity).
	ErrInvariant = errors.New("invariant violation")

	// ErrMalformedName is returned by ParseInstanceID when a name does
	// not match the <prefix>-<reactivity>-<suffix> shape.
	ErrMalformedName = errors.New("malformed instance name")

	// ErrNotFound marks a lookup that found nothing, distinct from a
	// transport failure.
	ErrNotFound = errors.New("not found")
)

// Classify returns the sentinel from this package that err (or anything it
// wraps) matches, or nil if it matches none.
func Classify(err error) error {
	switch {
	case errors.Is(err, ErrTransient):
		return ErrTransient
	case errors.Is(err, ErrPermanent):
		return ErrPermanent
	case errors.Is(err, ErrConfig):
		return ErrConfig
	case errors.Is(err, ErrProtocol):
		return ErrProtocol
	case errors.Is(err, ErrInvariant):
		return ErrInvariant
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	default:
		return nil
	}
}

// IsRetryable reports whether err should be retried by the shared retry
// helper (transient failures only).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
