// ABOUTME: Error kinds translated into the wire {kind, message} shape
// ABOUTME: The single vocabulary every control-plane response error is expressed in

// Package gatewayerr defines the error-kind taxonomy shared across the
// gateway and the single translation point (the control-plane handler) that
// maps a Kind to a wire-level response.
package gatewayerr

import "errors"

// Kind is the machine-readable classification carried in every wire error.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindRateLimited     Kind = "rate_limited"
	KindInvalidRequest  Kind = "invalid_request"
	KindNotFound        Kind = "not_found"
	KindPolicyDenied    Kind = "policy_denied"
	KindToolMissing     Kind = "tool_missing"
	KindLLMUnavailable  Kind = "llm_unavailable"
	KindInternal        Kind = "internal"
)

// Error is a Kind-tagged error that wraps an underlying cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a Kind-tagged error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an existing error with a Kind, preserving it for errors.Is/As.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), cause: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, defaulting to KindInternal otherwise.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}
