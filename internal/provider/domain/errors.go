package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMine means an inbound callback belongs to a different provider
	// and the dispatcher should try the next candidate.
	ErrNotMine = errors.New("callback_not_mine")
	// ErrUnknownPayment means the callback is this provider's but cannot be
	// matched to a payment; it is acknowledged without state changes.
	ErrUnknownPayment = errors.New("unknown_payment")
	// ErrVerificationFailed means the callback's authenticity check failed;
	// it must be rejected without mutating state.
	ErrVerificationFailed = errors.New("webhook_verification_failed")

	ErrProviderNotFound = errors.New("provider_not_found")
	ErrNotSupported     = errors.New("operation_not_supported")
)

// ErrorKind classifies provider failures at the abstraction boundary. Raw
// SDK errors never cross it.
type ErrorKind string

const (
	// ErrorKindValidation is bad payer input; the payment keeps its status.
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindTransient is a reachability or provider-side fault not
	// attributable to the attempted charge; retry or surface, never mark
	// the payment failed.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindTerminal is a definitive charge failure (declined card).
	ErrorKindTerminal ErrorKind = "terminal"
)

// Error is the domain-level translation of a provider failure.
type Error struct {
	Kind ErrorKind
	// Field names the offending input for validation errors.
	Field   string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s error on %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func NewValidationError(field, message string) *Error {
	return &Error{Kind: ErrorKindValidation, Field: field, Message: message}
}

func NewTransientError(message string, cause error) *Error {
	return &Error{Kind: ErrorKindTransient, Message: message, cause: cause}
}

func NewTerminalError(message string, cause error) *Error {
	return &Error{Kind: ErrorKindTerminal, Message: message, cause: cause}
}

// AsProviderError unwraps an error chain to the domain translation, if any.
func AsProviderError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
