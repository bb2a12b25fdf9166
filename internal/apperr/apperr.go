// Package apperr defines the tagged error kinds shared by the ledger,
// escrow, dispute and webhook packages.
//
// Every failure that crosses a package boundary carries a Kind so callers
// (the HTTP layer, retry policies, the webhook responder) can branch on it
// without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindInsufficientFunds      Kind = "insufficient_funds"
	KindTransferFailed         Kind = "transfer_failed"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindConflict               Kind = "conflict"
	KindInvalidSignature       Kind = "invalid_signature"
	KindStorage                Kind = "storage"
	KindNotFound               Kind = "not_found"
	KindInvalidRequest         Kind = "invalid_request"
	KindInternal               Kind = "internal"
)

// Error is a tagged error. Code is a stable machine-readable identifier
// narrower than Kind (e.g. "payment_not_found").
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and Code, so sentinels
// declared with New still match after Wrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Retryable reports whether the operation may be retried as-is.
// Only storage failures qualify; everything else needs a new decision.
func (e *Error) Retryable() bool {
	return e.Kind == KindStorage
}

// New creates a sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap returns a copy of sentinel carrying cause. errors.Is(result, sentinel)
// holds and errors.Is(result, cause) holds.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: sentinel.Message, Err: cause}
}

// Wrapf is Wrap with a formatted detail message appended.
func Wrapf(sentinel *Error, format string, args ...any) *Error {
	return &Error{
		Kind:    sentinel.Kind,
		Code:    sentinel.Code,
		Message: sentinel.Message + ": " + fmt.Sprintf(format, args...),
	}
}

// Storage wraps a store failure.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Code: "storage_error", Message: "failed to " + op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// IsRetryable reports whether err carries a retryable kind.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// HTTPStatus maps a kind to the response status the API uses.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindTransferFailed:
		return http.StatusBadGateway
	case KindInvalidStateTransition, KindConflict:
		return http.StatusConflict
	case KindInvalidSignature:
		return http.StatusUnauthorized
	case KindStorage:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
