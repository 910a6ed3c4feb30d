package contracts

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy surfaced at the API boundary. Services and
// stores return *Error values carrying a Kind; the HTTP layer maps kinds to
// status codes and problem documents.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindForbidden        Kind = "FORBIDDEN"
	KindNotFound         Kind = "NOT_FOUND"
	KindConflict         Kind = "CONFLICT"
	KindChainBroken      Kind = "CHAIN_BROKEN"
	KindHashMismatch     Kind = "HASH_MISMATCH"
	KindSignatureInvalid Kind = "SIGNATURE_INVALID"
	KindDuplicateEvent   Kind = "DUPLICATE_EVENT"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindInternal         Kind = "INTERNAL"
)

// Error is a taxonomy-tagged error. Message is safe to surface to clients;
// the wrapped cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a taxonomy error with a client-visible message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a taxonomy kind and client-visible message to an
// underlying cause.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the taxonomy kind from err, defaulting to INTERNAL for
// untagged errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the client-visible message of a taxonomy error, or a
// generic message for untagged errors so internals never leak.
func MessageOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	return "internal error"
}
