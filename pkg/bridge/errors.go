// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a bridge operation failure. Only KindFatal escalates to an
// operator-visible failure that aborts further destructive steps; the others
// are reported or retried at the call site.
type Kind int

const (
	// KindValidation is a malformed command or a reference to something
	// unknown. Nothing was mutated.
	KindValidation Kind = iota
	// KindConflict is a mapping uniqueness violation. Nothing was mutated.
	KindConflict
	// KindTransient is a transport failure worth retrying later. The owning
	// state machine stays in its pre-step state.
	KindTransient
	// KindFatal is an invariant violation. Destructive steps on the affected
	// room must stop until an operator intervenes.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified bridge failure. UserMessage, when set, is safe to post
// back into the admin room.
type Error struct {
	Kind        Kind
	UserMessage string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.UserMessage, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.UserMessage)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, UserMessage: fmt.Sprintf(format, args...), cause: cause}
}

// ValidationError reports bad user input.
func ValidationError(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// ConflictError reports a mapping uniqueness violation.
func ConflictError(format string, args ...any) *Error {
	return newError(KindConflict, nil, format, args...)
}

// TransientError wraps a retryable transport failure.
func TransientError(cause error, format string, args ...any) *Error {
	return newError(KindTransient, cause, format, args...)
}

// FatalError wraps an invariant violation.
func FatalError(cause error, format string, args ...any) *Error {
	return newError(KindFatal, cause, format, args...)
}

// KindOf returns the classification of err, defaulting to KindTransient for
// unclassified errors so unknown failures stay retryable rather than
// destructive.
func KindOf(err error) Kind {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Kind
	}
	return KindTransient
}

// UserMessageOf extracts the admin-room reply for err, falling back to a
// generic notice for unclassified errors.
func UserMessageOf(err error) string {
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) && bridgeErr.UserMessage != "" {
		return bridgeErr.UserMessage
	}
	return "An internal error occurred, please check the bridge logs."
}
