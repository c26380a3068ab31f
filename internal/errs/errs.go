// Package errs defines the unified error taxonomy shared across the
// darkswap core (C16). Every exported error from internal/* is a *Error
// carrying one of the Kinds below, so callers can branch on kind without
// string matching while still getting errors.Is/errors.As interop with
// wrapped causes.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a semantic error category, not a Go type hierarchy.
type Kind string

const (
	Transport          Kind = "transport"
	Signaling          Kind = "signaling"
	Crypto             Kind = "crypto"
	Auth               Kind = "auth"
	RateLimited        Kind = "rate_limited"
	NotFound           Kind = "not_found"
	AlreadyExists      Kind = "already_exists"
	InvalidArgument    Kind = "invalid_argument"
	PermissionDenied   Kind = "permission_denied"
	InvalidTransaction Kind = "invalid_transaction"
	WalletError        Kind = "wallet_error"
	Timeout            Kind = "timeout"
	Canceled           Kind = "canceled"
	Internal           Kind = "internal"
)

// Error is the stable, user-visible error shape: a kind, a human message,
// and an optional wrapped cause. No stack traces cross the boundary.
type Error struct {
	Kind    Kind
	Message string
	RetryIn time.Duration // only meaningful for Kind == RateLimited
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is(err, target) match when target is another *Error of
// the same Kind, regardless of message or cause.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func AlreadyExistsf(format string, args ...any) *Error {
	return New(AlreadyExists, fmt.Sprintf(format, args...))
}

func InvalidArgumentf(format string, args ...any) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}

func PermissionDeniedf(format string, args ...any) *Error {
	return New(PermissionDenied, fmt.Sprintf(format, args...))
}

func InvalidTransactionf(format string, args ...any) *Error {
	return New(InvalidTransaction, fmt.Sprintf(format, args...))
}

func Timeoutf(format string, args ...any) *Error {
	return New(Timeout, fmt.Sprintf(format, args...))
}

func Canceledf(format string, args ...any) *Error {
	return New(Canceled, fmt.Sprintf(format, args...))
}

func Internalf(format string, args ...any) *Error {
	return New(Internal, fmt.Sprintf(format, args...))
}

// RateLimitedAfter builds a RateLimited error that tells the caller when
// to retry.
func RateLimitedAfter(retryIn time.Duration) *Error {
	return &Error{Kind: RateLimited, Message: "rate limited", RetryIn: retryIn}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
