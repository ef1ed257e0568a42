package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindTransient
	KindMalformedResponse
	KindResourceExhausted
	KindLeaseExpired
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindMalformedResponse:
		return "malformed_response"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindLeaseExpired:
		return "lease_expired"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Error carries a Kind alongside the failing operation and the wrapped cause.
// Reason, when set, overrides the category string shown to users.
type Error struct {
	Kind       Kind
	Op         string
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Malformed(op string, err error) error {
	if err == nil {
		err = ErrMalformedResponse
	}
	return &Error{Kind: KindMalformedResponse, Op: op, Err: err}
}

func Exhausted(op string, err error, retryAfter time.Duration) error {
	return &Error{Kind: KindResourceExhausted, Op: op, Err: err, RetryAfter: retryAfter}
}

func LeaseExpired(op string) error {
	return &Error{Kind: KindLeaseExpired, Op: op, Err: ErrLeaseNotHeld}
}

func Cancelled(op string) error {
	return &Error{Kind: KindCancelled, Op: op, Err: context.Canceled}
}

// KindOf reports the Kind of err, recognising the plain sentinels and
// context errors as well as *Error values anywhere in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrRateLimited):
		return KindResourceExhausted
	case errors.Is(err, ErrLeaseNotHeld):
		return KindLeaseExpired
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformedResponse
	case errors.Is(err, ErrInvalidArgument):
		return KindValidation
	}
	return KindInternal
}

func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// RetryAfter returns the back-off hint of a resource-exhausted error, or fallback.
func RetryAfter(err error, fallback time.Duration) time.Duration {
	var de *Error
	if errors.As(err, &de) && de.RetryAfter > 0 {
		return de.RetryAfter
	}
	return fallback
}

// Reason maps an error to the category string reported to users.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) && de.Reason != "" {
		return de.Reason
	}
	if errors.Is(err, ErrImageUnavailable) {
		return "submission images unavailable"
	}
	switch KindOf(err) {
	case KindValidation:
		return "invalid submission"
	case KindTransient:
		return "grading service unavailable"
	case KindMalformedResponse:
		return "grading service returned an unreadable answer"
	case KindResourceExhausted:
		return "grading service busy, retry later"
	case KindLeaseExpired:
		return "grading timed out"
	case KindCancelled:
		return "cancelled"
	}
	return "internal error"
}
