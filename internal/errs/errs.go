// Package errs is the error taxonomy shared by the bot runtime.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how the runtime reacts to them.
type Kind string

const (
	// KindConfig is a malformed strategy config; the instance is not started.
	KindConfig Kind = "CONFIG"
	// KindDataUnavailable is a market-data failure; the cycle is skipped.
	KindDataUnavailable Kind = "DATA_UNAVAILABLE"
	// KindOrderRejected is a venue rejection; surfaced, not blindly retried.
	KindOrderRejected Kind = "ORDER_REJECTED"
	// KindRiskDenial is a gate decision recorded for audit.
	KindRiskDenial Kind = "RISK_DENIAL"
	// KindAdvisorUnavailable never escalates.
	KindAdvisorUnavailable Kind = "ADVISOR_UNAVAILABLE"
	// KindVenue covers transport failures talking to the venue.
	KindVenue Kind = "VENUE"
	// KindFatal stops the instance.
	KindFatal Kind = "FATAL"
)

// Error carries a kind and the operation that failed.
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Op, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Retryable: retryable(kind)}
}

// Wrap attaches a kind to err. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err, Retryable: retryable(kind)}
}

// Config is shorthand for a ConfigError.
func Config(op, format string, args ...any) *Error {
	return New(KindConfig, op, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a retry is allowed for err.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

func retryable(kind Kind) bool {
	switch kind {
	case KindDataUnavailable, KindVenue, KindAdvisorUnavailable:
		return true
	default:
		return false
	}
}
