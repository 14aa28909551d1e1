// Package faults defines the error taxonomy shared across the pipeline.
// Every component wraps failures into a Kind so that supervisors, retry
// helpers, and the CLI exit path can act on the class of an error without
// knowing its origin.
package faults

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfig     Kind = "config_error"
	KindValidation Kind = "validation_error"
	KindConnection Kind = "connection_error"
	KindCollector  Kind = "collector_error"
	KindTimeout    Kind = "timeout_error"
	KindSecurity   Kind = "security_error"
	KindDatabase   Kind = "database_error"
)

var (
	// ErrNotConnected is returned by transport operations attempted while
	// the session is down.
	ErrNotConnected = errors.New("not connected")

	// ErrStopped is returned when work is submitted to a component that
	// has already shut down.
	ErrStopped = errors.New("stopped")
)

// Error is the taxonomy-carrying error. Op names the failing operation
// ("snmp.walk", "store.device.create"), Target the subject when one exists
// (a host, a topic, a table).
type Error struct {
	Kind   Kind
	Op     string
	Target string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Target != "" {
		s += " " + e.Target
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// WithTarget returns a copy of e annotated with a target.
func (e *Error) WithTarget(target string) *Error {
	c := *e
	c.Target = target
	return &c
}

func newError(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

func Config(op, msg string, cause error) *Error     { return newError(KindConfig, op, msg, cause) }
func Validation(op, msg string, cause error) *Error { return newError(KindValidation, op, msg, cause) }
func Connection(op, msg string, cause error) *Error { return newError(KindConnection, op, msg, cause) }
func Collector(op, msg string, cause error) *Error  { return newError(KindCollector, op, msg, cause) }
func Timeout(op, msg string, cause error) *Error    { return newError(KindTimeout, op, msg, cause) }
func Security(op, msg string, cause error) *Error   { return newError(KindSecurity, op, msg, cause) }
func Database(op, msg string, cause error) *Error   { return newError(KindDatabase, op, msg, cause) }

// KindOf extracts the taxonomy kind from err, unwrapping as needed.
// Bare context deadline errors are reported as timeouts. Returns "" for
// errors outside the taxonomy.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// IsRetryable reports whether err represents a transient condition worth
// retrying: lost connections, timeouts, and per-target collector failures.
// Validation, configuration, and security failures are never retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout, KindCollector:
		return true
	}
	return false
}
