// Package fault defines the error taxonomy shared by the voice registry, the
// speech and dialogue providers, and the HTTP surface.
//
// Every failure that crosses a package boundary is either a *[Error] or wraps
// one. Transports translate the [Kind] into a status code exactly once; inner
// layers never reason about HTTP.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by who can act on it.
type Kind string

const (
	// KindInvalidInput is a malformed request, rejected before any network call.
	KindInvalidInput Kind = "invalid_input"

	// KindNotFound is an unknown voice in the local registry.
	KindNotFound Kind = "not_found"

	// KindUpstream is a provider failure: network, auth, quota, or timeout.
	KindUpstream Kind = "upstream"

	// KindInternal is an unexpected local fault such as a filesystem error.
	KindInternal Kind = "internal"
)

// Error is a classified failure.
type Error struct {
	Kind Kind

	// Op names the failing operation, e.g. "elevenlabs.synthesize".
	Op string

	// Message is the human-readable description. For upstream failures it is
	// the provider's message, verbatim.
	Message string

	// Status is the provider's status code for upstream failures, 0 otherwise.
	Status int

	// Timeout is set when an upstream call exceeded its deadline.
	Timeout bool

	Cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("status %d: %s", e.Status, msg)
	}
	if e.Timeout {
		msg = "timeout: " + msg
	}
	if e.Cause != nil && e.Message == "" {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Detail returns the message surfaced to API clients.
func (e *Error) Detail() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

// New returns an Error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is [New] with a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// Wrap classifies err. An err that already carries an *Error is returned
// unchanged so the innermost classification wins. Returns nil for a nil err.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: kind, Op: op, Message: message, Cause: err}
}

// InvalidInput reports a user-correctable request problem.
func InvalidInput(op, format string, args ...any) *Error {
	return Newf(KindInvalidInput, op, format, args...)
}

// NotFound reports an unknown resource.
func NotFound(op, format string, args ...any) *Error {
	return Newf(KindNotFound, op, format, args...)
}

// Internal wraps an unexpected local failure.
func Internal(op string, err error) error {
	return Wrap(KindInternal, op, "", err)
}

// Upstream builds a provider failure carrying the provider's status and
// message.
func Upstream(op string, status int, message string) *Error {
	return &Error{Kind: KindUpstream, Op: op, Status: status, Message: message}
}

// UpstreamCause classifies a transport-level provider failure. Deadline
// expiry is flagged as a timeout.
func UpstreamCause(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	e := &Error{Kind: KindUpstream, Op: op, Cause: err}
	if errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err) {
		e.Timeout = true
	}
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or
// [KindInternal] when there is none.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTimeout reports whether err is an upstream timeout.
func IsTimeout(err error) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.Timeout
}

// Detail returns the client-facing message for any error.
func Detail(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Detail()
	}
	return err.Error()
}

func isNetTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
