// Package xerrors defines five error kinds: transport, protocol,
// leader-redirection, configuration and user errors, each wrapping its
// cause with github.com/juju/errors so callers can both errors.Is/As
// against the kind and juju/errors.Cause through to the original failure.
package xerrors

import (
	stderrors "errors"
	"fmt"

	"github.com/juju/errors"
)

// Kind distinguishes the error categories above.
type Kind int

const (
	Transport Kind = iota
	Protocol
	Redirect
	Configuration
	User
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Redirect:
		return "redirect"
	case Configuration:
		return "configuration"
	case User:
		return "user"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged, annotated error.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Cause returns the deepest annotated cause, for juju/errors interop.
func (e *Error) Cause() error {
	if e.err == nil {
		return e
	}
	return errors.Cause(e.err)
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, msg: msg, err: errors.Annotate(cause, msg)}
}

func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return Wrap(kind, fmt.Sprintf(format, args...), cause)
}

// Is lets errors.Is match two *Error values by Kind alone, so callers can do
// errors.Is(err, xerrors.New(xerrors.Transport, "")) style checks... but the
// idiomatic path is IsKind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
