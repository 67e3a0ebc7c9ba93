// Package apperr defines the error kinds shared by the session, override and
// reporting layers. Transport code maps a Kind to a status code; everything
// else only needs errors.Is against the exported sentinels.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation"
	KindTransientIO Kind = "transient_io"
)

// Sentinels usable with errors.Is.
var (
	ErrConflict    = &Error{Kind: KindConflict}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrValidation  = &Error{Kind: KindValidation}
	ErrTransientIO = &Error{Kind: KindTransientIO}
)

// Error carries a Kind, a user facing message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so wrapped errors compare equal to
// the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Conflictf reports a user-correctable invariant violation.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf reports a missing session, record or override target.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Validationf reports malformed input.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps an I/O failure that the caller should retry later.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == KindTransientIO {
		return err
	}
	return &Error{Kind: KindTransientIO, Msg: "transient io", Err: err}
}

// KindOf returns the Kind of err, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
