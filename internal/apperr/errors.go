// Package apperr defines the error kinds returned by the meeting, attendance
// and quiz services. The HTTP layer maps each kind to a status code.
package apperr

import "errors"

// Kind identifies a class of caller-visible failure.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindForbidden     Kind = "forbidden"
	KindUnauthorized  Kind = "unauthorized"
	KindInvalidInput  Kind = "invalid_input"
	KindInvalidWindow Kind = "invalid_window"
	KindInvalidState  Kind = "invalid_state"
	KindNotStarted    Kind = "not_started"
	KindNotLive       Kind = "not_live"
	KindAlreadyEnded  Kind = "already_ended"
	KindCancelled     Kind = "cancelled"
	KindConflict      Kind = "conflict"
	KindExpired       Kind = "expired"
)

// Error is a kinded error with a human readable message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return e.Msg
}

// Is reports whether target is an *Error of the same kind, so sentinels
// such as ErrConflict match any conflict regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrForbidden     = &Error{Kind: KindForbidden}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized}
	ErrInvalidInput  = &Error{Kind: KindInvalidInput}
	ErrInvalidWindow = &Error{Kind: KindInvalidWindow}
	ErrInvalidState  = &Error{Kind: KindInvalidState}
	ErrNotStarted    = &Error{Kind: KindNotStarted}
	ErrNotLive       = &Error{Kind: KindNotLive}
	ErrAlreadyEnded  = &Error{Kind: KindAlreadyEnded}
	ErrCancelled     = &Error{Kind: KindCancelled}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrExpired       = &Error{Kind: KindExpired}
)

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func NotFound(msg string) error      { return New(KindNotFound, msg) }
func Forbidden(msg string) error     { return New(KindForbidden, msg) }
func Unauthorized(msg string) error  { return New(KindUnauthorized, msg) }
func InvalidInput(msg string) error  { return New(KindInvalidInput, msg) }
func InvalidWindow(msg string) error { return New(KindInvalidWindow, msg) }
func InvalidState(msg string) error  { return New(KindInvalidState, msg) }
func Conflict(msg string) error      { return New(KindConflict, msg) }
func Expired(msg string) error       { return New(KindExpired, msg) }

// KindOf returns the kind of err, or "" when err is not (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
