package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so transports can map them to status
// codes and callers can decide whether to retry.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindConflict            ErrorKind = "conflict"
	KindAnchorUnresolved    ErrorKind = "anchor_unresolved"
	KindNotFound            ErrorKind = "not_found"
	KindForbidden           ErrorKind = "forbidden"
	KindCapacity            ErrorKind = "capacity"
	KindGenerationTransient ErrorKind = "generation_transient"
	KindGenerationFatal     ErrorKind = "generation_fatal"
)

// Error is the typed error returned by graph store, lifecycle and dispatcher
// operations.
type Error struct {
	Kind    ErrorKind
	Message string
	// CurrentVersion is set on conflict errors.
	CurrentVersion int64
	Err            error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Message
	if e.Kind == KindConflict {
		msg += fmt.Sprintf(" (current version %d)", e.CurrentVersion)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a not_found error for the named entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

// Conflict returns a conflict error carrying the version currently stored.
func Conflict(entity, id string, expected, current int64) *Error {
	return &Error{
		Kind:           KindConflict,
		Message:        fmt.Sprintf("%s %q expected version %d", entity, id, expected),
		CurrentVersion: current,
	}
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrAnchorUnresolved = &Error{Kind: KindAnchorUnresolved}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrCapacity         = &Error{Kind: KindCapacity}
)
