package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so callers can react without parsing messages
type Kind string

const (
	KindSource     Kind = "source"
	KindConnection Kind = "connection"
	KindTransfer   Kind = "transfer"
	KindPatch      Kind = "patch"
	KindIO         Kind = "io"
)

// Sentinels for errors.Is. A sentinel matches any *Error of the same kind.
var (
	ErrSource     = &Error{Kind: KindSource}
	ErrConnection = &Error{Kind: KindConnection}
	ErrTransfer   = &Error{Kind: KindTransfer}
	ErrPatch      = &Error{Kind: KindPatch}
	ErrIO         = &Error{Kind: KindIO}
)

// Error is a typed pipeline error
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Path == "" && t.Kind == e.Kind
}

func newError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Source reports an unusable archive or directory input
func Source(op, path string, err error) error {
	return newError(KindSource, op, path, err)
}

// Connection reports an authentication or network failure while opening a session
func Connection(op, addr string, err error) error {
	return newError(KindConnection, op, addr, err)
}

// Transfer reports a failed remote list, read, write or delete
func Transfer(op, path string, err error) error {
	return newError(KindTransfer, op, path, err)
}

// Patch reports malformed structured content. It is recovered locally by the
// rule engine and never aborts a rule pass.
func Patch(op, path string, err error) error {
	return newError(KindPatch, op, path, err)
}

// IO reports a local filesystem failure
func IO(op, path string, err error) error {
	return newError(KindIO, op, path, err)
}

// Sourcef is Source with a formatted cause
func Sourcef(op, path, format string, args ...any) error {
	return Source(op, path, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost typed error in err's chain,
// or the empty string when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
