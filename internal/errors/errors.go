// Package errors provides the structured error type used across the converter.
//
// Always import it as perr.
package errors

import (
	stderrs "errors"
	"fmt"
)

// Kind classifies a failure so callers can decide between aborting, skipping
// or treating the condition as a no-op.
type Kind uint8

const (
	// KindUnknown is for unclassified errors.
	KindUnknown Kind = iota

	// KindIO is for unreadable sources, failed writes and filesystem errors.
	KindIO

	// KindMalformed is for XML that cannot be tokenized.
	KindMalformed

	// KindEmpty marks an input with nothing to convert.
	KindEmpty

	// KindConfig is for invalid settings or arguments.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindMalformed:
		return "malformed_xml"
	case KindEmpty:
		return "empty"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// ErrNoChunks is returned when a chunk directory holds no chunk files.
var ErrNoChunks = New(KindEmpty, "no chunk files found")

// Error carries a kind, the operation that failed and the file involved.
type Error struct {
	orig error
	msg  string
	kind Kind
	op   string
	path string
}

// Error implements the error interface. The path, when set, always appears in
// the message.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.msg
	if e.op != "" {
		msg = e.op + ": " + msg
	}
	if e.path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.path)
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", msg, e.orig)
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.orig }

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

// Op returns the operation label.
func (e *Error) Op() string { return e.op }

// Path returns the offending file path.
func (e *Error) Path() string { return e.path }

// Is matches errors of the same kind and message, so sentinels survive wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.kind == e.kind && t.msg == e.msg && t.path == "" && t.op == ""
}

// New returns an *Error with the given kind and message.
func New(kind Kind, msg string) error { return &Error{kind: kind, msg: msg} }

// Newf returns an *Error with a formatted message.
func Newf(kind Kind, format string, a ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, a...)}
}

// Wrap wraps orig with a kind and message.
func Wrap(orig error, kind Kind, msg string) error {
	return &Error{orig: orig, kind: kind, msg: msg}
}

// WrapPath wraps orig with a kind, operation and file path.
func WrapPath(orig error, kind Kind, op, path string) error {
	msg := "failed"
	switch kind {
	case KindIO:
		msg = "i/o error"
	case KindMalformed:
		msg = "malformed xml"
	}
	return &Error{orig: orig, kind: kind, msg: msg, op: op, path: path}
}

// IO wraps an I/O failure on path. Returns nil when err is nil.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return WrapPath(err, KindIO, op, path)
}

// Malformed wraps an XML tokenizer failure on path. Returns nil when err is nil.
func Malformed(path string, err error) error {
	if err == nil {
		return nil
	}
	return WrapPath(err, KindMalformed, "parse", path)
}

// Configf returns a configuration error.
func Configf(format string, a ...any) error { return Newf(KindConfig, format, a...) }

// As unwraps and returns (*Error, true) if err is one of ours.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf extracts the Kind from any error, defaulting to KindUnknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.kind
	}
	return KindUnknown
}

// IsKind reports whether err has the given kind.
func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

// PathOf returns the first file path recorded on the error chain.
func PathOf(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok && e.path != "" {
			return e.path
		}
		err = stderrs.Unwrap(err)
	}
	return ""
}
