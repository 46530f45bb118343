package probe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
)

// Kind classifies why a probe produced no usable output.
type Kind string

const (
	KindNone                 Kind = ""
	KindToolAbsent           Kind = "tool_absent"
	KindTimeout              Kind = "timeout"
	KindNonZeroExit          Kind = "non_zero_exit"
	KindIO                   Kind = "io"
	KindPermissionDenied     Kind = "permission_denied"
	KindMalformedOutput      Kind = "malformed_output"
	KindUnexpectedFieldCount Kind = "unexpected_field_count"
	KindInternal             Kind = "internal"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrToolAbsent           = &Error{Kind: KindToolAbsent}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrNonZeroExit          = &Error{Kind: KindNonZeroExit}
	ErrIO                   = &Error{Kind: KindIO}
	ErrPermissionDenied     = &Error{Kind: KindPermissionDenied}
	ErrMalformedOutput      = &Error{Kind: KindMalformedOutput}
	ErrUnexpectedFieldCount = &Error{Kind: KindUnexpectedFieldCount}
)

// Error is the typed outcome of a failed probe.
type Error struct {
	Kind     Kind
	Tool     string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindToolAbsent:
		msg = "tool not found"
	case KindTimeout:
		msg = "timed out"
	case KindNonZeroExit:
		msg = fmt.Sprintf("exited with status %d", e.ExitCode)
	case KindPermissionDenied:
		msg = "permission denied"
	case KindMalformedOutput:
		msg = "malformed output"
	case KindUnexpectedFieldCount:
		msg = "unexpected field count"
	case KindIO:
		msg = "i/o error"
	case KindInternal:
		msg = "internal error"
	default:
		msg = string(e.Kind)
	}
	if e.Tool != "" {
		msg = e.Tool + ": " + msg
	}
	if e.Err != nil && e.Kind != KindNonZeroExit && e.Kind != KindTimeout && e.Kind != KindToolAbsent {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so the package sentinels match wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Tool == "" && t.Err == nil && t.Kind == e.Kind
}

// Malformed wraps a parse failure of the named tool's output.
func Malformed(tool string, err error) error {
	return &Error{Kind: KindMalformedOutput, Tool: tool, Err: err}
}

// FieldCount reports a record with fewer fields than required.
func FieldCount(tool string, line, got, want int) error {
	return &Error{
		Kind: KindUnexpectedFieldCount,
		Tool: tool,
		Err:  fmt.Errorf("line %d has %d fields, want at least %d", line, got, want),
	}
}

// KindOf classifies any error. Unknown errors are reported as KindIO.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return KindToolAbsent
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return KindNonZeroExit
	}
	return KindIO
}
