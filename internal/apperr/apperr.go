// Package apperr implements the error taxonomy of spec §7: a small set of
// error Kinds with short user-visible messages, leaving full diagnostics to
// the log ring.
package apperr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error per spec §7's policy table.
type Kind string

const (
	KindConfig     Kind = "config"     // rejected at input boundary
	KindValidation Kind = "validation" // rejected at CM before adapter call
	KindConnection Kind = "connection" // status -> error, retried with backoff
	KindProtocol   Kind = "protocol"   // surfaced per-operation
	KindWrite      Kind = "write"      // surfaced per-write
	KindQuota      Kind = "quota"      // logged and counted, no crash
	KindInternal   Kind = "internal"   // invariant violation, caller decides
)

// Error wraps an underlying error with a Kind and the operation that
// produced it. The message is kept short (~120 chars) per spec §7.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Internal wraps err as a KindInternal error with a stack trace attached
// (via pkg/errors), used only for invariant violations in the batch
// planner and ring-buffer store where a stack materially helps debugging
// a "this should never happen" condition.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: pkgerrors.WithStack(err)}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
