package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrInternal        = errors.New("internal error")
)

// FailureKind is the closed set of orchestrator failure categories. Item
// workflows report exactly one kind per failed run; the pool uses Fatal to
// decide whether to latch and stop.
type FailureKind string

// Failure kinds surfaced from the core.
const (
	FailCredentialMissing FailureKind = "credential_missing"
	FailRateLimited       FailureKind = "rate_limited"
	FailRefusal           FailureKind = "instruction_refusal"
	FailMissingDoneFile   FailureKind = "missing_done_file"
	FailWaitTimeout       FailureKind = "task_wait_timeout"
	FailNudgeExceeded     FailureKind = "task_nudge_exceeded"
	FailValidation        FailureKind = "task_validation_failed"
	FailBoardUnreachable  FailureKind = "board_unreachable"
	FailInternal          FailureKind = "internal"
)

// FatalPrefix marks errors that must latch the pool and stop processing.
const FatalPrefix = "❌ ERROR:"

// Failure is the single concrete error type the workflow and pool exchange.
// Fatal failures latch the pool; non-fatal failures fail only their item.
type Failure struct {
	Kind    FailureKind
	Fatal   bool
	Message string
	Err     error
}

func (f *Failure) Error() string {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.Fatal && !strings.HasPrefix(msg, FatalPrefix) {
		return FatalPrefix + " " + msg
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure builds a non-fatal item failure.
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewFatal builds a fatal failure that latches the pool.
func NewFatal(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Fatal: true, Message: fmt.Sprintf(format, args...)}
}

// WrapFailure attaches a kind to an underlying error.
func WrapFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from an error chain, defaulting to
// FailInternal for untyped errors.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailInternal
}

// IsFatal reports whether the error must latch the pool.
func IsFatal(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Fatal
	}
	return false
}
