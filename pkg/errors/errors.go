// Package errors defines the error taxonomy shared by the encoder, index,
// retriever and cache. Callers match on the sentinels with errors.Is; the
// AppError and EncodeError types add context without hiding the sentinel.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyCorpus         = errors.New("index has no pages")
	ErrNoFrames            = errors.New("no frames added")
	ErrEncodeFailure       = errors.New("container encode failed")
	ErrPageOutOfRange      = errors.New("page out of range")
	ErrResolverMismatch    = errors.New("resolver result count mismatch")
	ErrIndexNotBuilt       = errors.New("index not built")
	ErrIndexSealed         = errors.New("index already built")
	ErrIndexCorrupt        = errors.New("index corrupt")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrTimeout             = errors.New("operation timed out")
	ErrResolverUnavailable = errors.New("content resolver unavailable")
)

// AppError attaches a message and a retry hint to a sentinel.
type AppError struct {
	Err       error
	Message   string
	Retryable bool
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:       sentinel,
		Message:   message,
		Retryable: sentinel == ErrTimeout || sentinel == ErrResolverUnavailable,
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return New(sentinel, fmt.Sprintf(format, args...))
}

// EncodeError reports a failed run of the external container packer.
type EncodeError struct {
	Stage    string
	ExitCode int
	Output   string
	Cause    error
}

func (e *EncodeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", ErrEncodeFailure.Error(), e.Stage)
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, ": %s", out)
	}
	return b.String()
}

func (e *EncodeError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrEncodeFailure, e.Cause}
	}
	return []error{ErrEncodeFailure}
}

// IsRetryable reports whether err is worth another attempt: timeouts,
// an unavailable resolver, or an AppError flagged as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Retryable {
		return true
	}
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrResolverUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// Is and As re-export the standard helpers so callers importing this
// package under the name "errors" keep working.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
