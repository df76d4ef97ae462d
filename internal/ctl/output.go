package ctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes returned by scoreboardctl.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // verification failed
	ExitCommandError = 2 // bad flags, unreachable service, unreadable store
)

// ExitError carries the process exit code alongside the cause.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without an underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit code. Errors that are not ExitErrors
// map to ExitFailure.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// printer writes command results as indented JSON or through a text
// renderer, depending on --format.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) print(v any, text func(io.Writer) error) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(p.w)
}
