// Package errors defines the structured error type used across vpcsh.
//
// Every error that reaches the operator carries a code (what area failed), a
// message (what failed), an optional cause (why) and an optional suggestion
// (how to fix it). The CLI maps codes to exit statuses and JSON error codes.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorizing errors
const (
	ErrConfig    = "CONFIG"
	ErrSSH       = "SSH"
	ErrAuth      = "AUTH"
	ErrExec      = "EXEC"
	ErrTimeout   = "TIMEOUT"
	ErrInventory = "INVENTORY"
	ErrStage     = "STAGE"
)

// Error represents a structured error with code, message, suggestion, and optional cause.
// Rendered as:
//
//	✗ <What failed>
//
//	  <Why it failed - technical details>
//
//	  <How to fix it - actionable steps>
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Cause      error
}

// New creates a new structured error with the given code, message, and suggestion.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps an existing error with a message, defaulting to ErrExec code.
func Wrap(err error, message string) *Error {
	return &Error{
		Code:    ErrExec,
		Message: message,
		Cause:   err,
	}
}

// WrapWithCode wraps an existing error with a specific code, message, and suggestion.
func WrapWithCode(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("✗ %s\n", e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Short returns the message and cause on a single line, for report blocks
// where the multi-line rendering would be too noisy.
func (e *Error) Short() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + firstLine(e.Cause)
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if an error is a structured Error with the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost structured Error in err's chain,
// or "" if there is none.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var vErr *Error
	if errors.As(err, &vErr) {
		return vErr.Code
	}
	return ""
}

// ShortMessage renders any error on one line. Structured errors use Short;
// anything else uses its first line.
func ShortMessage(err error) string {
	if err == nil {
		return ""
	}
	var vErr *Error
	if errors.As(err, &vErr) {
		return vErr.Short()
	}
	return firstLine(err)
}

func firstLine(err error) string {
	var vErr *Error
	if errors.As(err, &vErr) {
		return vErr.Short()
	}
	msg := strings.TrimSpace(err.Error())
	if idx := strings.IndexByte(msg, '\n'); idx != -1 {
		return msg[:idx]
	}
	return msg
}

// ExitError carries a process exit status out of a command without printing
// anything. The per-host reports already told the operator what went wrong.
type ExitError struct {
	Code int
}

// NewExitError creates an ExitError with the given status.
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// GetExitCode extracts the status from an ExitError anywhere in err's chain.
func GetExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
