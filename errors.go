package agentexec

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorClass classifies a failure for retry and reporting decisions.
type ErrorClass string

const (
	// ClassNotFound indicates the executable is missing or unreachable.
	ClassNotFound ErrorClass = "not_found"

	// ClassConfig indicates an invalid option combination detected before spawn.
	ClassConfig ErrorClass = "config"

	// ClassAuth indicates missing or invalid credentials.
	ClassAuth ErrorClass = "auth"

	// ClassTimeout indicates an attempt exceeded its configured duration.
	ClassTimeout ErrorClass = "timeout"

	// ClassTransient indicates a connection or pipe failure, or a non-zero
	// exit without a more specific cause.
	ClassTransient ErrorClass = "transient"

	// ClassCircuitOpen indicates the circuit breaker refused admission.
	ClassCircuitOpen ErrorClass = "circuit_open"

	// ClassProtocol indicates malformed configuration of the wire contract.
	// Malformed output is never a protocol error.
	ClassProtocol ErrorClass = "protocol"

	// ClassProcess indicates the program reported a failure itself.
	ClassProcess ErrorClass = "process"

	// ClassCanceled indicates the caller's context ended the execution.
	ClassCanceled ErrorClass = "canceled"
)

// Transient reports whether failures of this class may succeed on retry.
func (c ErrorClass) Transient() bool {
	return c == ClassTimeout || c == ClassTransient
}

// Error is a classified execution failure.
type Error struct {
	// Class is the failure classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Attempt is the 1-based attempt that failed, or 0 if none ran.
	Attempt int `json:"attempt,omitempty"`

	// ExitCode is the process exit status when one was observed, else -1.
	ExitCode int `json:"exit_code"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details carries additional context.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "agentexec: " + string(e.Class)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same class, so callers can write
// errors.Is(err, &agentexec.Error{Class: agentexec.ClassAuth}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithAttempt records the failing attempt.
func (e *Error) WithAttempt(n int) *Error {
	e.Attempt = n
	return e
}

// WithExitCode records the observed exit status.
func (e *Error) WithExitCode(code int) *Error {
	e.ExitCode = code
	return e
}

// WithDetail adds a detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError creates a classified error.
func NewError(class ErrorClass, message string, err error) *Error {
	return &Error{Class: class, Message: message, ExitCode: -1, Err: err}
}

// Errorf creates a classified error with a formatted message.
func Errorf(class ErrorClass, format string, args ...any) *Error {
	return NewError(class, fmt.Sprintf(format, args...), nil)
}

// ClassOf returns the class of the first *Error in err's chain.
// Returns "" for nil and ClassProcess for unclassified errors.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassProcess
}

// IsTransient reports whether err is classified as likely to succeed on retry.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class.Transient()
	}
	return false
}

// IsClass reports whether err is classified as class.
func IsClass(err error, class ErrorClass) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == class
}

// ErrorFromMessage rebuilds a classified error from an error-kind Message.
// The class comes from the MetaErrorClass metadata key, defaulting to
// ClassProcess for error output the engine did not annotate.
func ErrorFromMessage(msg Message) *Error {
	class := ClassProcess
	if c, ok := msg.Meta(MetaErrorClass).(string); ok && c != "" {
		class = ErrorClass(c)
	}
	e := NewError(class, msg.Content, nil)
	e.Attempt = msg.Attempt
	if code, ok := msg.Meta(MetaExitCode).(int); ok {
		e.ExitCode = code
	}
	return e
}

// ExitError represents a subprocess that exited with a non-zero status.
// Wraps the underlying error to preserve the error chain, so consumers can
// errors.As to *exec.ExitError for OS-level detail (signal info, etc.).
//
// Code semantics: positive = exit status, negative (-1) = signal-killed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "agentexec: exit status " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from an error chain containing *ExitError
// or a classified *Error that recorded one.
// Returns (0, false) if no exit code is present.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	var e *Error
	if errors.As(err, &e) && e.ExitCode >= 0 {
		return e.ExitCode, true
	}
	return 0, false
}
