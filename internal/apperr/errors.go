// Package apperr provides the error taxonomy shared by the bootstrapper,
// the job builder and the render orchestrator.
package apperr

import (
	"errors"
	"strings"
)

// Kind categorizes an error for the caller.
type Kind string

const (
	KindUnknown       Kind = ""
	KindConfiguration Kind = "configuration"
	KindProvisioning  Kind = "provisioning"
	KindExecution     Kind = "execution"
	KindTimeout       Kind = "timeout"
	KindCancelled     Kind = "cancelled"
)

// Error is a classified error with optional provisioning stage and
// engine diagnostic output attached.
type Error struct {
	// Kind is the error category.
	Kind Kind
	// Op is the operation that failed (e.g. "job.build").
	Op string
	// Reason is a machine-readable sub-kind (e.g. "checksum_mismatch").
	Reason string
	// Stage is the provisioning stage that failed, if any.
	Stage string
	// Message is the human-readable message.
	Message string
	// Err is the underlying error.
	Err error
	// Diagnostic holds captured engine output (stderr tail).
	Diagnostic string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	if e.Kind != KindUnknown {
		b.WriteString("[")
		b.WriteString(string(e.Kind))
		if e.Reason != "" {
			b.WriteString("/")
			b.WriteString(e.Reason)
		}
		b.WriteString("] ")
	}

	if e.Stage != "" {
		b.WriteString("stage ")
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}

	b.WriteString(e.Message)

	if e.Err != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error. A target *Error matches on
// Kind, and on Reason as well when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrProvisioning  = &Error{Kind: KindProvisioning}
	ErrExecution     = &Error{Kind: KindExecution}
	ErrTimeout       = &Error{Kind: KindTimeout}
	ErrCancelled     = &Error{Kind: KindCancelled}
)

// Configuration creates a configuration error.
func Configuration(op, reason, message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Reason: reason, Message: message, Err: err}
}

// Provisioning creates a provisioning error for the given stage.
func Provisioning(stage, reason string, err error) *Error {
	return &Error{Kind: KindProvisioning, Op: "environment.provision", Stage: stage, Reason: reason, Err: err}
}

// Execution creates an execution error carrying the engine diagnostic.
func Execution(op, message, diagnostic string, err error) *Error {
	return &Error{Kind: KindExecution, Op: op, Message: message, Diagnostic: diagnostic, Err: err}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the reason of err, or the empty string.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// StageOf returns the provisioning stage recorded on err, if any.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// ExitCode maps an error kind to a process exit code for the CLI.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindConfiguration:
		return 2
	case KindProvisioning:
		return 3
	case KindTimeout:
		return 4
	case KindCancelled:
		return 130
	default:
		return 1
	}
}
