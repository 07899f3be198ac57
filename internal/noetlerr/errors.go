// Package noetlerr defines the error-kind taxonomy shared by the broker,
// worker, catalog, and queue, replacing exception-driven control flow with
// result types carrying an explicit kind (see SPEC_FULL.md §7, §9).
package noetlerr

import "errors"

// Kind classifies an error for routing purposes: retry, fail, or crash.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindResolution     Kind = "resolution"
	KindTool           Kind = "tool"
	KindTransientInfra Kind = "transient_infra"
	KindPolicy         Kind = "policy"
	KindFatal          Kind = "fatal"
	KindNotFound       Kind = "not_found"
)

// Error is the concrete error type every subsystem surfaces across its
// public boundary.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error of the same Kind, so callers can
// write errors.Is(err, &noetlerr.Error{Kind: noetlerr.KindTool}).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds an Error of a given kind wrapping an optional cause.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func Validation(message string) *Error { return New(KindValidation, message, nil) }
func NotFound(message string) *Error   { return New(KindNotFound, message, nil) }

func Resolution(message string, cause ...error) *Error {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return New(KindResolution, message, c)
}

func Tool(message string, cause error) *Error {
	return &Error{Kind: KindTool, Message: message, Err: cause}
}

// ToolWithDetails attaches a code (e.g. HTTP status, SQLSTATE) and arbitrary
// details a retry_when expression can inspect (§7 ToolError).
func ToolWithDetails(message, code string, details map[string]any) *Error {
	return &Error{Kind: KindTool, Message: message, Code: code, Details: details}
}

func TransientInfra(message string, cause error) *Error {
	return New(KindTransientInfra, message, cause)
}

func Policy(message string) *Error { return New(KindPolicy, message, nil) }
func Fatal(message string, cause error) *Error {
	return New(KindFatal, message, cause)
}

// Retryable reports whether an error of this kind should ever be retried
// by the queue's policy evaluation (§4.3, §7): tool and transient-infra
// errors may be, validation/fatal never are.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTool, KindTransientInfra:
		return true
	default:
		return false
	}
}
