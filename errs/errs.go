// Package errs provides the structured error envelope shared across Mooring.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category in the connectivity core.
type Code string

const (
	// CodeAuth indicates invalid credentials or permissions; fatal for the
	// affected connection.
	CodeAuth Code = "auth"
	// CodeRateLimited indicates a local or server-side rate-limit rejection.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a transient transport failure.
	CodeNetwork Code = "network"
	// CodeValidation indicates a value outside its configured bounds.
	CodeValidation Code = "validation"
	// CodeConsistency indicates an event that would corrupt tracked state.
	CodeConsistency Code = "consistency"
	// CodeTimeout indicates a caller deadline elapsed while queued or waiting.
	CodeTimeout Code = "timeout"
	// CodeProtocol indicates an unexpected or unparseable wire message.
	CodeProtocol Code = "protocol"
	// CodeNotFound indicates a missing record.
	CodeNotFound Code = "not_found"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an uncategorised exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeUnavailable indicates a component that is shut down or saturated.
	CodeUnavailable Code = "unavailable"
)

// E carries structured error information produced across the Mooring stack.
type E struct {
	Scope   string
	Code    Code
	HTTP    int
	RawCode string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		HTTP:    0,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure code from err, walking the cause chain.
// Errors outside the envelope report the empty code.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// HasCode reports whether err carries the given failure code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the failure category is resolved internally via
// retry and backoff rather than surfaced to the engine.
func Retryable(code Code) bool {
	switch code {
	case CodeRateLimited, CodeNetwork, CodeUnavailable:
		return true
	default:
		return false
	}
}
