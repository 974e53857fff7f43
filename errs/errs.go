// Package errs provides structured error types shared across the Riptide engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category surfaced by the gateway or the core.
type Code string

const (
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeRateLimited indicates that the request exceeded exchange rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeExchange indicates an exchange-side rejection.
	CodeExchange Code = "exchange_rejected"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
)

// Kind classifies how a failure propagates through the engine.
type Kind string

const (
	// KindTransient marks failures that are retried with backoff.
	KindTransient Kind = "transient"
	// KindInvalid marks rejections of signals, candles, or config changes.
	KindInvalid Kind = "invalid"
	// KindFatal marks failures that cascade through registry teardown.
	KindFatal Kind = "fatal"
	// KindDegraded marks failures the engine survives with reduced function.
	KindDegraded Kind = "degraded"
)

// kindFor maps each code onto its default propagation kind.
func kindFor(code Code) Kind {
	switch code {
	case CodeNetwork, CodeRateLimited, CodeUnavailable:
		return KindTransient
	case CodeInvalid, CodeNotFound, CodeExchange, CodeConflict:
		return KindInvalid
	case CodeAuth:
		return KindFatal
	default:
		return KindDegraded
	}
}

// E captures structured error information produced across the engine.
type E struct {
	Stage   string
	Code    Code
	Kind    Kind
	Message string
	Reason  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given pipeline stage and code.
func New(stage string, code Code, opts ...Option) *E {
	e := &E{
		Stage:   strings.TrimSpace(stage),
		Code:    code,
		Kind:    kindFor(code),
		Message: "",
		Reason:  "",
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

// WithReason attaches a stable machine-readable reason code (e.g. DAILY_LOSS_LIMIT).
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithKind overrides the propagation kind derived from the code.
func WithKind(kind Kind) Option {
	return func(e *E) {
		if kind != "" {
			e.Kind = kind
		}
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

	stage := strings.TrimSpace(e.Stage)
	if stage == "" {
		stage = "unknown"
	}
	parts = append(parts, "stage="+stage)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Kind != "" {
		parts = append(parts, "kind="+string(e.Kind))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+e.Reason)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// KindOf extracts the propagation kind from an error chain; unknown errors degrade.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindDegraded
}

// CodeOf extracts the failure code from an error chain.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// ReasonOf extracts the stable rejection reason from an error chain.
func ReasonOf(err error) string {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ""
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsFatal reports whether the error must cascade through registry teardown.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}
