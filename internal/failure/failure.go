package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Kind is the closed set of failure categories surfaced to callers.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindInsufficientTokens  Kind = "insufficient_tokens"
	KindUnauthorized        Kind = "unauthorized"
	KindRateLimited         Kind = "rate_limited"
	KindProviderFailed      Kind = "provider_failed"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindTimeout             Kind = "timeout"
	KindResultUnavailable   Kind = "result_unavailable"
	KindInternal            Kind = "internal_error"
)

const maxMessageLen = 500

// Status maps a kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientTokens:
		return http.StatusPaymentRequired
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindProviderFailed:
		return http.StatusInternalServerError
	case KindProviderUnavailable:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindResultUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retriable reports whether a caller may reasonably retry the same request.
func (k Kind) Retriable() bool {
	switch k {
	case KindRateLimited, KindProviderUnavailable, KindTimeout, KindResultUnavailable:
		return true
	default:
		return false
	}
}

// Error is the typed failure every component returns.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	// ProviderStatus is the upstream HTTP status, zero when none was involved.
	ProviderStatus int
	// RetryAfterSeconds is set for rate limits when the upstream advertised it.
	RetryAfterSeconds int
	Err               error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retriable reports whether the failure is worth retrying.
func (e *Error) Retriable() bool {
	if e == nil {
		return false
	}
	return e.Kind.Retriable()
}

// Status returns the HTTP status for the failure.
func (e *Error) Status() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	return e.Kind.Status()
}

// Is matches another *Error by kind so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil || e == nil {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a failure without an underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: sanitize(message)}
}

// Wrap builds a failure around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: sanitize(message), Err: err}
}

// Validation is shorthand for a rejected request.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// InsufficientTokens reports a balance that cannot cover the required cost.
func InsufficientTokens(balance, required int64) *Error {
	deficit := required - balance
	if deficit < 0 {
		deficit = 0
	}
	e := New(KindInsufficientTokens, "insufficient tokens")
	e.Details = map[string]any{
		"currentBalance": balance,
		"required":       required,
		"deficit":        deficit,
	}
	return e
}

// WithProviderStatus records the upstream status code.
func (e *Error) WithProviderStatus(status int) *Error {
	e.ProviderStatus = status
	return e
}

// KindOf returns the classified kind of err, or "" for nil.
func KindOf(err error) Kind {
	if fe := Classify(err); fe != nil {
		return fe.Kind
	}
	return ""
}

// Classify maps any error into exactly one typed failure. A nil error yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		return fe
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, "deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return Wrap(KindTimeout, "request canceled", err)
	}
	return Wrap(KindInternal, "internal error", err)
}

func sanitize(msg string) string {
	msg = strings.TrimSpace(msg)
	msg = strings.ReplaceAll(msg, "\n", " ")
	if len(msg) <= maxMessageLen {
		return msg
	}
	cut := maxMessageLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
