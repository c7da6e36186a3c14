package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind is a stable, externally visible failure class.
type Kind string

const (
	KindInvalidAirport        Kind = "INVALID_AIRPORT"          // 400
	KindEmptyQuestion         Kind = "EMPTY_QUESTION"           // 400
	KindProviderUnavailable   Kind = "PROVIDER_UNAVAILABLE"     // 503
	KindProviderRejected      Kind = "PROVIDER_REJECTED"        // 502
	KindEmptyDataset          Kind = "EMPTY_DATASET"            // soft, never surfaced
	KindContextTooLarge       Kind = "CONTEXT_TOO_LARGE"        // 413
	KindLLMUnavailable        Kind = "LLM_UNAVAILABLE"          // 503
	KindLLMRejected           Kind = "LLM_REJECTED"             // 502
	KindLLMTokenLimitExceeded Kind = "LLM_TOKEN_LIMIT_EXCEEDED" // 413
	KindTimeout               Kind = "TIMEOUT"                  // 504

	// KindInvalidRequest is raised by the HTTP layer for unreadable request bodies
	KindInvalidRequest Kind = "INVALID_REQUEST" // 400
)

// Error is a classified failure with a kind, HTTP status and message.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// statusFor maps a kind to its HTTP status.
func statusFor(kind Kind) int {
	switch kind {
	case KindInvalidAirport, KindEmptyQuestion, KindInvalidRequest:
		return http.StatusBadRequest
	case KindProviderRejected, KindLLMRejected:
		return http.StatusBadGateway
	case KindContextTooLarge, KindLLMTokenLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindEmptyDataset:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Status: statusFor(kind), Message: msg}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Status: statusFor(kind), Message: msg, Err: err}
}

// NewInvalidAirport creates a 400 error for an unsupported airport code.
func NewInvalidAirport(code string) *Error {
	e := New(KindInvalidAirport, fmt.Sprintf("unsupported airport: %q", code))
	e.Details = map[string]any{"airport_code": code}
	return e
}

// NewEmptyQuestion creates a 400 error for a blank question.
func NewEmptyQuestion() *Error {
	return New(KindEmptyQuestion, "question must not be empty")
}

// NewProviderUnavailable creates a 503 error for schedule provider outages.
func NewProviderUnavailable(err error, attempts int) *Error {
	e := Wrap(KindProviderUnavailable, err, fmt.Sprintf("schedule provider unavailable after %d attempts", attempts))
	e.Details = map[string]any{"attempts": attempts}
	return e
}

// NewProviderRejected creates a 502 error when the schedule provider refuses the request.
func NewProviderRejected(statusCode int) *Error {
	e := New(KindProviderRejected, fmt.Sprintf("schedule provider rejected the request with status %d", statusCode))
	e.Details = map[string]any{"status_code": statusCode}
	return e
}

// NewContextTooLarge creates a 413 error when the schedule cannot be shaped into the budget.
func NewContextTooLarge(budget, minimum int) *Error {
	e := New(KindContextTooLarge, fmt.Sprintf("schedule context needs at least %d tokens, budget is %d", minimum, budget))
	e.Details = map[string]any{"budget_tokens": budget, "minimum_tokens": minimum}
	return e
}

// NewTimeout creates a 504 error for an expired request deadline.
func NewTimeout(stage string, err error) *Error {
	e := Wrap(KindTimeout, err, fmt.Sprintf("request timed out during %s", stage))
	e.Details = map[string]any{"stage": stage}
	return e
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// Is checks if err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether a failure of this kind may succeed on retry.
func Transient(kind Kind) bool {
	return kind == KindProviderUnavailable || kind == KindLLMUnavailable
}

// Classify returns err as a classified error. Context errors become
// timeouts; anything else unclassified gets the fallback kind.
func Classify(err error, fallback Kind, stage string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return NewTimeout(stage, err)
	}
	return Wrap(fallback, err, fmt.Sprintf("%s failed", stage))
}
