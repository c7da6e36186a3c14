package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	qaerrors "github.com/yegors/flightqa/internal/errors"
)

// tokenLimitMarkers appear in provider messages when the prompt is too long
var tokenLimitMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"exceeds the maximum number of tokens",
	"too many tokens",
}

func mentionsTokenLimit(s string) bool {
	s = strings.ToLower(s)
	for _, m := range tokenLimitMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// classifyStatus maps a provider HTTP status to an error kind
func classifyStatus(provider string, status int, code, message string, err error) *qaerrors.Error {
	var e *qaerrors.Error
	switch {
	case mentionsTokenLimit(code) || mentionsTokenLimit(message):
		e = qaerrors.Wrap(qaerrors.KindLLMTokenLimitExceeded, err, fmt.Sprintf("%s rejected the prompt as too long", provider))
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		e = qaerrors.Wrap(qaerrors.KindLLMUnavailable, err, fmt.Sprintf("%s unavailable (status %d)", provider, status))
	case status >= 400:
		e = qaerrors.Wrap(qaerrors.KindLLMRejected, err, fmt.Sprintf("%s rejected the request (status %d)", provider, status))
	default:
		e = qaerrors.Wrap(qaerrors.KindLLMUnavailable, err, fmt.Sprintf("%s request failed", provider))
	}
	e.Details = map[string]any{"provider": provider, "status_code": status}
	return e
}

// classifyTransport handles failures that never produced a provider response
func classifyTransport(provider string, err error) *qaerrors.Error {
	if errors.Is(err, context.Canceled) {
		return qaerrors.NewTimeout("generation", err)
	}
	// deadline errors here are the per-attempt timeout and may be retried
	return qaerrors.Wrap(qaerrors.KindLLMUnavailable, err, fmt.Sprintf("%s request failed", provider))
}
