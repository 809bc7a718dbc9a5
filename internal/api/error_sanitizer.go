package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ignite/audience/internal/delivery"
	"github.com/ignite/audience/internal/pkg/logger"
	"github.com/ignite/audience/internal/rules"
)

// =============================================================================
// ERROR SANITIZER
// Internal errors (database details, connection strings) are never returned
// to API consumers. 5xx responses carry a generic message while the full
// error is logged server-side.
// =============================================================================

// respondErr maps err to a status and writes a safe JSON error.
func respondErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		logger.Error("request failed", "status", code, "error", err)
	}
	respondError(w, code, safeErrorMessage(code, err))
}

// statusFor classifies domain errors.
func statusFor(err error) int {
	var evalErr *rules.EvaluationError
	switch {
	case errors.Is(err, rules.ErrTreeNotFound), errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &evalErr),
		errors.Is(err, rules.ErrInvalidTree),
		errors.Is(err, rules.ErrInvalidValue),
		errors.Is(err, rules.ErrUnknownType),
		errors.Is(err, rules.ErrUnsupportedOperator),
		errors.Is(err, rules.ErrUnsupportedPath):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// safeErrorMessage maps common internal error patterns to public-safe messages.
// For 400-level errors, the original message is typically fine (user input issues).
// For 500-level errors, this returns a generic safe message.
func safeErrorMessage(code int, internalErr error) string {
	if code < 500 {
		if internalErr != nil {
			return internalErr.Error()
		}
		return "Bad request"
	}

	if internalErr == nil {
		return "An internal error occurred"
	}

	errStr := strings.ToLower(internalErr.Error())

	switch {
	case strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "dial tcp"):
		return "Service temporarily unavailable"

	case strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context canceled"):
		return "Request timed out"

	case strings.Contains(errStr, "pq:") ||
		strings.Contains(errStr, "sql") ||
		strings.Contains(errStr, "transaction") ||
		strings.Contains(errStr, "redis"):
		return "A storage error occurred"

	default:
		return "An internal error occurred"
	}
}
