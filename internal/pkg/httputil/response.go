package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ignite/audience/internal/pkg/logger"
)

// ErrorResponse is the standard error envelope for all API errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("encode response", "status", status, "error", err)
	}
}

// Error writes a JSON error envelope.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// Decode reads at most limit bytes of JSON from the request body into dst.
// It returns false after writing a 400 response if parsing fails.
func Decode(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		Error(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// ReadError extracts the message of an error envelope, falling back to the
// status text when the body is not one.
func ReadError(resp *http.Response) error {
	var env ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error == "" {
		return fmt.Errorf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return fmt.Errorf("%d: %s", resp.StatusCode, env.Error)
}
