// Package httpserver is the REST surface of the job service: submit,
// query, cancel, and the SSE progress stream. Handlers stay thin; all
// semantics live in the usecase services.
package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps the error taxonomy to its HTTP status.
func statusOf(err error) int {
	code := domain.CodeOf(err)
	switch code {
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeQuotaExceeded, domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeInputTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.CodeConflict:
		return http.StatusConflict
	}
	switch {
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case code.Kind() == domain.KindValidation:
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeError renders the structured error envelope. Server-side failures
// never leak their message; the request id in the header is the
// correlation handle.
func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status := statusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal error"
	}
	if status == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
		// Quota denials have no bucket-derived wait; tell clients to come
		// back once an in-flight job likely finished.
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:    string(domain.CodeOf(err)),
		Message: msg,
		Details: details,
	}})
}

// writeRateLimited renders a 429 with the bucket's refill estimate.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int64(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: apiError{
		Code:    string(domain.CodeRateLimited),
		Message: "rate limit exceeded",
		Details: map[string]any{"retry_after_seconds": secs},
	}})
}
