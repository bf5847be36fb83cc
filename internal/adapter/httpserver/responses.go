// Package httpserver contains the HTTP handlers and middleware for the job
// API: submission, status, listing, cancellation, and the operator surface.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/pkg/textx"
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

// retryAfterSeconds is the hint returned alongside admission refusals.
const retryAfterSeconds = 30

func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "CONFLICT"
	case errors.Is(err, domain.ErrAdmissionRefused):
		status = http.StatusServiceUnavailable
		code = "ADMISSION_REFUSED"
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
		code = "STORE_UNAVAILABLE"
	case errors.Is(err, domain.ErrUpstreamSemantic):
		status = http.StatusBadGateway
		code = "UPSTREAM_SEMANTIC"
	case errors.Is(err, domain.ErrUpstreamTimeout),
		errors.Is(err, domain.ErrUpstreamRateLimit),
		errors.Is(err, domain.ErrUpstreamUnavailable):
		status = http.StatusServiceUnavailable
		code = "UPSTREAM_UNAVAILABLE"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{
		Code:    code,
		Message: textx.SafeLog(err.Error(), 512),
		Details: details,
	}})
}
