package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/logger"
)

// ErrorResponse is the error envelope of every handler.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data with status. Encoding failures are only logged since the
// header is already sent.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("json encode failed", "status", status, "error", err)
	}
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Accepted writes a 202 response for work continuing in the background.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}

// Error writes an error envelope.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

// BadRequest writes a 400 error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "bad_request", message)
}

// InternalError logs err and writes a generic 500.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal", "internal server error")
}

// FromError writes the response matching a domain error. Unknown errors
// become a 500 without leaking the message.
func FromError(w http.ResponseWriter, err error) {
	var (
		pe *domain.ProviderError
		re *domain.RangeError
		ce *domain.ConfigError
	)
	switch {
	case errors.As(err, &re):
		Error(w, http.StatusBadRequest, "invalid_range", re.Error())
	case errors.As(err, &ce):
		Error(w, http.StatusBadRequest, "invalid_parameter", ce.Error())
	case errors.Is(err, domain.ErrUnknownResource):
		Error(w, http.StatusNotFound, "unknown_resource", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not_found", "no data available")
	case errors.Is(err, domain.ErrNoAccounts):
		Error(w, http.StatusUnprocessableEntity, "no_accounts", err.Error())
	case errors.As(err, &pe):
		status := http.StatusBadGateway
		if pe.IsTimeout() {
			status = http.StatusGatewayTimeout
		}
		JSON(w, status, ErrorResponse{Error: pe.Message, Code: "meta_api_error", Details: pe})
	default:
		InternalError(w, err)
	}
}

// Decode reads a JSON body into dst, writing a 400 when it cannot. An empty
// body leaves dst untouched.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// QueryInt reads an integer query parameter, returning def when absent.
func QueryInt(r *http.Request, name string, def int64) (int64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &domain.ConfigError{Field: name, Reason: "not an integer"}
	}
	return n, nil
}

// QueryDate reads a YYYY-MM-DD query parameter, returning def when absent.
func QueryDate(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	t, err := domain.ParseDate(v)
	if err != nil {
		return time.Time{}, &domain.ConfigError{Field: name, Reason: "want YYYY-MM-DD"}
	}
	return t, nil
}

// QueryBool reports whether a query flag is set to a truthy value.
func QueryBool(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
