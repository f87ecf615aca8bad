package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared by stores and services.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownResource   = errors.New("unknown resource")
	ErrDuplicateResource = errors.New("resource already registered")
	ErrNoAccounts        = errors.New("no accounts resolved")
)

// ProviderError is a failed call to the metrics provider. Status is the HTTP
// status, or 504 for a transport timeout.
type ProviderError struct {
	Status  int    `json:"status"`
	Code    int    `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
	Body    string `json:"-"`
}

// Provider error types that are not reported by the provider itself.
const (
	ProviderErrTimeout   = "timeout"
	ProviderErrTransport = "request_exception"
)

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// IsTimeout reports whether the error came from a transport timeout.
func (e *ProviderError) IsTimeout() bool {
	return e.Type == ProviderErrTimeout
}

// Retryable reports whether the provider may succeed on a later attempt.
func (e *ProviderError) Retryable() bool {
	if e.IsTimeout() {
		return true
	}
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RangeError is an invalid date or timestamp range.
type RangeError struct {
	From, To string
	Reason   string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid range %s..%s: %s", e.From, e.To, e.Reason)
}

// StoreError wraps a failed persistence operation.
type StoreError struct {
	Op    string
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConfigError is an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// FallbackReason classifies err for fallback metadata.
func FallbackReason(err error) string {
	var pe *ProviderError
	var re *RangeError
	switch {
	case errors.As(err, &pe):
		return "meta_api_error"
	case errors.As(err, &re):
		return "invalid_range"
	default:
		return "unexpected_error"
	}
}
