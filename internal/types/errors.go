package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a typed string for categorizing relay errors. Codes are
// attached to log records so failures can be grouped without parsing
// free-form messages.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Fetch
	ErrCodeFetchNotFound ErrorCode = "fetch_not_found"
	ErrCodeFetchFailed   ErrorCode = "fetch_failed"

	// Content
	ErrCodeContentUnextractable ErrorCode = "content_unextractable"
	ErrCodeContentParse         ErrorCode = "content_parse_failed"

	// Formatting
	ErrCodeSenderInvalid ErrorCode = "sender_invalid"
	ErrCodeFormatFailed  ErrorCode = "format_failed"

	// Queue payload
	ErrCodePayloadInvalid ErrorCode = "payload_invalid"

	// Upstream webhook
	ErrCodeUpstreamRateLimited      ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamValidationFailed ErrorCode = "upstream_validation_failed"
	ErrCodeUpstreamRejected         ErrorCode = "upstream_rejected"
	ErrCodeUpstreamUnavailable      ErrorCode = "upstream_unavailable"

	// Stats / internal
	ErrCodeStatsWriteFailed   ErrorCode = "stats_write_failed"
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// Transient reports whether a failure with this code is expected to clear on
// redelivery (blob not yet visible, remote throttling, remote outage).
func (c ErrorCode) Transient() bool {
	s := string(c)
	switch {
	case c == ErrCodeFetchNotFound, c == ErrCodeFetchFailed:
		return true
	case c == ErrCodeUpstreamRateLimited, c == ErrCodeUpstreamUnavailable:
		return true
	case strings.HasPrefix(s, "internal_"):
		return true
	default:
		return false
	}
}

// AppError is the standard error type used throughout the relay.
// Domain failures should be expressed as AppError to enable consistent log
// formatting and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf extracts the ErrorCode from an error chain, falling back to
// ErrCodeInternalUnexpected when no AppError is present.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
