// Package errors provides unified error handling with stable cause codes.
// Codes are surfaced verbatim over the API and asserted on in tests.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable cause code.
type Code string

const (
	// Capture errors: fatal to the current recording.
	CodeCaptureNoSource         Code = "CAPTURE_NO_SOURCE"
	CodeCapturePermissionDenied Code = "CAPTURE_PERMISSION_DENIED"
	CodeCaptureStreamEnded      Code = "CAPTURE_STREAM_ENDED"

	// Storage errors: quota is recoverable by caller intervention,
	// the rest indicate a logic fault and are always surfaced.
	CodeStorageQuotaExceeded  Code = "STORAGE_QUOTA_EXCEEDED"
	CodeStorageEvictedRange   Code = "STORAGE_EVICTED_RANGE"
	CodeStorageDuplicateIndex Code = "STORAGE_DUPLICATE_INDEX"
	CodeStorageOutOfOrder     Code = "STORAGE_OUT_OF_ORDER"

	// Network errors: retried with backoff; offline suspends retries.
	CodeNetOffline      Code = "NET_OFFLINE"
	CodeNetUploadFailed Code = "NET_UPLOAD_FAILED"
	CodeNetAPIError     Code = "NET_API_ERROR"

	// Auth errors: never retried.
	CodeAuthUnauthorized   Code = "AUTH_UNAUTHORIZED"
	CodeAuthSessionExpired Code = "AUTH_SESSION_EXPIRED"

	// General
	CodeTimeout          Code = "TIMEOUT"
	CodeCancelled        Code = "CANCELLED"
	CodeInternal         Code = "INTERNAL"
	CodeConfigInvalid    Code = "CONFIG_INVALID"
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeNotFound         Code = "NOT_FOUND"
)

// httpStatusMap maps cause codes to HTTP status codes.
var httpStatusMap = map[Code]int{
	CodeCaptureNoSource:         http.StatusUnprocessableEntity,
	CodeCapturePermissionDenied: http.StatusForbidden,
	CodeCaptureStreamEnded:      http.StatusConflict,
	CodeStorageQuotaExceeded:    http.StatusInsufficientStorage,
	CodeStorageEvictedRange:     http.StatusGone,
	CodeStorageDuplicateIndex:   http.StatusConflict,
	CodeStorageOutOfOrder:       http.StatusConflict,
	CodeNetOffline:              http.StatusServiceUnavailable,
	CodeNetUploadFailed:         http.StatusBadGateway,
	CodeNetAPIError:             http.StatusBadGateway,
	CodeAuthUnauthorized:        http.StatusUnauthorized,
	CodeAuthSessionExpired:      http.StatusUnauthorized,
	CodeTimeout:                 http.StatusGatewayTimeout,
	CodeCancelled:               http.StatusConflict,
	CodeInternal:                http.StatusInternalServerError,
	CodeConfigInvalid:           http.StatusInternalServerError,
	CodeValidationFailed:        http.StatusBadRequest,
	CodeNotFound:                http.StatusNotFound,
}

// AppError is the base error type with structured cause code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the corresponding HTTP status code.
func (e *AppError) HTTPStatus() int {
	if s, ok := httpStatusMap[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf extracts the cause code from any error in the chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsCode checks if an error carries a specific cause code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
// Auth errors and storage logic faults are never retried.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetOffline, CodeNetUploadFailed, CodeNetAPIError, CodeTimeout:
		return true
	default:
		return false
	}
}

// IsFatalCapture reports whether the error terminates a recording.
func IsFatalCapture(err error) bool {
	switch CodeOf(err) {
	case CodeCaptureNoSource, CodeCapturePermissionDenied, CodeCaptureStreamEnded:
		return true
	default:
		return false
	}
}
