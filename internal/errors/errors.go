package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrMalformed    = errors.New("malformed payload")
	ErrUnavailable  = errors.New("backend unavailable")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("timeout")
	ErrInvalidInput = errors.New("invalid input")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeDecode     ErrorType = "decode"
	ErrorTypeFetch      ErrorType = "fetch"
	ErrorTypeStorage    ErrorType = "storage"
	ErrorTypePurchase   ErrorType = "purchase"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// AccessError is a structured error raised by the access-control collaborators.
type AccessError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "fetch_flags", "purchase")
	Source     string // Collaborator name (e.g., "flags", "stripe")
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *AccessError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *AccessError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrMalformed:
		return e.Type == ErrorTypeDecode
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth || e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrUnavailable:
		return e.Type == ErrorTypeFetch && (e.StatusCode == 0 || e.StatusCode >= 500)
	}

	return errors.Is(e.Err, target)
}

// New creates a new AccessError
func New(errorType ErrorType, op, source string, err error) *AccessError {
	return &AccessError{
		Type:      errorType,
		Op:        op,
		Source:    source,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *AccessError) WithStatusCode(code int) *AccessError {
	e.StatusCode = code
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeFetch, ErrorTypeTimeout, ErrorTypeStorage:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeDecode:
		return false
	default: // ErrorTypePurchase
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrUnauthorized)
		}
		return false
	}
}

// Helper functions

// WrapFetchError wraps a remote fetch failure with context
func WrapFetchError(op, source string, err error) error {
	return New(ErrorTypeFetch, op, source, err)
}

// WrapDecodeError wraps a payload decode failure with context
func WrapDecodeError(op, source string, err error) error {
	return New(ErrorTypeDecode, op, source, err)
}

// WrapStatusError wraps a non-2xx HTTP response with context
func WrapStatusError(op, source string, err error, statusCode int) error {
	errorType := ErrorTypeFetch
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		errorType = ErrorTypeAuth
	}
	return New(errorType, op, source, err).WithStatusCode(statusCode)
}

// WrapPurchaseError wraps a purchase backend failure with context
func WrapPurchaseError(op, source string, err error) error {
	return New(ErrorTypePurchase, op, source, err)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		return accessErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		return accessErr.StatusCode
	}
	return 0
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		if accessErr.Type == ErrorTypeAuth {
			return true
		}
		if accessErr.StatusCode == http.StatusUnauthorized || accessErr.StatusCode == http.StatusForbidden {
			return true
		}
	}
	return errors.Is(err, ErrUnauthorized)
}
