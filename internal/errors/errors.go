package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInternalError    = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeCall       ErrorType = "call"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// GatewayError is a structured error for bus operations
type GatewayError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "check_status", "Register")
	Service   string // Bus service name, or the peer address for private connections
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *GatewayError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Service, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *GatewayError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrForbidden:
		return e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrInternalError:
		return e.Type == ErrorTypeInternal
	}

	return errors.Is(e.Err, target)
}

// NewGatewayError creates a new GatewayError
func NewGatewayError(errorType ErrorType, op, service string, err error) *GatewayError {
	return &GatewayError{
		Type:      errorType,
		Op:        op,
		Service:   service,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// isRetryable determines if an error should be retried
func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeNotFound:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrForbidden)
		}
		return true
	}
}

// Helper functions

// WrapConnectionError wraps a bus connection error with context
func WrapConnectionError(op, service string, err error) error {
	return NewGatewayError(ErrorTypeConnection, op, service, err)
}

// WrapValidationError marks a request as rejected before it reached the bus
func WrapValidationError(op string, err error) error {
	return NewGatewayError(ErrorTypeValidation, op, "", err)
}

// WrapCallError classifies an error returned by a method call. Context
// deadlines become timeouts and access denials become auth errors.
func WrapCallError(op, service string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewGatewayError(ErrorTypeTimeout, op, service, err)
	case isAccessDenied(err):
		return NewGatewayError(ErrorTypeAuth, op, service, err)
	case isUnknownName(err):
		return NewGatewayError(ErrorTypeNotFound, op, service, err)
	default:
		return NewGatewayError(ErrorTypeCall, op, service, err)
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}

	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}

func isAccessDenied(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "AccessDenied") ||
		strings.Contains(msg, "NotAuthorized") ||
		strings.Contains(msg, "not authorized")
}

func isUnknownName(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "ServiceUnknown") ||
		strings.Contains(msg, "UnknownObject") ||
		strings.Contains(msg, "UnknownMethod") ||
		strings.Contains(msg, "UnknownInterface")
}
