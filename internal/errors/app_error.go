package errors

import "fmt"

// AppError represents a monitoring-specific error with a stable code.
// The logging system records the code on log entries when present.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func NewConfigError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func NewProbeError(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}
