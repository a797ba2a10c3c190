// Package errors provides structured error handling for nesspipe operations.
// It defines error codes and error types for the parse, export, scanner client
// and storage stages, plus helpers for classifying wrapped errors.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Pipeline errors.
	CodeParseFailed  ErrorCode = "PARSE_FAILED"
	CodeExportFailed ErrorCode = "EXPORT_FAILED"

	// Scanner API errors.
	CodeAuthentication     ErrorCode = "AUTHENTICATION"
	CodeScannerUnavailable ErrorCode = "SCANNER_UNAVAILABLE"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"

	// File system errors.
	CodeFilePermission ErrorCode = "FILE_PERMISSION"
)

// PipelineError represents a failure while reading, converting or writing an export.
type PipelineError struct {
	Code    ErrorCode
	Message string
	Source  string
	Cause   error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Source != "" {
		msg += fmt.Sprintf(" (source: %s)", e.Source)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewPipelineError creates a new pipeline error with the specified code and message.
func NewPipelineError(code ErrorCode, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// WrapPipelineError wraps an existing error as a pipeline error.
func WrapPipelineError(code ErrorCode, message, source string, err error) *PipelineError {
	return &PipelineError{
		Code:    code,
		Message: message,
		Source:  source,
		Cause:   err,
	}
}

// DatabaseError represents database-related errors. Its message never
// includes the cause, which may carry SQL or connection details.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// WithOperation names the store operation that failed.
func (e *DatabaseError) WithOperation(op string) *DatabaseError {
	e.Operation = op
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{Code: code, Message: message}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Cause: err}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{Code: code, Message: message}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{Code: code, Message: message, Cause: err}
}

// Utility functions for common error operations

// GetCode extracts the error code from the first coded error in err's chain.
func GetCode(err error) ErrorCode {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	var de *DatabaseError
	if stderrors.As(err, &de) {
		return de.Code
	}
	var ce *ConfigError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeScannerUnavailable, CodeDatabaseConnection:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeAuthentication, CodeDatabaseMigration, CodeFilePermission:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrParseFailed creates an error for a document that could not be parsed.
func ErrParseFailed(source string, err error) *PipelineError {
	return WrapPipelineError(CodeParseFailed, "Failed to parse scan export", source, err)
}

// ErrExportFailed creates an error for output that could not be written.
func ErrExportFailed(path string, err error) *PipelineError {
	return WrapPipelineError(CodeExportFailed, "Failed to write table", path, err)
}

// ErrExportTimeout creates an error for a scanner export that never became ready.
func ErrExportTimeout(scanID int) *PipelineError {
	return &PipelineError{
		Code:    CodeTimeout,
		Message: "Scan export did not become ready in time",
		Source:  fmt.Sprintf("scan %d", scanID),
	}
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "Failed to connect to database", err)
}

// ErrDatabaseQuery creates an error for database query failures.
func ErrDatabaseQuery(query string, err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseQuery, "Database query failed", err).WithQuery(query)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
