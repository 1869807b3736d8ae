package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeConfig          ErrorType = "config"
	ErrorTypeDirectoryCreate ErrorType = "directory_create"
	ErrorTypeVolfileMissing  ErrorType = "volfile_missing"
	ErrorTypeSpawn           ErrorType = "spawn"
	ErrorTypePortAllocation  ErrorType = "port_allocation"
	ErrorTypeStop            ErrorType = "stop"
	ErrorTypeConnection      ErrorType = "connection"
	ErrorTypeVersionGate     ErrorType = "version_gate"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeIO              ErrorType = "io"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypeCancelled       ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Supervision errors
func NewConfigError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfig, message, cause)
}

func NewDirectoryCreateError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeDirectoryCreate, message, cause)
}

func NewVolfileMissingError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeVolfileMissing, message, cause)
}

func NewSpawnError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeSpawn, message, cause)
}

func NewPortAllocationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePortAllocation, message, cause)
}

func NewStopError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeStop, message, cause)
}

func NewConnectionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConnection, message, cause)
}

func NewVersionGateError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeVersionGate, message, cause)
}

// Generic errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Error checking helpers
func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsConfigError(err error) bool          { return isType(err, ErrorTypeConfig) }
func IsDirectoryCreateError(err error) bool { return isType(err, ErrorTypeDirectoryCreate) }
func IsVolfileMissingError(err error) bool  { return isType(err, ErrorTypeVolfileMissing) }
func IsSpawnError(err error) bool           { return isType(err, ErrorTypeSpawn) }
func IsPortAllocationError(err error) bool  { return isType(err, ErrorTypePortAllocation) }
func IsStopError(err error) bool            { return isType(err, ErrorTypeStop) }
func IsConnectionError(err error) bool      { return isType(err, ErrorTypeConnection) }
func IsVersionGateError(err error) bool     { return isType(err, ErrorTypeVersionGate) }
func IsValidationError(err error) bool      { return isType(err, ErrorTypeValidation) }
func IsNotFoundError(err error) bool        { return isType(err, ErrorTypeNotFound) }
func IsConflictError(err error) bool        { return isType(err, ErrorTypeConflict) }
func IsIOError(err error) bool              { return isType(err, ErrorTypeIO) }
func IsTimeoutError(err error) bool         { return isType(err, ErrorTypeTimeout) }
func IsInternalError(err error) bool        { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool       { return isType(err, ErrorTypeCancelled) }

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
