package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Staging state is preserved. Example: network unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassStructural indicates the candidate itself is unacceptable.
	// Not retried automatically. Examples: invalid payload, unmet requirements.
	ErrorClassStructural ErrorClass = "structural"

	// ErrorClassEnvironmental indicates the device cannot take the operation.
	// The attempt aborts without mutating any table. Example: storage unavailable.
	ErrorClassEnvironmental ErrorClass = "environmental"

	// ErrorClassInvariant indicates a programming error such as an illegal
	// state transition or committing a table that is not ready.
	ErrorClassInvariant ErrorClass = "invariant"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewStructuralError creates a new structural error.
func NewStructuralError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassStructural,
		Message: message,
		Err:     err,
	}
}

// NewEnvironmentalError creates a new environmental error.
func NewEnvironmentalError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassEnvironmental,
		Message: message,
		Err:     err,
	}
}

// NewInvariantError creates a new invariant violation error.
func NewInvariantError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassInvariant,
		Message: message,
		Err:     err,
	}
}

// NewUnreachableError reports a network or host failure while fetching.
func NewUnreachableError(resourceID string, err error) *EngineError {
	return NewTransientError("resource unreachable", err).
		WithCode(ErrCodeUnreachable).
		WithResource(resourceID).
		WithOperation("fetch")
}

// NewNotFoundError reports a reference that does not resolve to anything.
func NewNotFoundError(resourceID string, err error) *EngineError {
	return NewStructuralError("resource not found", err).
		WithCode(ErrCodeNotFound).
		WithResource(resourceID).
		WithOperation("fetch")
}

// NewInvalidPayloadError reports bytes that fail structural or semantic validation.
func NewInvalidPayloadError(resourceID string, err error) *EngineError {
	return NewStructuralError("invalid payload", err).
		WithCode(ErrCodeInvalidPayload).
		WithResource(resourceID).
		WithOperation("validate")
}

// NewStorageUnavailableError reports that local storage cannot be written.
func NewStorageUnavailableError(resourceID string, err error) *EngineError {
	return NewEnvironmentalError("local storage unavailable", err).
		WithCode(ErrCodeLocalStorage).
		WithResource(resourceID)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// RequirementsError describes a platform compatibility violation.
type RequirementsError struct {
	Resource  string `json:"resource"`
	Code      string `json:"code"`
	Required  string `json:"required"`
	Available string `json:"available"`
	IsMajor   bool   `json:"is_major"`
}

// Error implements the error interface.
func (e *RequirementsError) Error() string {
	return fmt.Sprintf("requirement %s of %s not met: required %s, available %s",
		e.Code, e.Resource, e.Required, e.Available)
}

// NewRequirementsUnmetError wraps a RequirementsError as a structural engine error.
func NewRequirementsUnmetError(req *RequirementsError) *EngineError {
	return NewStructuralError("requirements unmet", req).
		WithCode(ErrCodeRequirementsUnmet).
		WithResource(req.Resource).
		WithOperation("check_requirements")
}

// PolicyViolation is a denial returned by the install policy.
type PolicyViolation struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// PolicyError carries the violations that denied an install or upgrade.
type PolicyError struct {
	Violations []PolicyViolation `json:"violations"`
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	if len(e.Violations) == 0 {
		return "install denied by policy"
	}
	v := e.Violations[0]
	if len(e.Violations) == 1 {
		return fmt.Sprintf("install denied by policy: %s: %s", v.Code, v.Message)
	}
	return fmt.Sprintf("install denied by policy: %s: %s (and %d more)", v.Code, v.Message, len(e.Violations)-1)
}

// HasCode reports whether any violation carries code.
func (e *PolicyError) HasCode(code string) bool {
	for _, v := range e.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsStructural returns true if the error is classified as structural.
func IsStructural(err error) bool {
	return classOf(err) == ErrorClassStructural
}

// IsEnvironmental returns true if the error is classified as environmental.
func IsEnvironmental(err error) bool {
	return classOf(err) == ErrorClassEnvironmental
}

// IsInvariant returns true if the error is classified as an invariant violation.
func IsInvariant(err error) bool {
	return classOf(err) == ErrorClassInvariant
}

// IsRetryable returns true if the error can be retried.
// Only transient errors are retried, and never a cancellation.
func IsRetryable(err error) bool {
	return IsTransient(err) && CodeOf(err) != ErrCodeCancelled
}

// CodeOf returns the code of the outermost EngineError in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeUnreachable       = "UNREACHABLE"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidPayload    = "INVALID_PAYLOAD"
	ErrCodeLocalStorage      = "LOCAL_STORAGE_UNAVAILABLE"
	ErrCodeRequirementsUnmet = "REQUIREMENTS_UNMET"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeDuplicateApp      = "DUPLICATE_APP"
	ErrCodeStateViolation    = "STATE_VIOLATION"
	ErrCodeNotReady          = "TABLE_NOT_READY"
	ErrCodeNoProfile         = "NO_PROFILE"
	ErrCodeAlreadyRunning    = "ALREADY_RUNNING"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_FAILURE"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// ErrAlreadyRunning is returned when a task is submitted while another holds the worker slot.
var ErrAlreadyRunning = NewTransientError("an upgrade task is already running", nil).WithCode(ErrCodeAlreadyRunning)
