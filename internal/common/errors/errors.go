// Package errors provides the standardized error model shared by the tool engine,
// its HTTP surface and the Zeebe job workers.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Caller errors, surfaced before any model call is made.
const (
	ErrCodeInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrCodeMissingFieldReference ErrorCode = "MISSING_FIELD_REFERENCE"
	ErrCodeTemplateNotFound      ErrorCode = "TEMPLATE_NOT_FOUND"
	ErrCodeTemplateLoadFailed    ErrorCode = "TEMPLATE_LOAD_FAILED"
)

// Per-item and batch errors.
const (
	ErrCodeValidationFailed      ErrorCode = "VALIDATION_FAILED"
	ErrCodeModelInvocationFailed ErrorCode = "MODEL_INVOCATION_FAILED"
	ErrCodeModelTimeout          ErrorCode = "MODEL_TIMEOUT"
	ErrCodeRateLimited           ErrorCode = "RATE_LIMITED"
	ErrCodeBatchCancelled        ErrorCode = "BATCH_CANCELLED"
)

// Infrastructure errors.
const (
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeDatabaseInsertFailed     ErrorCode = "DATABASE_INSERT_FAILED"
	ErrCodeExternalService          ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a StandardError with the same code, so callers can
// write errors.Is(err, errors.ErrInvalidInput).
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMetadata returns the error with key set in its metadata.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidInput          = &StandardError{Code: ErrCodeInvalidInput}
	ErrMissingFieldReference = &StandardError{Code: ErrCodeMissingFieldReference}
	ErrTemplateNotFound      = &StandardError{Code: ErrCodeTemplateNotFound}
	ErrValidationFailed      = &StandardError{Code: ErrCodeValidationFailed}
	ErrModelInvocation       = &StandardError{Code: ErrCodeModelInvocationFailed}
	ErrBatchCancelled        = &StandardError{Code: ErrCodeBatchCancelled}
)

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

// NewInvalidInputError creates a non-retryable error for malformed caller input.
func NewInvalidInputError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidInput,
		Message:   "Invalid input",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewMissingFieldReferenceError reports template references with no declared parameter.
func NewMissingFieldReferenceError(template string, fields []string) *StandardError {
	return &StandardError{
		Code:      ErrCodeMissingFieldReference,
		Message:   "Template references undeclared fields",
		Details:   fmt.Sprintf("template: %s, fields: %s", template, strings.Join(fields, ", ")),
		Retryable: false,
		Metadata:  map[string]interface{}{"fields": fields},
		Timestamp: time.Now().UTC(),
	}
}

// NewTemplateNotFoundError creates a non-retryable template error.
func NewTemplateNotFoundError(name string) *StandardError {
	return &StandardError{
		Code:      ErrCodeTemplateNotFound,
		Message:   "Template not found in registry",
		Details:   fmt.Sprintf("tool: %s", name),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewTemplateLoadFailedError reports a template file that could not be loaded.
func NewTemplateLoadFailedError(path string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeTemplateLoadFailed,
		Message:   "Template could not be loaded",
		Details:   fmt.Sprintf("path: %s, error: %s", path, err.Error()),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewValidationFailedError reports a model output that failed validation after the retry.
func NewValidationFailedError(reasons []string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Model output failed validation",
		Details:   strings.Join(reasons, "; "),
		Retryable: false,
		Metadata:  map[string]interface{}{"reasons": reasons},
		Timestamp: time.Now().UTC(),
	}
}

// NewModelInvocationError wraps a provider failure.
func NewModelInvocationError(provider string, retryable bool, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeModelInvocationFailed,
		Message:   fmt.Sprintf("Model invocation via '%s' failed", provider),
		Details:   err.Error(),
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewModelTimeoutError creates a retryable model timeout error.
func NewModelTimeoutError(provider string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeModelTimeout,
		Message:   fmt.Sprintf("Model invocation via '%s' timed out", provider),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewRateLimitedError creates a retryable rate limit error.
func NewRateLimitedError(provider string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRateLimited,
		Message:   fmt.Sprintf("Provider '%s' rate limit reached", provider),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewBatchCancelledError reports a batch abandoned because its context ended.
func NewBatchCancelledError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeBatchCancelled,
		Message:   "Batch cancelled before completion",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewDatabaseInsertFailedError creates a retryable database insert error.
func NewDatabaseInsertFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseInsertFailed,
		Message:   "Database insert operation failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewExternalServiceError reports a failed call to a dependency such as the
// Zeebe gateway. retryable marks connection-level failures.
func NewExternalServiceError(service string, retryable bool, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeExternalService,
		Message:   fmt.Sprintf("%s request failed", service),
		Details:   err.Error(),
		Retryable: retryable,
		Metadata:  map[string]interface{}{"service": service},
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewInternalError wraps an unexpected error.
func NewInternalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// ==========================
// 4. Error Conversion to BPMN
// ==========================

// BPMNErrorMapping maps internal error codes to BPMN error codes.
var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeInvalidInput:             "INVALID_INPUT",
	ErrCodeMissingFieldReference:    "MISSING_FIELD_REFERENCE",
	ErrCodeTemplateNotFound:         "TEMPLATE_NOT_FOUND",
	ErrCodeTemplateLoadFailed:       "TEMPLATE_LOAD_FAILED",
	ErrCodeValidationFailed:         "VALIDATION_FAILED",
	ErrCodeModelInvocationFailed:    "MODEL_INVOCATION_FAILED",
	ErrCodeModelTimeout:             "MODEL_TIMEOUT",
	ErrCodeRateLimited:              "RATE_LIMITED",
	ErrCodeBatchCancelled:           "BATCH_CANCELLED",
	ErrCodeDatabaseConnectionFailed: "DATABASE_CONNECTION_FAILED",
	ErrCodeDatabaseInsertFailed:     "DATABASE_INSERT_FAILED",
	ErrCodeExternalService:          "EXTERNAL_SERVICE_ERROR",
}

// GetRetryCount returns the recommended job retry count for an error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeModelInvocationFailed,
		ErrCodeDatabaseConnectionFailed,
		ErrCodeDatabaseInsertFailed,
		ErrCodeExternalService:
		return 3

	case ErrCodeModelTimeout,
		ErrCodeRateLimited:
		return 2

	case ErrCodeBatchCancelled:
		return 1

	default:
		return 0 // Business errors: no retry
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// AsStandard returns err as a StandardError, wrapping unknown errors as INTERNAL_ERROR.
func AsStandard(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return NewInternalError(err)
}

// CodeOf returns the error code carried by err, or "" when err is not a StandardError.
func CodeOf(err error) ErrorCode {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr.Code
	}
	return ""
}

func IsInvalidInput(err error) bool          { return stderrors.Is(err, ErrInvalidInput) }
func IsMissingFieldReference(err error) bool { return stderrors.Is(err, ErrMissingFieldReference) }
func IsTemplateNotFound(err error) bool      { return stderrors.Is(err, ErrTemplateNotFound) }
func IsBatchCancelled(err error) bool        { return stderrors.Is(err, ErrBatchCancelled) }

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "TEMPLATE"), strings.Contains(codeStr, "FIELD_REFERENCE"):
		return "TEMPLATE"
	case strings.Contains(codeStr, "MODEL"), strings.Contains(codeStr, "RATE_LIMITED"):
		return "AI"
	case strings.Contains(codeStr, "DATABASE"):
		return "DATABASE"
	case strings.Contains(codeStr, "BATCH"):
		return "BATCH"
	case strings.Contains(codeStr, "INVALID"), strings.Contains(codeStr, "VALIDATION"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
