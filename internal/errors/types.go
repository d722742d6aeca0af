// Package errors classifies the failures a build can produce so the
// orchestrator can decide whether to keep going, and so users get the file
// and message that caused them.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	// ErrorTypeTransform is a bad source file fed to a compiler or bundler.
	ErrorTypeTransform ErrorType = "transform"
	// ErrorTypeConfig is a missing or malformed configuration value.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeFilesystem is a failed read, write, copy or delete.
	ErrorTypeFilesystem ErrorType = "filesystem"
	// ErrorTypeTimeout is a task that did not finish before its deadline.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeCancelled is a task abandoned because the run was cancelled.
	ErrorTypeCancelled ErrorType = "cancelled"
	ErrorTypeInternal  ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeCompileFailed    = "ERR_COMPILE_FAILED"
	ErrCodeBundleFailed     = "ERR_BUNDLE_FAILED"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeUnknownTask      = "ERR_UNKNOWN_TASK"
	ErrCodeFileIO           = "ERR_FILE_IO"
	ErrCodeTaskTimeout      = "ERR_TASK_TIMEOUT"
	ErrCodeTaskCancelled    = "ERR_TASK_CANCELLED"
	ErrCodeInternalError    = "ERR_INTERNAL"
	ErrCodeValidationFailed = "ERR_VALIDATION_FAILED"
)

// PipelineError is a structured error type with context.
type PipelineError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Task        string
	FilePath    string
	Line        int
	Column      int
	Recoverable bool
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Task != "" {
		parts = append(parts, "task:"+e.Task)
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is matches another PipelineError with the same type and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithLocation adds file location information.
func (e *PipelineError) WithLocation(filePath string, line, column int) *PipelineError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithTask records which task produced the error.
func (e *PipelineError) WithTask(task string) *PipelineError {
	e.Task = task

	return e
}

// NewTransformError creates a recoverable error for a source file that
// failed to compile, bundle or otherwise transform.
func NewTransformError(code, message string, cause error) *PipelineError {
	return &PipelineError{
		Type:        ErrorTypeTransform,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewFilesystemError creates a filesystem error.
func NewFilesystemError(message string, cause error) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeFilesystem,
		Code:    ErrCodeFileIO,
		Message: message,
		Cause:   cause,
	}
}

// NewTimeoutError creates the error recorded for a task that missed its deadline.
func NewTimeoutError(task string, cause error) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeTimeout,
		Code:    ErrCodeTaskTimeout,
		Message: "task did not finish before its deadline",
		Cause:   cause,
		Task:    task,
	}
}

// NewCancelledError creates the error recorded for a task abandoned on cancellation.
func NewCancelledError(task string, cause error) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeCancelled,
		Code:    ErrCodeTaskCancelled,
		Message: "task cancelled",
		Cause:   cause,
		Task:    task,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PipelineError {
	return &PipelineError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsRecoverable reports whether the build may continue past err. Errors that
// are not PipelineErrors are treated as fatal.
func IsRecoverable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Recoverable
	}

	return false
}

// TypeOf returns the classification of err, or ErrorTypeInternal for
// errors that carry none.
func TypeOf(err error) ErrorType {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type
	}

	return ErrorTypeInternal
}

// IsTransformError checks if an error came from a failed transform.
func IsTransformError(err error) bool {
	return TypeOf(err) == ErrorTypeTransform
}

// IsConfigError checks if an error is configuration-related.
func IsConfigError(err error) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.Type == ErrorTypeConfig
}

// ErrorHandler routes errors to the logger and the user notifier.
type ErrorHandler struct {
	logger   Logger
	notifier Notifier
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// Notifier interface for error notifications.
type Notifier interface {
	NotifyError(ctx context.Context, err *PipelineError) error
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger, notifier Notifier) *ErrorHandler {
	return &ErrorHandler{
		logger:   logger,
		notifier: notifier,
	}
}

// Handle processes an error with appropriate logging and notifications.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil {
		return
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		h.handlePipelineError(ctx, pe)
	} else {
		h.handleGenericError(ctx, err)
	}
}

func (h *ErrorHandler) handlePipelineError(ctx context.Context, err *PipelineError) {
	switch err.Type {
	case ErrorTypeTransform:
		if h.logger != nil {
			h.logger.Warn(ctx, err, "Compile error",
				"code", err.Code,
				"task", err.Task,
				"file", err.FilePath)
		}
	case ErrorTypeCancelled:
		if h.logger != nil {
			h.logger.Warn(ctx, err, "Task cancelled", "task", err.Task)
		}
		return
	default:
		if h.logger != nil {
			h.logger.Error(ctx, err, "Task error",
				"type", err.Type,
				"code", err.Code,
				"task", err.Task)
		}
	}

	if h.notifier != nil {
		_ = h.notifier.NotifyError(ctx, err)
	}
}

func (h *ErrorHandler) handleGenericError(ctx context.Context, err error) {
	if h.logger != nil {
		h.logger.Error(ctx, err, "Unhandled error occurred")
	}
	if h.notifier != nil {
		_ = h.notifier.NotifyError(ctx, NewInternalError(ErrCodeInternalError, "unexpected failure", err))
	}
}

// ValidationErrorCollection gathers every problem found while validating a
// configuration so they can be reported together.
type ValidationErrorCollection struct {
	Errors []string
}

// Error implements the error interface.
func (vec *ValidationErrorCollection) Error() string {
	if len(vec.Errors) == 0 {
		return "no validation errors"
	}
	if len(vec.Errors) == 1 {
		return vec.Errors[0]
	}

	return fmt.Sprintf("validation failed with %d errors: %s", len(vec.Errors), strings.Join(vec.Errors, "; "))
}

// Addf records one validation problem.
func (vec *ValidationErrorCollection) Addf(format string, args ...interface{}) {
	vec.Errors = append(vec.Errors, fmt.Sprintf(format, args...))
}

// HasErrors returns true if there are any validation errors.
func (vec *ValidationErrorCollection) HasErrors() bool {
	return len(vec.Errors) > 0
}

// ToPipelineError converts the collection to a config PipelineError, or nil
// when it is empty.
func (vec *ValidationErrorCollection) ToPipelineError() *PipelineError {
	if !vec.HasErrors() {
		return nil
	}

	return &PipelineError{
		Type:    ErrorTypeConfig,
		Code:    ErrCodeValidationFailed,
		Message: vec.Error(),
	}
}
