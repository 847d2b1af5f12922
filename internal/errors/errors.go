// Package errors provides structured error handling for pulse operations.
// It defines error codes, typed errors for each subsystem, and utilities
// for classifying errors that cross package boundaries.
package errors

import (
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeCanceled      ErrorCode = "CANCELED"

	// Scan tool errors.
	CodeToolNotFound  ErrorCode = "TOOL_NOT_FOUND"
	CodeToolTimeout   ErrorCode = "TOOL_TIMEOUT"
	CodeToolExecution ErrorCode = "TOOL_EXECUTION"
	CodePrivilege     ErrorCode = "PRIVILEGE"
	CodeTargetInvalid ErrorCode = "TARGET_INVALID"

	// Output parsing errors.
	CodeParseFailed ErrorCode = "PARSE_FAILED"

	// Persistence errors.
	CodePersistence        ErrorCode = "PERSISTENCE"
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"

	// Resource errors.
	CodeNotFound ErrorCode = "NOT_FOUND"
	CodeConflict ErrorCode = "CONFLICT"

	// Task queue and scheduler errors.
	CodeQueueFull    ErrorCode = "QUEUE_FULL"
	CodeTaskNotFound ErrorCode = "TASK_NOT_FOUND"
	CodeDuplicateJob ErrorCode = "DUPLICATE_JOB"
	CodeJobNotFound  ErrorCode = "JOB_NOT_FOUND"
)

// ScanError represents an error raised while invoking the external scan tool.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Profile   string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithProfile records the scan profile that produced the error.
func (e *ScanError) WithProfile(profile string) *ScanError {
	e.Profile = profile
	return e
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// WrapScanErrorWithTarget wraps an error with target information.
func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// ParseError represents a failure to extract usable data from tool output.
type ParseError struct {
	Code    ErrorCode
	Message string
	Offset  int64
	Cause   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Offset > 0 {
		return fmt.Sprintf("[%s] %s (offset: %d)", e.Code, e.Message, e.Offset)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError creates a new parse error.
func NewParseError(message string) *ParseError {
	return &ParseError{
		Code:    CodeParseFailed,
		Message: message,
	}
}

// WrapParseError wraps an existing error as a parse error.
func WrapParseError(message string, err error) *ParseError {
	return &ParseError{
		Code:    CodeParseFailed,
		Message: message,
		Cause:   err,
	}
}

// DatabaseError represents persistence-layer errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
	Context   map[string]interface{}
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

// WithOperation records the logical operation that failed.
func (e *DatabaseError) WithOperation(op string) *DatabaseError {
	e.Operation = op
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// SchedulerError represents job registry and queue lifecycle errors.
type SchedulerError struct {
	Code    ErrorCode
	Message string
	JobName string
	Cause   error
}

// Error implements the error interface.
func (e *SchedulerError) Error() string {
	if e.JobName != "" {
		return fmt.Sprintf("[%s] %s (job: %s)", e.Code, e.Message, e.JobName)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *SchedulerError) Unwrap() error {
	return e.Cause
}

// NewSchedulerError creates a new scheduler error for the named job.
func NewSchedulerError(code ErrorCode, message, jobName string) *SchedulerError {
	return &SchedulerError{
		Code:    code,
		Message: message,
		JobName: jobName,
	}
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
	return &ConfigError{
		Code:    code,
		Message: message,
	}
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
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Utility functions for common error operations

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *ScanError:
		return e.Code
	case *ParseError:
		return e.Code
	case *DatabaseError:
		return e.Code
	case *SchedulerError:
		return e.Code
	case *ConfigError:
		return e.Code
	}
	return CodeUnknown
}

// IsNotFound reports whether an error indicates a missing resource.
func IsNotFound(err error) bool {
	return GetCode(err) == CodeNotFound
}

// IsConflict reports whether an error indicates a uniqueness conflict.
func IsConflict(err error) bool {
	return GetCode(err) == CodeConflict
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	code := GetCode(err)
	switch code {
	case CodeToolTimeout, CodeToolExecution, CodeDatabaseTimeout, CodePersistence:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a condition no retry can cure.
func IsFatal(err error) bool {
	code := GetCode(err)
	switch code {
	case CodeToolNotFound, CodePrivilege, CodeConfiguration, CodeDatabaseMigration:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrToolNotFound creates an error for a missing scan tool binary.
func ErrToolNotFound(binary string) *ScanError {
	return NewScanError(CodeToolNotFound, fmt.Sprintf("scan tool %q not found in PATH", binary))
}

// ErrToolTimeout creates an error for a scan that exceeded its deadline.
func ErrToolTimeout(target string) *ScanError {
	return NewScanErrorWithTarget(CodeToolTimeout, "scan exceeded its time budget", target)
}

// ErrToolExecution creates an error for a tool process that failed outright.
func ErrToolExecution(target string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeToolExecution, "scan tool execution failed", target, err)
}

// ErrPrivilege creates an error for scans requiring elevated privileges.
func ErrPrivilege(profile string) *ScanError {
	e := NewScanError(CodePrivilege, fmt.Sprintf("profile %q requires elevated privileges", profile))
	e.Profile = profile
	return e
}

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "invalid target specification", target)
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "failed to connect to database", err)
}

// ErrDatabaseQuery creates an error for database query failures.
func ErrDatabaseQuery(query string, err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseQuery, "database query failed", err).WithQuery(query)
}

// ErrPersistence creates an error for a failed reconciliation write.
func ErrPersistence(operation string, err error) *DatabaseError {
	return WrapDatabaseError(CodePersistence, "persisting scan facts failed", err).WithOperation(operation)
}

// ErrDuplicateJob creates an error for registering a job name twice.
func ErrDuplicateJob(name string) *SchedulerError {
	return NewSchedulerError(CodeDuplicateJob, "job already registered", name)
}

// ErrJobNotFound creates an error for operations on unknown jobs.
func ErrJobNotFound(name string) *SchedulerError {
	return NewSchedulerError(CodeJobNotFound, "job not registered", name)
}

// ErrQueueFull creates an error for submissions past queue capacity.
func ErrQueueFull(capacity int) *SchedulerError {
	return &SchedulerError{
		Code:    CodeQueueFull,
		Message: fmt.Sprintf("task queue at capacity (%d pending)", capacity),
	}
}

// ErrTaskNotFound creates an error for lookups of unknown task IDs.
func ErrTaskNotFound(id string) *SchedulerError {
	return &SchedulerError{
		Code:    CodeTaskNotFound,
		Message: fmt.Sprintf("no task with id %s", id),
	}
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "required configuration field missing", field, nil)
}
