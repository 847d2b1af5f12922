package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		CodeUnknown,
		CodeValidation,
		CodeConfiguration,
		CodeCanceled,
		CodeToolNotFound,
		CodeToolTimeout,
		CodeToolExecution,
		CodePrivilege,
		CodeTargetInvalid,
		CodeParseFailed,
		CodePersistence,
		CodeDatabaseConnection,
		CodeDatabaseQuery,
		CodeDatabaseMigration,
		CodeDatabaseTimeout,
		CodeQueueFull,
		CodeTaskNotFound,
		CodeDuplicateJob,
		CodeJobNotFound,
	}

	for _, code := range codes {
		if string(code) == "" {
			t.Errorf("Error code %v should not be empty", code)
		}
	}
}

func TestScanError(t *testing.T) {
	t.Run("basic error creation", func(t *testing.T) {
		err := NewScanError(CodeToolExecution, "scan failed")
		if err.Code != CodeToolExecution {
			t.Errorf("Expected code %s, got %s", CodeToolExecution, err.Code)
		}
		if err.Message != "scan failed" {
			t.Errorf("Expected message 'scan failed', got '%s'", err.Message)
		}
		if err.Context == nil {
			t.Error("Context should be initialized")
		}
	})

	t.Run("error with target", func(t *testing.T) {
		err := NewScanErrorWithTarget(CodeToolTimeout, "scan timed out", "192.168.1.1")
		if err.Target != "192.168.1.1" {
			t.Errorf("Expected target '192.168.1.1', got '%s'", err.Target)
		}
		expected := "[TOOL_TIMEOUT] scan timed out (target: 192.168.1.1)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("error without target", func(t *testing.T) {
		err := NewScanError(CodeValidation, "validation failed")
		expected := "[VALIDATION] validation failed"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("wrapped error", func(t *testing.T) {
		cause := fmt.Errorf("exit status 1")
		err := WrapScanError(CodeToolExecution, "tool failed", cause)
		if err.Unwrap() != cause {
			t.Error("Wrapped error should be unwrappable")
		}
		if err.Cause != cause {
			t.Error("Cause should be set correctly")
		}
	})

	t.Run("wrapped error with target", func(t *testing.T) {
		cause := fmt.Errorf("signal: killed")
		err := WrapScanErrorWithTarget(CodeToolTimeout, "deadline exceeded", "example.com", cause)
		if err.Target != "example.com" {
			t.Errorf("Expected target 'example.com', got '%s'", err.Target)
		}
		if err.Unwrap() != cause {
			t.Error("Should unwrap to original error")
		}
	})

	t.Run("with context", func(t *testing.T) {
		err := NewScanError(CodeToolTimeout, "timeout occurred")
		err.WithContext("duration", "30s").WithContext("retries", 3)

		if err.Context["duration"] != "30s" {
			t.Errorf("Expected duration '30s', got %v", err.Context["duration"])
		}
		if err.Context["retries"] != 3 {
			t.Errorf("Expected retries 3, got %v", err.Context["retries"])
		}
	})
}

func TestParseError(t *testing.T) {
	t.Run("basic parse error", func(t *testing.T) {
		err := NewParseError("no usable hosts in report")
		if err.Code != CodeParseFailed {
			t.Errorf("Expected code %s, got %s", CodeParseFailed, err.Code)
		}
		expected := "[PARSE_FAILED] no usable hosts in report"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("parse error with offset", func(t *testing.T) {
		err := NewParseError("malformed element")
		err.Offset = 4096
		expected := "[PARSE_FAILED] malformed element (offset: 4096)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("wrapped parse error", func(t *testing.T) {
		cause := fmt.Errorf("XML syntax error")
		err := WrapParseError("decode failed", cause)
		if err.Unwrap() != cause {
			t.Error("Should unwrap to original error")
		}
	})
}

func TestDatabaseError(t *testing.T) {
	t.Run("basic database error", func(t *testing.T) {
		err := NewDatabaseError(CodeDatabaseConnection, "connection failed")
		if err.Code != CodeDatabaseConnection {
			t.Errorf("Expected code %s, got %s", CodeDatabaseConnection, err.Code)
		}
		expected := "[DATABASE_CONNECTION] connection failed"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("database error with operation", func(t *testing.T) {
		err := NewDatabaseError(CodeDatabaseQuery, "query failed").WithOperation("SELECT")
		expected := "[DATABASE_QUERY] query failed (operation: SELECT)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("wrapped database error", func(t *testing.T) {
		cause := fmt.Errorf("connection timeout")
		err := WrapDatabaseError(CodeDatabaseTimeout, "timeout error", cause)
		if err.Unwrap() != cause {
			t.Error("Should unwrap to original error")
		}
	})

	t.Run("with query", func(t *testing.T) {
		err := NewDatabaseError(CodeDatabaseQuery, "query failed")
		query := "SELECT * FROM devices"
		err.WithQuery(query)
		if err.Query != query {
			t.Errorf("Expected query '%s', got '%s'", query, err.Query)
		}
	})
}

func TestSchedulerError(t *testing.T) {
	t.Run("duplicate job", func(t *testing.T) {
		err := ErrDuplicateJob("discovery-lan")
		if err.Code != CodeDuplicateJob {
			t.Errorf("Expected code %s, got %s", CodeDuplicateJob, err.Code)
		}
		expected := "[DUPLICATE_JOB] job already registered (job: discovery-lan)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("job not found", func(t *testing.T) {
		err := ErrJobNotFound("quick-dmz")
		if err.Code != CodeJobNotFound {
			t.Errorf("Expected code %s, got %s", CodeJobNotFound, err.Code)
		}
		if err.JobName != "quick-dmz" {
			t.Errorf("Expected job name 'quick-dmz', got '%s'", err.JobName)
		}
	})

	t.Run("queue full", func(t *testing.T) {
		err := ErrQueueFull(1000)
		if err.Code != CodeQueueFull {
			t.Errorf("Expected code %s, got %s", CodeQueueFull, err.Code)
		}
		expected := "[QUEUE_FULL] task queue at capacity (1000 pending)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("task not found", func(t *testing.T) {
		err := ErrTaskNotFound("abc-123")
		if err.Code != CodeTaskNotFound {
			t.Errorf("Expected code %s, got %s", CodeTaskNotFound, err.Code)
		}
	})
}

func TestConfigError(t *testing.T) {
	t.Run("basic config error", func(t *testing.T) {
		err := NewConfigError(CodeConfiguration, "config invalid")
		if err.Code != CodeConfiguration {
			t.Errorf("Expected code %s, got %s", CodeConfiguration, err.Code)
		}
		expected := "[CONFIGURATION] config invalid"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("config field error", func(t *testing.T) {
		err := NewConfigFieldError(CodeValidation, "invalid port", "database.port", 65536)
		if err.Field != "database.port" {
			t.Errorf("Expected field 'database.port', got '%s'", err.Field)
		}
		if err.Value != 65536 {
			t.Errorf("Expected value 65536, got %v", err.Value)
		}
		expected := "[VALIDATION] invalid port (field: database.port)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("wrapped config error", func(t *testing.T) {
		cause := fmt.Errorf("file not found")
		err := WrapConfigError(CodeConfiguration, "config file missing", cause)
		if err.Unwrap() != cause {
			t.Error("Should unwrap to original error")
		}
	})
}

func TestUtilityFunctions(t *testing.T) {
	t.Run("IsCode", func(t *testing.T) {
		tests := []struct {
			name     string
			err      error
			code     ErrorCode
			expected bool
		}{
			{
				name:     "scan error matches",
				err:      NewScanError(CodeToolTimeout, "timeout"),
				code:     CodeToolTimeout,
				expected: true,
			},
			{
				name:     "scan error does not match",
				err:      NewScanError(CodeToolTimeout, "timeout"),
				code:     CodeValidation,
				expected: false,
			},
			{
				name:     "parse error matches",
				err:      NewParseError("no hosts"),
				code:     CodeParseFailed,
				expected: true,
			},
			{
				name:     "database error matches",
				err:      NewDatabaseError(CodeDatabaseConnection, "connection failed"),
				code:     CodeDatabaseConnection,
				expected: true,
			},
			{
				name:     "scheduler error matches",
				err:      ErrDuplicateJob("j"),
				code:     CodeDuplicateJob,
				expected: true,
			},
			{
				name:     "config error matches",
				err:      NewConfigError(CodeConfiguration, "config error"),
				code:     CodeConfiguration,
				expected: true,
			},
			{
				name:     "standard error",
				err:      fmt.Errorf("standard error"),
				code:     CodeToolTimeout,
				expected: false,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result := IsCode(tt.err, tt.code)
				if result != tt.expected {
					t.Errorf("Expected %v, got %v", tt.expected, result)
				}
			})
		}
	})

	t.Run("GetCode", func(t *testing.T) {
		tests := []struct {
			name     string
			err      error
			expected ErrorCode
		}{
			{
				name:     "scan error",
				err:      NewScanError(CodeToolExecution, "failed"),
				expected: CodeToolExecution,
			},
			{
				name:     "parse error",
				err:      NewParseError("no hosts"),
				expected: CodeParseFailed,
			},
			{
				name:     "database error",
				err:      NewDatabaseError(CodeDatabaseConnection, "connection failed"),
				expected: CodeDatabaseConnection,
			},
			{
				name:     "standard error",
				err:      fmt.Errorf("standard error"),
				expected: CodeUnknown,
			},
			{
				name:     "nil error",
				err:      nil,
				expected: CodeUnknown,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result := GetCode(tt.err)
				if result != tt.expected {
					t.Errorf("Expected %v, got %v", tt.expected, result)
				}
			})
		}
	})

	t.Run("IsRetryable", func(t *testing.T) {
		tests := []struct {
			name     string
			err      error
			expected bool
		}{
			{
				name:     "tool timeout",
				err:      NewScanError(CodeToolTimeout, "timeout"),
				expected: true,
			},
			{
				name:     "tool execution failure",
				err:      NewScanError(CodeToolExecution, "exit 1"),
				expected: true,
			},
			{
				name:     "persistence failure",
				err:      NewDatabaseError(CodePersistence, "merge failed"),
				expected: true,
			},
			{
				name:     "privilege error",
				err:      NewScanError(CodePrivilege, "need root"),
				expected: false,
			},
			{
				name:     "validation error",
				err:      NewScanError(CodeValidation, "validation failed"),
				expected: false,
			},
			{
				name:     "nil error",
				err:      nil,
				expected: false,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result := IsRetryable(tt.err)
				if result != tt.expected {
					t.Errorf("Expected %v, got %v", tt.expected, result)
				}
			})
		}
	})

	t.Run("IsFatal", func(t *testing.T) {
		tests := []struct {
			name     string
			err      error
			expected bool
		}{
			{
				name:     "tool missing",
				err:      ErrToolNotFound("nmap"),
				expected: true,
			},
			{
				name:     "privilege error",
				err:      ErrPrivilege("deep"),
				expected: true,
			},
			{
				name:     "configuration error",
				err:      NewConfigError(CodeConfiguration, "config error"),
				expected: true,
			},
			{
				name:     "database migration error",
				err:      NewDatabaseError(CodeDatabaseMigration, "migration failed"),
				expected: true,
			},
			{
				name:     "timeout error",
				err:      NewScanError(CodeToolTimeout, "timeout"),
				expected: false,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result := IsFatal(tt.err)
				if result != tt.expected {
					t.Errorf("Expected %v, got %v", tt.expected, result)
				}
			})
		}
	})
}

func TestCommonErrorCreationFunctions(t *testing.T) {
	t.Run("ErrToolNotFound", func(t *testing.T) {
		err := ErrToolNotFound("nmap")
		if err.Code != CodeToolNotFound {
			t.Errorf("Expected code %s, got %s", CodeToolNotFound, err.Code)
		}
	})

	t.Run("ErrToolTimeout", func(t *testing.T) {
		err := ErrToolTimeout("192.168.1.1")
		if err.Code != CodeToolTimeout {
			t.Errorf("Expected code %s, got %s", CodeToolTimeout, err.Code)
		}
		if err.Target != "192.168.1.1" {
			t.Errorf("Expected target '192.168.1.1', got '%s'", err.Target)
		}
	})

	t.Run("ErrToolExecution", func(t *testing.T) {
		cause := fmt.Errorf("exit status 2")
		err := ErrToolExecution("10.0.0.0/24", cause)
		if err.Code != CodeToolExecution {
			t.Errorf("Expected code %s, got %s", CodeToolExecution, err.Code)
		}
		if err.Unwrap() != cause {
			t.Error("Should unwrap to original error")
		}
	})

	t.Run("ErrPrivilege", func(t *testing.T) {
		err := ErrPrivilege("deep")
		if err.Code != CodePrivilege {
			t.Errorf("Expected code %s, got %s", CodePrivilege, err.Code)
		}
		if err.Profile != "deep" {
			t.Errorf("Expected profile 'deep', got '%s'", err.Profile)
		}
	})

	t.Run("ErrInvalidTarget", func(t *testing.T) {
		err := ErrInvalidTarget("not-a-target")
		if err.Code != CodeTargetInvalid {
			t.Errorf("Expected code %s, got %s", CodeTargetInvalid, err.Code)
		}
		if err.Target != "not-a-target" {
			t.Errorf("Expected target 'not-a-target', got '%s'", err.Target)
		}
	})

	t.Run("ErrDatabaseConnection", func(t *testing.T) {
		cause := fmt.Errorf("connection refused")
		err := ErrDatabaseConnection(cause)
		if err.Code != CodeDatabaseConnection {
			t.Errorf("Expected code %s, got %s", CodeDatabaseConnection, err.Code)
		}
		if err.Unwrap() != cause {
			t.Error("Should unwrap to original error")
		}
	})

	t.Run("ErrDatabaseQuery", func(t *testing.T) {
		cause := fmt.Errorf("syntax error")
		query := "SELECT * FROM missing_table"
		err := ErrDatabaseQuery(query, cause)
		if err.Code != CodeDatabaseQuery {
			t.Errorf("Expected code %s, got %s", CodeDatabaseQuery, err.Code)
		}
		if err.Query != query {
			t.Errorf("Expected query '%s', got '%s'", query, err.Query)
		}
	})

	t.Run("ErrPersistence", func(t *testing.T) {
		cause := fmt.Errorf("deadlock detected")
		err := ErrPersistence("merge_host", cause)
		if err.Code != CodePersistence {
			t.Errorf("Expected code %s, got %s", CodePersistence, err.Code)
		}
		if err.Operation != "merge_host" {
			t.Errorf("Expected operation 'merge_host', got '%s'", err.Operation)
		}
		if err.Unwrap() != cause {
			t.Error("Should unwrap to original error")
		}
	})

	t.Run("ErrConfigInvalid", func(t *testing.T) {
		err := ErrConfigInvalid("port", 65536)
		if err.Code != CodeValidation {
			t.Errorf("Expected code %s, got %s", CodeValidation, err.Code)
		}
		if err.Field != "port" {
			t.Errorf("Expected field 'port', got '%s'", err.Field)
		}
	})

	t.Run("ErrConfigMissing", func(t *testing.T) {
		err := ErrConfigMissing("database.host")
		if err.Code != CodeConfiguration {
			t.Errorf("Expected code %s, got %s", CodeConfiguration, err.Code)
		}
		if err.Value != nil {
			t.Errorf("Expected value nil, got %v", err.Value)
		}
	})
}

func TestErrorUnwrapping(t *testing.T) {
	t.Run("nested error unwrapping", func(t *testing.T) {
		baseErr := fmt.Errorf("base error")
		wrappedErr := fmt.Errorf("wrapped: %w", baseErr)
		scanErr := WrapScanError(CodeToolExecution, "scan failed", wrappedErr)

		if scanErr.Unwrap() != wrappedErr {
			t.Error("Should unwrap to wrapped error")
		}
		if !errors.Is(scanErr, baseErr) {
			t.Error("Should be able to find base error using errors.Is")
		}
	})

	t.Run("nil unwrap", func(t *testing.T) {
		err := NewScanError(CodeValidation, "validation error")
		if err.Unwrap() != nil {
			t.Error("Error without cause should unwrap to nil")
		}
	})
}
