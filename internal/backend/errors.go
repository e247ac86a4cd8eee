package backend

import (
	"errors"
	"fmt"
)

// ErrorCode classifies backend/platform-layer failures.
type ErrorCode string

const (
	CodeCreationFailed     ErrorCode = "CREATION_FAILED"
	CodeReconnectionFailed ErrorCode = "RECONNECTION_FAILED"
	CodeExecutionFailed    ErrorCode = "EXECUTION_FAILED"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeUnavailable        ErrorCode = "UNAVAILABLE"
)

// SandboxError is the typed error for sandbox lifecycle and platform faults.
// It never reaches clients directly: the executor wraps it into a generic
// "temporarily unavailable" message at the result boundary.
type SandboxError struct {
	Code      ErrorCode
	Op        string
	SandboxID string
	Err       error
}

func (e *SandboxError) Error() string {
	msg := fmt.Sprintf("sandbox %s: %s", e.Op, e.Code)
	if e.SandboxID != "" {
		msg += fmt.Sprintf(" (sandbox %s)", e.SandboxID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SandboxError) Unwrap() error { return e.Err }

// NewSandboxError wraps err with a code and the operation that failed.
func NewSandboxError(code ErrorCode, op, sandboxID string, err error) *SandboxError {
	return &SandboxError{Code: code, Op: op, SandboxID: sandboxID, Err: err}
}

// SandboxErrorCode extracts the code from err, or "" if err is not a
// SandboxError.
func SandboxErrorCode(err error) ErrorCode {
	var se *SandboxError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
