package bench

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode allows us to encapsulate specific failure classes for the manager
// and worker processes.
type ErrorCode int

// Error codes for benchmark-related errors.
const (
	NoError ErrorCode = iota
	ErrInvalidConfig
	ErrFailedToReadConfigFile
	ErrWorkerCommunication
	ErrSubmission
	ErrRateController
	ErrWorkloadLifecycle
	ErrReporting
	ErrRoundFailed
	ErrAllWorkersFailed
	ErrKilled
)

// Error wraps an upstream error with one of our error codes.
type Error struct {
	Code     ErrorCode
	Message  string
	Upstream error
}

var _ error = (*Error)(nil)

// NewError creates a new Error from the given code and upstream error (can be
// nil).
func NewError(code ErrorCode, upstream error, additionalInfo ...string) *Error {
	return &Error{
		Code:     code,
		Message:  ErrorMessageForCode(code, additionalInfo...),
		Upstream: upstream,
	}
}

// Errorf is a shorthand for an Error without an upstream cause.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, nil, fmt.Sprintf(format, args...))
}

// Error implements error.
func (e *Error) Error() string {
	if e.Upstream != nil {
		return fmt.Sprintf("%s. Caused by: %s", e.Message, e.Upstream.Error())
	}
	return e.Message
}

// Unwrap exposes the upstream error to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Upstream
}

// ErrorMessageForCode translates the given error code into a human-readable,
// English message.
func ErrorMessageForCode(code ErrorCode, additionalInfo ...string) string {
	var result string
	switch code {
	case NoError:
		result = "No error"
	case ErrInvalidConfig:
		result = "Invalid configuration"
	case ErrFailedToReadConfigFile:
		result = "Failed to read configuration file"
	case ErrWorkerCommunication:
		result = "Worker communication failed"
	case ErrSubmission:
		result = "Transaction submission failed"
	case ErrRateController:
		result = "Rate controller failed"
	case ErrWorkloadLifecycle:
		result = "Workload lifecycle hook failed"
	case ErrReporting:
		result = "Failed to produce report"
	case ErrRoundFailed:
		result = "Round failed"
	case ErrAllWorkersFailed:
		result = "All workers failed"
	case ErrKilled:
		result = "Process killed"
	default:
		return "Unrecognized error"
	}
	if len(additionalInfo) > 0 {
		result = fmt.Sprintf("%s: %s", result, additionalInfo[0])
	}
	return result
}

// IsErrorCode checks whether the given error, or any error it wraps, is an
// Error with the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
