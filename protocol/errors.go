package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a protocol-level failure. Codes group into validation,
// routing, protocol, task, and system families.
type ErrorCode string

// Validation errors.
const (
	CodeMissingField       ErrorCode = "MISSING_FIELD"
	CodeInvalidFieldType   ErrorCode = "INVALID_FIELD_TYPE"
	CodeInvalidEnumValue   ErrorCode = "INVALID_ENUM_VALUE"
	CodeSchemaMismatch     ErrorCode = "SCHEMA_MISMATCH"
	CodeSizeExceeded       ErrorCode = "SIZE_EXCEEDED"
	CodeInvalidMessageID   ErrorCode = "INVALID_MESSAGE_ID"
	CodeInvalidTimestamp   ErrorCode = "INVALID_TIMESTAMP"
	CodeInvalidAgentID     ErrorCode = "INVALID_AGENT_ID"
	CodeBusinessRule       ErrorCode = "BUSINESS_RULE_VIOLATION"
)

// Routing errors.
const (
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeInvalidReceiver    ErrorCode = "INVALID_RECEIVER"
	CodeChannelUnavailable ErrorCode = "CHANNEL_UNAVAILABLE"
	CodeBroadcastPartial   ErrorCode = "BROADCAST_PARTIAL_FAILURE"
)

// Protocol errors.
const (
	CodeVersionUnsupported ErrorCode = "VERSION_UNSUPPORTED"
	CodeMalformedMessage   ErrorCode = "MALFORMED_MESSAGE"
	CodeMissingCorrelation ErrorCode = "MISSING_CORRELATION"
	CodeDeliveryTimeout    ErrorCode = "DELIVERY_TIMEOUT"
	CodeDuplicateMessage   ErrorCode = "DUPLICATE_MESSAGE_ID"
	CodeUnexpectedType     ErrorCode = "UNEXPECTED_MESSAGE_TYPE"
)

// Task errors.
const (
	CodeTaskNotFound        ErrorCode = "TASK_NOT_FOUND"
	CodeTaskAlreadyAssigned ErrorCode = "TASK_ALREADY_ASSIGNED"
	CodeTaskExecutionFailed ErrorCode = "TASK_EXECUTION_FAILED"
	CodeMissingDependency   ErrorCode = "MISSING_DEPENDENCY"
	CodeTaskTimeout         ErrorCode = "TASK_TIMEOUT"
	CodeInvalidTransition   ErrorCode = "INVALID_STATE_TRANSITION"
)

// System errors.
const (
	CodeFilesystemError  ErrorCode = "FILESYSTEM_ERROR"
	CodeDiskFull         ErrorCode = "DISK_FULL"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeChannelLocked    ErrorCode = "CHANNEL_LOCKED"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// Error is a discrete protocol error record: code, human message, severity,
// the field concerned (if any), expected/actual values, and remediation
// suggestions. It satisfies the error interface so it can flow through
// ordinary error returns.
type Error struct {
	Code        ErrorCode `json:"errorCode"`
	Message     string    `json:"errorMessage"`
	Severity    Severity  `json:"severity"`
	Recoverable bool      `json:"recoverable"`
	Field       string    `json:"field,omitempty"`
	Expected    any       `json:"expected,omitempty"`
	Actual      any       `json:"actual,omitempty"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a protocol error with medium severity; callers adjust
// fields as needed.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg, Severity: SeverityMedium, Recoverable: true}
}

// Recoverable reports whether err carries a recoverable protocol error.
// Plain errors are treated as recoverable (transient until proven otherwise).
func Recoverable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Recoverable
	}
	return true
}
