package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies host failures
type ErrorCode string

const (
	CodeLoadTimeout       ErrorCode = "LOAD_TIMEOUT"
	CodeLoadValidation    ErrorCode = "LOAD_VALIDATION"
	CodeAdmissionLimit    ErrorCode = "ADMISSION_LIMIT"
	CodeRuntimeFault      ErrorCode = "RUNTIME_FAULT"
	CodeResourceViolation ErrorCode = "RESOURCE_VIOLATION"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodePolicyDenied      ErrorCode = "POLICY_DENIED"
	CodeAppNotFound       ErrorCode = "APP_NOT_FOUND"
)

// Recoverable reports whether errors with this code may be retried
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeLoadTimeout, CodeRuntimeFault, CodeResourceViolation:
		return true
	}
	return false
}

// AppError is the error type surfaced by the lifecycle, sandbox and
// authorization layers.
type AppError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	AppID       string    `json:"app_id,omitempty"`
	Recoverable bool      `json:"recoverable"`
	RetryCount  int       `json:"retry_count"`
	Timestamp   time.Time `json:"timestamp"`
	Cause       error     `json:"-"`
}

// Sentinels for errors.Is comparisons; matching is by code.
var (
	ErrLoadTimeout       = &AppError{Code: CodeLoadTimeout, Message: "app load timed out"}
	ErrLoadValidation    = &AppError{Code: CodeLoadValidation, Message: "app failed validation"}
	ErrAdmissionLimit    = &AppError{Code: CodeAdmissionLimit, Message: "concurrent app limit reached"}
	ErrRuntimeFault      = &AppError{Code: CodeRuntimeFault, Message: "app runtime fault"}
	ErrResourceViolation = &AppError{Code: CodeResourceViolation, Message: "resource limit exceeded"}
	ErrPermissionDenied  = &AppError{Code: CodePermissionDenied, Message: "permission denied"}
	ErrPolicyDenied      = &AppError{Code: CodePolicyDenied, Message: "denied by policy"}
	ErrAppNotFound       = &AppError{Code: CodeAppNotFound, Message: "app not found"}
)

// NewAppError builds an AppError whose recoverability follows its code
func NewAppError(code ErrorCode, appID, message string, cause error) *AppError {
	return &AppError{
		Code:        code,
		Message:     message,
		AppID:       appID,
		Recoverable: code.Recoverable(),
		Timestamp:   time.Now(),
		Cause:       cause,
	}
}

// Error implements error
func (e *AppError) Error() string {
	prefix := string(e.Code)
	if e.AppID != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Code, e.AppID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithRetry returns a copy carrying the given retry count
func (e *AppError) WithRetry(n int) *AppError {
	cp := *e
	cp.RetryCount = n
	return &cp
}

// AsAppError extracts an AppError from err's chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in err's chain, or ""
func CodeOf(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ""
}

// ToAppError wraps arbitrary errors as a runtime fault for appID
func ToAppError(err error, appID string) *AppError {
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	return NewAppError(CodeRuntimeFault, appID, "unexpected failure", err)
}
