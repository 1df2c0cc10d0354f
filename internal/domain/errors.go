package domain

import "fmt"

// Machine-readable error codes attached to error events on the wire.
const (
	CodeInvalid           = "INVALID"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeRateLimited       = "RATE_LIMITED"
	CodeScreenShareActive = "SCREEN_SHARE_ACTIVE"
	CodeApprovalRequired  = "APPROVAL_REQUIRED"
	CodeInternal          = "INTERNAL"
)

// EventError is the error shape surfaced to a connection: a machine code plus
// a human-readable message. Internal detail never crosses this boundary.
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Holder is set on screen-share conflicts so the rejected caller can
	// request a hand-off from the current sharer.
	Holder *User `json:"currentSharer,omitempty"`
	// RetryAfter is a hint in seconds, set on rate-limit rejections.
	RetryAfter int `json:"retryAfter,omitempty"`
}

func (e *EventError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewValidationError(msg string) *EventError {
	return &EventError{Code: CodeInvalid, Message: msg}
}

func NewAuthorizationError(msg string) *EventError {
	return &EventError{Code: CodeForbidden, Message: msg}
}

func NewNotFoundError(msg string) *EventError {
	return &EventError{Code: CodeNotFound, Message: msg}
}

func NewRateLimitError(retryAfter int) *EventError {
	return &EventError{Code: CodeRateLimited, Message: "too many requests, retry later", RetryAfter: retryAfter}
}

func NewConflictError(holder *User) *EventError {
	return &EventError{Code: CodeScreenShareActive, Message: "another participant is sharing", Holder: holder}
}

func NewApprovalRequiredError() *EventError {
	return &EventError{Code: CodeApprovalRequired, Message: "room requires host approval to join"}
}

// NewInternalError deliberately drops the cause: persistence and engine
// failures are logged with context where they happen, the caller only learns
// that the operation failed.
func NewInternalError() *EventError {
	return &EventError{Code: CodeInternal, Message: "operation failed"}
}

// CodeOf extracts the machine code from any error, defaulting to INTERNAL.
func CodeOf(err error) string {
	if ee, ok := err.(*EventError); ok {
		return ee.Code
	}
	return CodeInternal
}
