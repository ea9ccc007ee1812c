package models

import (
	"errors"
	"fmt"
	"strings"
)

// Wire names for the error kinds, used as the "error" field of {ok:false} bodies.
const (
	KindValidationError = "ValidationError"
	KindAuthError       = "AuthError"
	KindSessionExpired  = "SessionExpired"
	KindQueueError      = "QueueError"
	KindNotFound        = "NotFound"
	KindRateLimited     = "RateLimited"
	KindInternal        = "InternalError"
)

// FieldError names one rejected request field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a create request is malformed. No record is written.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// AuthError means the OOB approval could not be exchanged yet.
type AuthError struct {
	Retryable bool
	Reason    string
}

func (e *AuthError) Error() string {
	if e.Retryable {
		return "auth not yet approved: " + e.Reason
	}
	return "auth failed: " + e.Reason
}

// ErrSessionExpired means the OOB window elapsed and the gate must be restarted.
var ErrSessionExpired = errors.New("auth session expired")

// QueueError means an enqueue could not be accepted. The caller may retry.
type QueueError struct {
	Reason string
	Cause  error
}

func (e *QueueError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("enqueue rejected: %s: %v", e.Reason, e.Cause)
	}
	return "enqueue rejected: " + e.Reason
}

func (e *QueueError) Unwrap() error {
	return e.Cause
}

// WorkerError is a terminal failure reported by the automation worker.
type WorkerError struct {
	Code    ErrorCode
	Message string
}

func (e *WorkerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// Guidance is the fixed advice for the code.
func (e *WorkerError) Guidance() string {
	return Guidance(e.Code)
}
