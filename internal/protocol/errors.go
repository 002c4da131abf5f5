package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass classifies a failure so callers can decide how to react
type ErrorClass string

const (
	ClassTargetUnavailable       ErrorClass = "TargetUnavailable"
	ClassStreamAcquisitionFailed ErrorClass = "StreamAcquisitionFailed"
	ClassSessionAlreadyActive    ErrorClass = "SessionAlreadyActive"
	ClassHostUnresponsive        ErrorClass = "HostUnresponsive"
	ClassSizeLimitExceeded       ErrorClass = "SizeLimitExceeded"
	ClassNoAudioCaptured         ErrorClass = "NoAudioCaptured"
	ClassNoActiveSession         ErrorClass = "NoActiveSession"
	ClassCaptureHeld             ErrorClass = "CaptureHeld"
	ClassPermissionPending       ErrorClass = "PermissionPending"
	ClassInvalidMessage          ErrorClass = "InvalidMessage"
	ClassMessageTooLarge         ErrorClass = "MessageTooLarge"
	ClassStorageFailure          ErrorClass = "StorageFailure"
	ClassTranscriptionFailed     ErrorClass = "TranscriptionFailed"
	ClassInternal                ErrorClass = "Internal"
)

// Error is a classified failure. Two errors match under errors.Is when
// their classes are equal, so the Err* values below work as sentinels.
type Error struct {
	Class   ErrorClass
	Message string
	Cause   error
}

// Class sentinels for errors.Is
var (
	ErrTargetUnavailable       = &Error{Class: ClassTargetUnavailable}
	ErrStreamAcquisitionFailed = &Error{Class: ClassStreamAcquisitionFailed}
	ErrSessionAlreadyActive    = &Error{Class: ClassSessionAlreadyActive}
	ErrHostUnresponsive        = &Error{Class: ClassHostUnresponsive}
	ErrSizeLimitExceeded       = &Error{Class: ClassSizeLimitExceeded}
	ErrNoAudioCaptured         = &Error{Class: ClassNoAudioCaptured}
	ErrNoActiveSession         = &Error{Class: ClassNoActiveSession}
	ErrCaptureHeld             = &Error{Class: ClassCaptureHeld}
	ErrPermissionPending       = &Error{Class: ClassPermissionPending}
	ErrInvalidMessage          = &Error{Class: ClassInvalidMessage}
	ErrMessageTooLarge         = &Error{Class: ClassMessageTooLarge}
	ErrStorageFailure          = &Error{Class: ClassStorageFailure}
	ErrTranscriptionFailed     = &Error{Class: ClassTranscriptionFailed}
)

// NewError creates a classified error wrapping cause
func NewError(class ErrorClass, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Cause: cause}
}

// Errorf creates a classified error with a formatted message
func Errorf(class ErrorClass, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Class)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on class only
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Class == e.Class
}

// ClassOf returns the outermost classification of err
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassInternal
}

// PayloadFromError converts err into its wire form. A classified cause
// keeps its own class so errors.Is still matches after the round trip.
func PayloadFromError(err error) ErrorPayload {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorPayload{Class: ClassInternal, Message: err.Error()}
	}

	p := ErrorPayload{Class: e.Class, Message: err.Error()}

	var cause *Error
	if err == error(e) && e.Cause != nil && errors.As(e.Cause, &cause) {
		p.Message = e.Message
		p.CauseClass = cause.Class
		p.CauseMessage = e.Cause.Error()
	}

	return p
}

// Err rebuilds the classified error described by the payload
func (p ErrorPayload) Err() error {
	e := &Error{Class: p.Class, Message: p.Message}
	if p.CauseClass != "" {
		e.Cause = &Error{Class: p.CauseClass, Message: p.CauseMessage}
	}
	return e
}

// RetryPolicy describes how a failure class is retried locally
type RetryPolicy struct {
	Retryable   bool
	MaxAttempts int
	Delay       time.Duration
}

// RetryPolicies maps transient classes to their local retry policy.
// Classes not listed propagate immediately.
var RetryPolicies = map[ErrorClass]RetryPolicy{
	ClassCaptureHeld:       {Retryable: true, MaxAttempts: 3, Delay: 500 * time.Millisecond},
	ClassPermissionPending: {Retryable: true, MaxAttempts: 3, Delay: 500 * time.Millisecond},
	ClassHostUnresponsive:  {Retryable: true, MaxAttempts: 5, Delay: 300 * time.Millisecond},
}

// PolicyFor returns the retry policy of class, the zero policy if none
func PolicyFor(class ErrorClass) RetryPolicy {
	return RetryPolicies[class]
}

// IsTransient reports whether err or any classified error it wraps has a
// retryable policy
func IsTransient(err error) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if PolicyFor(e.Class).Retryable {
			return true
		}
		err = e.Cause
	}
	return false
}
