package core

import (
	"errors"
	"fmt"
)

// Kind categorizes dispatch and scheduling failures.
type Kind string

const (
	// KindInvalidSchedule is returned to scheduling callers when the target
	// instant cannot be parsed or is too close to now.
	KindInvalidSchedule Kind = "invalid_schedule"
	// KindUserUnresolved means the owner reference maps to no single user.
	KindUserUnresolved Kind = "user_unresolved"
	// KindCredentialExpired means the user must reconnect before posting.
	KindCredentialExpired Kind = "credential_expired"
	// KindEmptyContent means the body is blank after trimming.
	KindEmptyContent Kind = "empty_content"
	// KindPublishTransient covers network errors, rate limits and 5xx.
	KindPublishTransient Kind = "publish_transient"
	// KindImageUploadDegraded marks a post that went out without its image.
	KindImageUploadDegraded Kind = "image_upload_degraded"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf returns the outermost Kind in err's chain, or "" when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether a later cycle may succeed where this one failed.
// Unclassified errors count as transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUserUnresolved, KindCredentialExpired, KindEmptyContent, KindInvalidSchedule:
		return false
	}
	return err != nil
}
