package session

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes session errors.
type ErrorKind string

const (
	// InitializationFailure: the overlay could not create an identity.
	// The session has no handle and never will.
	InitializationFailure ErrorKind = "initialization_failure"

	// SendFailure: a send request could not be encoded or the overlay
	// rejected it. ID names the request.
	SendFailure ErrorKind = "send_failure"

	// ReceiveLoopFailure: the receive primitive failed. The listener has
	// stopped and is not restarted.
	ReceiveLoopFailure ErrorKind = "receive_loop_failure"

	// ProtocolError: the host supplied an unusable address.
	ProtocolError ErrorKind = "protocol_error"
)

// SessionError is emitted as an event for every session failure.
// It also implements error so hosts can wrap and inspect it.
type SessionError struct {
	// Kind identifies the failure category.
	Kind ErrorKind

	// ID is the correlation id of the failed send. Empty for other kinds.
	ID CorrelationID

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e SessionError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %v (id=%s)", e.Kind, e.Cause, e.ID)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

// Unwrap returns the cause.
func (e SessionError) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind of the SessionError in err's chain, if any.
func KindOf(err error) (ErrorKind, bool) {
	var se SessionError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// IsSendFailure reports whether err is a SendFailure session error.
// Uses errors.As to handle wrapped errors.
func IsSendFailure(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == SendFailure
}

// IsInitializationFailure reports whether err is an InitializationFailure
// session error.
func IsInitializationFailure(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == InitializationFailure
}
