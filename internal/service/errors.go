// Package service provides business logic implementations.
package service

import (
	"errors"
	"fmt"
)

// Kind classifies domain errors for transports.
type Kind int

// Error kinds.
const (
	KindValidation Kind = iota + 1
	KindAuth
	KindNotFound
	KindConflict
	KindNotActive
)

// Error is a domain error with a kind. The transports map the kind onto a
// status code and show Message to the caller.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Common errors for marathon operations.
var (
	ErrInvalidInput        = &Error{Kind: KindValidation, Message: "invalid input"}
	ErrAccountNotFound     = &Error{Kind: KindNotFound, Message: "account not found"}
	ErrCodeNotFound        = &Error{Kind: KindNotFound, Message: "code not found"}
	ErrCodeExpired         = &Error{Kind: KindConflict, Message: "code expired"}
	ErrCodeUsed            = &Error{Kind: KindConflict, Message: "code already used"}
	ErrCodeForeign         = &Error{Kind: KindAuth, Message: "code belongs to another user"}
	ErrDeviceMismatch      = &Error{Kind: KindAuth, Message: "account is bound to another device"}
	ErrDeviceRequired      = &Error{Kind: KindAuth, Message: "device id required"}
	ErrNotActive           = &Error{Kind: KindNotActive, Message: "program is not active"}
	ErrNotReady            = &Error{Kind: KindConflict, Message: "registration and setup must be completed first"}
	ErrCertificateNotReady = &Error{Kind: KindConflict, Message: "certificate is available after the final day"}
	ErrChallengeLocked     = &Error{Kind: KindConflict, Message: "challenge opens later in the program"}
	ErrNothingToRollback   = &Error{Kind: KindNotFound, Message: "no kick to roll back"}
)

// invalid returns a validation error carrying a specific message.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of a domain error, or 0 for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
