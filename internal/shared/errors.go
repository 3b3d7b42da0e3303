package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates an illegal state transition or invalid input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrAuth indicates the polling agent presented credentials that do not match.
	ErrAuth = errors.New("authentication failed")
	// ErrTransientSync marks an external failure that may succeed on retry.
	ErrTransientSync = errors.New("transient sync failure")
	// ErrTerminalSync marks an external failure that needs operator action.
	ErrTerminalSync = errors.New("terminal sync failure")
)

// Error pairs one of the sentinel kinds with a human readable message.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Is reports whether target is the error kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ValidationError builds an ErrValidation with a formatted message.
func ValidationError(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError builds an ErrNotFound naming the missing resource.
func NotFoundError(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// AuthError builds an ErrAuth.
func AuthError(message string) error {
	return &Error{Kind: ErrAuth, Message: message}
}

// SyncError describes a failed exchange with the external bookkeeping system.
type SyncError struct {
	Err       error
	Retryable bool
	Code      string
	Message   string
}

func (e *SyncError) Error() string {
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransientSync or ErrTerminalSync depending on retryability.
func (e *SyncError) Is(target error) bool {
	if e.Retryable {
		return target == ErrTransientSync
	}
	return target == ErrTerminalSync
}

// TransientSyncError builds a retryable SyncError.
func TransientSyncError(code, message string) *SyncError {
	return &SyncError{Retryable: true, Code: code, Message: message}
}

// TerminalSyncError builds a non-retryable SyncError.
func TerminalSyncError(code, message string) *SyncError {
	return &SyncError{Retryable: false, Code: code, Message: message}
}
