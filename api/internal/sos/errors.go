package sos

import (
	"errors"
	"fmt"

	"sos-mesh-relay/api/internal/validation"
)

var (
	ErrValidation       = validation.ErrInvalid
	ErrNotFound         = errors.New("alert not found")
	ErrConflict         = errors.New("alert conflict")
	ErrNotOriginator    = errors.New("caller is not the originator")
	ErrTransientStorage = errors.New("alert storage unavailable")
)

const (
	ReasonTerminal      = "terminal"
	ReasonNotActive     = "not_active"
	ReasonNotOriginator = "not_originator"
)

// ConflictError reports an operation the alert's current state does not allow.
// errors.Is matches ErrConflict, and ErrNotOriginator for cancellation by
// another device.
type ConflictError struct {
	MessageID string
	Status    string
	Reason    string
}

func (e *ConflictError) Error() string {
	if e.Reason == ReasonNotOriginator {
		return fmt.Sprintf("alert %s: only the originating device may cancel", e.MessageID)
	}
	return fmt.Sprintf("alert %s is %s", e.MessageID, e.Status)
}

func (e *ConflictError) Is(target error) bool {
	if target == ErrConflict {
		return true
	}
	return target == ErrNotOriginator && e.Reason == ReasonNotOriginator
}

// TransientError wraps a storage or lock failure. Retrying is safe.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransientStorage }
