package store

import (
	"errors"
	"fmt"
)

var (
	ErrTicketNotFound         = errors.New("ticket not found")
	ErrDepartmentNotFound     = errors.New("department not found")
	ErrWindowNotFound         = errors.New("window not found")
	ErrDepartmentDisabled     = errors.New("department disabled")
	ErrWindowDisabled         = errors.New("window disabled")
	ErrInvalidTransition      = errors.New("transition not allowed from current status")
	ErrDuplicateActiveTicket  = errors.New("participant already has an active ticket")
	ErrValidation             = errors.New("invalid input")
	ErrConcurrentModification = errors.New("ticket was modified concurrently")
	ErrWindowMismatch         = errors.New("ticket is held by a different window")
	ErrNoTicket               = errors.New("no ticket available")
)

// TransitionError reports the action and the status that rejected it.
// Matches ErrInvalidTransition under errors.Is.
type TransitionError struct {
	Action string
	Status string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %q not allowed from status %q", e.Action, e.Status)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// DuplicateTicketError carries the conflicting active ticket so callers can
// surface it. Matches ErrDuplicateActiveTicket under errors.Is.
type DuplicateTicketError struct {
	ExistingTicketID string
}

func (e *DuplicateTicketError) Error() string {
	return fmt.Sprintf("participant already has active ticket %s", e.ExistingTicketID)
}

func (e *DuplicateTicketError) Unwrap() error { return ErrDuplicateActiveTicket }

// ValidationError wraps ErrValidation with a field-level reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return ErrValidation }
