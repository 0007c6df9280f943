package store

import (
	"context"
	"encoding/json"
	"time"

	"queuepass/internal/models"
)

type JoinInput struct {
	RequestID       string
	DepartmentID    string
	ParticipantID   string
	ParticipantType string
	JoinedAt        time.Time
}

type CallNextInput struct {
	RequestID    string
	DepartmentID string
	DateKey      string
	WindowID     string
	CalledAt     time.Time
}

type TicketActionInput struct {
	RequestID       string
	TicketID        string
	WindowID        string
	ExpectedVersion int64
	OccurredAt      time.Time
}

// SettingsPatch is a partial settings update; nil fields are left unchanged.
type SettingsPatch struct {
	MaxHoldAttempts                *int  `json:"max_hold_attempts"`
	DisallowDuplicateActiveTickets *bool `json:"disallow_duplicate_active_tickets"`
	UpNextCount                    *int  `json:"up_next_count"`
}

// TicketStore is the authoritative queue engine. Mutating operations are
// idempotent on RequestID: a replay returns the ticket's current state with
// applied=false and never re-runs the transition. The second return value of
// mutating calls reports whether this call applied the transition.
type TicketStore interface {
	Join(ctx context.Context, input JoinInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, bool, error)
	Recall(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	MarkServed(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	HoldNoShow(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	ReturnFromHold(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)

	UpNext(ctx context.Context, departmentID, dateKey string, limit int) ([]models.Ticket, error)
	NowServing(ctx context.Context, departmentID, dateKey string) ([]models.Ticket, error)
	AutoHold(ctx context.Context, grace time.Duration, batchSize int) (int, error)

	ListOutboxEvents(ctx context.Context, offset OutboxOffset, limit int) ([]OutboxEvent, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)

	GetSettings(ctx context.Context) (models.Settings, error)
	UpdateSettings(ctx context.Context, patch SettingsPatch) (models.Settings, error)

	CreateDepartment(ctx context.Context, department models.Department) (models.Department, error)
	ListDepartments(ctx context.Context) ([]models.Department, error)
	SetDepartmentEnabled(ctx context.Context, departmentID string, enabled bool) error
	CreateWindow(ctx context.Context, window models.Window) (models.Window, error)
	ListWindows(ctx context.Context, departmentID string) ([]models.Window, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// OutboxOffset is a composite feed cursor. The feed is totally ordered by
// (created_at, event_id); comparing on both fields keeps events that share a
// created_at with the previous batch's tail from being skipped.
type OutboxOffset struct {
	LastEventTime time.Time `json:"last_event_time"`
	LastEventID   string    `json:"last_event_id"`
}

// Before reports whether an event lies beyond the cursor in feed order.
func (o OutboxOffset) Before(event OutboxEvent) bool {
	if o.LastEventTime.IsZero() && o.LastEventID == "" {
		return true
	}
	if event.CreatedAt.After(o.LastEventTime) {
		return true
	}
	return event.CreatedAt.Equal(o.LastEventTime) && event.EventID > o.LastEventID
}

// Outbox event types, one per transition.
const (
	EventTicketCreated  = "ticket.created"
	EventTicketCalled   = "ticket.called"
	EventTicketRecalled = "ticket.recalled"
	EventTicketServed   = "ticket.served"
	EventTicketHeld     = "ticket.held"
	EventTicketReturned = "ticket.returned"
	EventTicketOut      = "ticket.out"
)

// ValidateSettingsPatch rejects out-of-range values before any field is
// applied; callers must not clamp silently.
func ValidateSettingsPatch(patch SettingsPatch) error {
	if patch.MaxHoldAttempts != nil && *patch.MaxHoldAttempts < 1 {
		return &ValidationError{Reason: "max_hold_attempts must be at least 1"}
	}
	if patch.UpNextCount != nil && *patch.UpNextCount < 0 {
		return &ValidationError{Reason: "up_next_count must not be negative"}
	}
	return nil
}

// ApplySettingsPatch merges a validated patch into current settings.
func ApplySettingsPatch(current models.Settings, patch SettingsPatch) models.Settings {
	if patch.MaxHoldAttempts != nil {
		current.MaxHoldAttempts = *patch.MaxHoldAttempts
	}
	if patch.DisallowDuplicateActiveTickets != nil {
		current.DisallowDuplicateActiveTickets = *patch.DisallowDuplicateActiveTickets
	}
	if patch.UpNextCount != nil {
		current.UpNextCount = *patch.UpNextCount
	}
	return current
}
