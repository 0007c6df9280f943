package models

import "time"

// Ticket is a single visit to a department queue. Queue numbering and FIFO
// ordering are scoped to the (department_id, date_key) partition.
type Ticket struct {
	TicketID        string     `json:"ticket_id"`
	DepartmentID    string     `json:"department_id"`
	DateKey         string     `json:"date_key"`
	QueueNumber     int        `json:"queue_number"`
	ParticipantID   string     `json:"participant_id"`
	ParticipantType string     `json:"participant_type"`
	Status          string     `json:"status"`
	HoldAttempts    int        `json:"hold_attempts"`
	WindowID        *string    `json:"window_id,omitempty"`
	WindowNumber    *int       `json:"window_number,omitempty"`
	WaitingSince    time.Time  `json:"waiting_since"`
	CalledAt        *time.Time `json:"called_at,omitempty"`
	ServedAt        *time.Time `json:"served_at,omitempty"`
	OutAt           *time.Time `json:"out_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int64      `json:"version"`
	RequestID       string     `json:"request_id,omitempty"`
}

const (
	StatusWaiting = "waiting"
	StatusCalled  = "called"
	StatusHold    = "hold"
	StatusOut     = "out"
	StatusServed  = "served"
)

const (
	ParticipantStudent = "student"
	ParticipantAlumni  = "alumni"
	ParticipantVisitor = "visitor"
	ParticipantGuest   = "guest"
)

// IsTerminal reports whether no further transitions are accepted.
func IsTerminal(status string) bool {
	return status == StatusServed || status == StatusOut
}

// IsActive reports whether a ticket still occupies the participant's slot in
// the queue for duplicate-join purposes.
func IsActive(status string) bool {
	switch status {
	case StatusWaiting, StatusCalled, StatusHold:
		return true
	default:
		return false
	}
}

func ValidParticipantType(value string) bool {
	switch value {
	case ParticipantStudent, ParticipantAlumni, ParticipantVisitor, ParticipantGuest:
		return true
	default:
		return false
	}
}

const dateKeyLayout = "2006-01-02"

// DateKeyFor returns the calendar-day partition key for an instant, in UTC.
func DateKeyFor(t time.Time) string {
	return t.UTC().Format(dateKeyLayout)
}

func ValidDateKey(value string) bool {
	_, err := time.Parse(dateKeyLayout, value)
	return err == nil
}
