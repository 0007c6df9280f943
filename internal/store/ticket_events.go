package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"queuepass/internal/models"
)

// TicketEvent is one entry in a ticket's hash-chained audit log. The chain
// makes post-hoc tampering with a ticket's transition history detectable.
type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID        string     `json:"ticket_id"`
	DepartmentID    string     `json:"department_id"`
	DateKey         string     `json:"date_key"`
	QueueNumber     int        `json:"queue_number"`
	ParticipantID   string     `json:"participant_id"`
	ParticipantType string     `json:"participant_type"`
	Status          string     `json:"status"`
	HoldAttempts    int        `json:"hold_attempts"`
	WindowID        *string    `json:"window_id"`
	WindowNumber    *int       `json:"window_number"`
	WaitingSince    *time.Time `json:"waiting_since"`
	CalledAt        *time.Time `json:"called_at"`
	ServedAt        *time.Time `json:"served_at"`
	OutAt           *time.Time `json:"out_at"`
	CreatedAt       *time.Time `json:"created_at"`
}

// EventPayload serializes the observable ticket state carried by outbox and
// audit events for a given transition.
func EventPayload(ticket models.Ticket) (json.RawMessage, error) {
	payload := eventPayload{
		TicketID:        ticket.TicketID,
		DepartmentID:    ticket.DepartmentID,
		DateKey:         ticket.DateKey,
		QueueNumber:     ticket.QueueNumber,
		ParticipantID:   ticket.ParticipantID,
		ParticipantType: ticket.ParticipantType,
		Status:          ticket.Status,
		HoldAttempts:    ticket.HoldAttempts,
		WindowID:        ticket.WindowID,
		WindowNumber:    ticket.WindowNumber,
		CalledAt:        ticket.CalledAt,
		ServedAt:        ticket.ServedAt,
		OutAt:           ticket.OutAt,
	}
	if !ticket.WaitingSince.IsZero() {
		since := ticket.WaitingSince
		payload.WaitingSince = &since
	}
	if !ticket.CreatedAt.IsZero() {
		created := ticket.CreatedAt
		payload.CreatedAt = &created
	}
	return json.Marshal(payload)
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyEventChain recomputes each hash against its predecessor and reports
// the first sequence number that fails, or 0 when the chain is intact.
func VerifyEventChain(events []TicketEvent) int {
	prev := ""
	for _, event := range events {
		expected := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != expected || event.PrevHash != prev {
			return event.TicketSeq
		}
		prev = event.Hash
	}
	return 0
}

// RehydrateTicket folds an event log back into the ticket's latest state,
// used to cross-check the stored row against its audit trail.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.DepartmentID != "" {
			ticket.DepartmentID = payload.DepartmentID
		}
		if payload.DateKey != "" {
			ticket.DateKey = payload.DateKey
		}
		if payload.QueueNumber != 0 {
			ticket.QueueNumber = payload.QueueNumber
		}
		if payload.ParticipantID != "" {
			ticket.ParticipantID = payload.ParticipantID
		}
		if payload.ParticipantType != "" {
			ticket.ParticipantType = payload.ParticipantType
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		ticket.HoldAttempts = payload.HoldAttempts
		ticket.WindowID = payload.WindowID
		ticket.WindowNumber = payload.WindowNumber
		if payload.WaitingSince != nil {
			ticket.WaitingSince = *payload.WaitingSince
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		ticket.CalledAt = payload.CalledAt
		ticket.ServedAt = payload.ServedAt
		ticket.OutAt = payload.OutAt
	}
	return ticket, nil
}
