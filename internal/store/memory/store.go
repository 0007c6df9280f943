package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"queuepass/internal/models"
	"queuepass/internal/store"

	"github.com/google/uuid"
)

// Store is the in-memory authoritative queue engine. A single mutex
// serializes every mutation, so head claims and per-ticket transitions are
// atomic; every write bumps the ticket version for optimistic concurrency
// checks at the API boundary.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	settings    models.Settings
	tickets     map[string]*models.Ticket
	departments map[string]*models.Department
	windows     map[string]*models.Window

	sequences   map[string]int       // partition -> last assigned queue number
	lastWaiting map[string]time.Time // partition -> last assigned waiting_since

	joins   map[string]string        // join request_id -> ticket_id
	actions map[string]actionOutcome // action|request_id -> outcome

	outbox []store.OutboxEvent
	events map[string][]store.TicketEvent
}

type actionOutcome struct {
	ticketID string
	empty    bool
}

type Options struct {
	Settings models.Settings
	Now      func() time.Time
}

func NewStore(options Options) *Store {
	settings := options.Settings
	if settings.MaxHoldAttempts <= 0 {
		settings = models.DefaultSettings()
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		now:         now,
		settings:    settings,
		tickets:     make(map[string]*models.Ticket),
		departments: make(map[string]*models.Department),
		windows:     make(map[string]*models.Window),
		sequences:   make(map[string]int),
		lastWaiting: make(map[string]time.Time),
		joins:       make(map[string]string),
		actions:     make(map[string]actionOutcome),
		events:      make(map[string][]store.TicketEvent),
	}
}

func partitionKey(departmentID, dateKey string) string {
	return departmentID + "|" + dateKey
}

// tick hands out waiting_since values that are strictly increasing within a
// partition, so the WAITING order is a total order even when the wall clock
// repeats a reading.
func (s *Store) tick(partition string, at time.Time) time.Time {
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()
	if last, ok := s.lastWaiting[partition]; ok && !at.After(last) {
		at = last.Add(time.Microsecond)
	}
	s.lastWaiting[partition] = at
	return at
}

func (s *Store) Join(ctx context.Context, input store.JoinInput) (models.Ticket, bool, error) {
	if input.RequestID == "" || input.DepartmentID == "" || input.ParticipantID == "" {
		return models.Ticket{}, false, &store.ValidationError{Reason: "request_id, department_id, and participant_id are required"}
	}
	if !models.ValidParticipantType(input.ParticipantType) {
		return models.Ticket{}, false, &store.ValidationError{Reason: "unknown participant_type"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ticketID, ok := s.joins[input.RequestID]; ok {
		return cloneTicket(s.tickets[ticketID]), false, nil
	}

	department, ok := s.departments[input.DepartmentID]
	if !ok {
		return models.Ticket{}, false, store.ErrDepartmentNotFound
	}
	if !department.Enabled {
		return models.Ticket{}, false, store.ErrDepartmentDisabled
	}

	joinedAt := input.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = s.now()
	}
	joinedAt = joinedAt.UTC()
	dateKey := models.DateKeyFor(joinedAt)

	if s.settings.DisallowDuplicateActiveTickets {
		for _, ticket := range s.tickets {
			if ticket.ParticipantID == input.ParticipantID &&
				ticket.DepartmentID == input.DepartmentID &&
				ticket.DateKey == dateKey &&
				models.IsActive(ticket.Status) {
				return models.Ticket{}, false, &store.DuplicateTicketError{ExistingTicketID: ticket.TicketID}
			}
		}
	}

	partition := partitionKey(input.DepartmentID, dateKey)
	s.sequences[partition]++

	ticket := &models.Ticket{
		TicketID:        uuid.NewString(),
		DepartmentID:    input.DepartmentID,
		DateKey:         dateKey,
		QueueNumber:     s.sequences[partition],
		ParticipantID:   input.ParticipantID,
		ParticipantType: input.ParticipantType,
		Status:          models.StatusWaiting,
		WaitingSince:    s.tick(partition, joinedAt),
		CreatedAt:       joinedAt,
		UpdatedAt:       joinedAt,
		Version:         1,
		RequestID:       input.RequestID,
	}
	s.tickets[ticket.TicketID] = ticket
	s.joins[input.RequestID] = ticket.TicketID
	s.appendEvent(ticket, store.EventTicketCreated)

	return cloneTicket(ticket), true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return cloneTicket(ticket), nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	if input.RequestID == "" || input.DepartmentID == "" || input.WindowID == "" {
		return models.Ticket{}, false, &store.ValidationError{Reason: "request_id, department_id, and window_id are required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if outcome, ok := s.actions[store.ActionCallNext+"|"+input.RequestID]; ok {
		if outcome.empty {
			return models.Ticket{}, false, store.ErrNoTicket
		}
		return cloneTicket(s.tickets[outcome.ticketID]), false, nil
	}

	department, ok := s.departments[input.DepartmentID]
	if !ok {
		return models.Ticket{}, false, store.ErrDepartmentNotFound
	}
	if !department.Enabled {
		return models.Ticket{}, false, store.ErrDepartmentDisabled
	}
	window, ok := s.windows[input.WindowID]
	if !ok {
		return models.Ticket{}, false, store.ErrWindowNotFound
	}
	if window.DepartmentID != input.DepartmentID {
		return models.Ticket{}, false, &store.ValidationError{Reason: "window does not belong to department"}
	}
	if !window.Enabled {
		return models.Ticket{}, false, store.ErrWindowDisabled
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = s.now()
	}
	calledAt = calledAt.UTC()
	dateKey := input.DateKey
	if dateKey == "" {
		dateKey = models.DateKeyFor(calledAt)
	}

	head := s.head(input.DepartmentID, dateKey)
	if head == nil {
		s.actions[store.ActionCallNext+"|"+input.RequestID] = actionOutcome{empty: true}
		return models.Ticket{}, false, store.ErrNoTicket
	}

	windowID := window.WindowID
	windowNumber := window.Number
	head.Status = models.StatusCalled
	head.WindowID = &windowID
	head.WindowNumber = &windowNumber
	head.CalledAt = &calledAt
	head.UpdatedAt = calledAt
	head.Version++
	head.RequestID = input.RequestID

	s.actions[store.ActionCallNext+"|"+input.RequestID] = actionOutcome{ticketID: head.TicketID}
	s.appendEvent(head, store.EventTicketCalled)

	return cloneTicket(head), true, nil
}

// head returns the earliest WAITING ticket in a partition, ordering by
// waiting_since then queue_number.
func (s *Store) head(departmentID, dateKey string) *models.Ticket {
	var best *models.Ticket
	for _, ticket := range s.tickets {
		if ticket.DepartmentID != departmentID || ticket.DateKey != dateKey || ticket.Status != models.StatusWaiting {
			continue
		}
		if best == nil || waitsBefore(ticket, best) {
			best = ticket
		}
	}
	return best
}

func waitsBefore(a, b *models.Ticket) bool {
	if !a.WaitingSince.Equal(b.WaitingSince) {
		return a.WaitingSince.Before(b.WaitingSince)
	}
	return a.QueueNumber < b.QueueNumber
}

func (s *Store) Recall(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	if input.WindowID == "" {
		return models.Ticket{}, false, &store.ValidationError{Reason: "window_id is required"}
	}
	return s.applyAction(store.ActionRecall, input, true, func(ticket *models.Ticket, at time.Time) string {
		ticket.CalledAt = &at
		return store.EventTicketRecalled
	})
}

func (s *Store) MarkServed(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyAction(store.ActionServe, input, false, func(ticket *models.Ticket, at time.Time) string {
		ticket.Status = models.StatusServed
		ticket.ServedAt = &at
		return store.EventTicketServed
	})
}

func (s *Store) HoldNoShow(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyAction(store.ActionHold, input, false, func(ticket *models.Ticket, at time.Time) string {
		return s.applyHold(ticket, at)
	})
}

// applyHold increments the attempt counter and moves the ticket to hold or,
// at the configured threshold, to out. Callers hold s.mu.
func (s *Store) applyHold(ticket *models.Ticket, at time.Time) string {
	ticket.HoldAttempts++
	ticket.Status = store.HoldOutcome(ticket.HoldAttempts, s.settings.MaxHoldAttempts)
	if ticket.Status == models.StatusOut {
		ticket.OutAt = &at
		return store.EventTicketOut
	}
	return store.EventTicketHeld
}

func (s *Store) ReturnFromHold(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyAction(store.ActionReturn, input, false, func(ticket *models.Ticket, at time.Time) string {
		partition := partitionKey(ticket.DepartmentID, ticket.DateKey)
		ticket.Status = models.StatusWaiting
		ticket.WindowID = nil
		ticket.WindowNumber = nil
		ticket.WaitingSince = s.tick(partition, at)
		return store.EventTicketReturned
	})
}

func (s *Store) applyAction(action string, input store.TicketActionInput, requireWindow bool, apply func(*models.Ticket, time.Time) string) (models.Ticket, bool, error) {
	if input.RequestID == "" || input.TicketID == "" {
		return models.Ticket{}, false, &store.ValidationError{Reason: "request_id and ticket_id are required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if outcome, ok := s.actions[action+"|"+input.RequestID]; ok {
		return cloneTicket(s.tickets[outcome.ticketID]), false, nil
	}

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	if input.ExpectedVersion > 0 && ticket.Version != input.ExpectedVersion {
		return models.Ticket{}, false, store.ErrConcurrentModification
	}
	if !store.ValidTransition(action, ticket.Status) {
		return models.Ticket{}, false, &store.TransitionError{Action: action, Status: ticket.Status}
	}
	if input.WindowID != "" && ticket.WindowID != nil && *ticket.WindowID != input.WindowID {
		return models.Ticket{}, false, store.ErrWindowMismatch
	}
	if requireWindow && ticket.WindowID == nil {
		return models.Ticket{}, false, store.ErrWindowMismatch
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	occurredAt = occurredAt.UTC()

	eventType := apply(ticket, occurredAt)
	ticket.UpdatedAt = occurredAt
	ticket.Version++
	ticket.RequestID = input.RequestID

	s.actions[action+"|"+input.RequestID] = actionOutcome{ticketID: ticket.TicketID}
	s.appendEvent(ticket, eventType)

	return cloneTicket(ticket), true, nil
}

func (s *Store) UpNext(ctx context.Context, departmentID, dateKey string, limit int) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	effective := s.settings.UpNextCount
	if limit > 0 && limit < effective {
		effective = limit
	}
	if effective <= 0 {
		return nil, nil
	}

	var waiting []*models.Ticket
	for _, ticket := range s.tickets {
		if ticket.DepartmentID == departmentID && ticket.DateKey == dateKey && ticket.Status == models.StatusWaiting {
			waiting = append(waiting, ticket)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waitsBefore(waiting[i], waiting[j]) })
	if len(waiting) > effective {
		waiting = waiting[:effective]
	}

	result := make([]models.Ticket, 0, len(waiting))
	for _, ticket := range waiting {
		result = append(result, cloneTicket(ticket))
	}
	return result, nil
}

func (s *Store) NowServing(ctx context.Context, departmentID, dateKey string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var called []*models.Ticket
	for _, ticket := range s.tickets {
		if ticket.DepartmentID == departmentID && ticket.DateKey == dateKey && ticket.Status == models.StatusCalled {
			called = append(called, ticket)
		}
	}
	sort.Slice(called, func(i, j int) bool {
		a, b := called[i], called[j]
		an, bn := 0, 0
		if a.WindowNumber != nil {
			an = *a.WindowNumber
		}
		if b.WindowNumber != nil {
			bn = *b.WindowNumber
		}
		if an != bn {
			return an < bn
		}
		return a.QueueNumber < b.QueueNumber
	})

	result := make([]models.Ticket, 0, len(called))
	for _, ticket := range called {
		result = append(result, cloneTicket(ticket))
	}
	return result, nil
}

func (s *Store) AutoHold(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-grace)
	var stale []*models.Ticket
	for _, ticket := range s.tickets {
		if ticket.Status != models.StatusCalled || ticket.CalledAt == nil {
			continue
		}
		if !ticket.CalledAt.After(cutoff) {
			stale = append(stale, ticket)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CalledAt.Before(*stale[j].CalledAt) })
	if len(stale) > batchSize {
		stale = stale[:batchSize]
	}

	for _, ticket := range stale {
		eventType := s.applyHold(ticket, now)
		ticket.UpdatedAt = now
		ticket.Version++
		s.appendEvent(ticket, eventType)
	}
	return len(stale), nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if !offset.Before(event) {
			continue
		}
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].EventID < events[j].EventID
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	return append([]store.TicketEvent(nil), s.events[ticketID]...), nil
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func (s *Store) UpdateSettings(ctx context.Context, patch store.SettingsPatch) (models.Settings, error) {
	if err := store.ValidateSettingsPatch(patch); err != nil {
		return models.Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = store.ApplySettingsPatch(s.settings, patch)
	return s.settings, nil
}

func (s *Store) CreateDepartment(ctx context.Context, department models.Department) (models.Department, error) {
	if strings.TrimSpace(department.Name) == "" || strings.TrimSpace(department.Code) == "" {
		return models.Department{}, &store.ValidationError{Reason: "name and code are required"}
	}
	if department.DepartmentID == "" {
		department.DepartmentID = uuid.NewString()
	}
	department.Enabled = true

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := department
	s.departments[department.DepartmentID] = &stored
	return department, nil
}

func (s *Store) ListDepartments(ctx context.Context) ([]models.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	departments := make([]models.Department, 0, len(s.departments))
	for _, department := range s.departments {
		departments = append(departments, *department)
	}
	sort.Slice(departments, func(i, j int) bool { return departments[i].Name < departments[j].Name })
	return departments, nil
}

func (s *Store) SetDepartmentEnabled(ctx context.Context, departmentID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	department, ok := s.departments[departmentID]
	if !ok {
		return store.ErrDepartmentNotFound
	}
	department.Enabled = enabled
	return nil
}

func (s *Store) CreateWindow(ctx context.Context, window models.Window) (models.Window, error) {
	if strings.TrimSpace(window.Name) == "" {
		return models.Window{}, &store.ValidationError{Reason: "name is required"}
	}
	if window.Number < 1 {
		return models.Window{}, &store.ValidationError{Reason: "number must be positive"}
	}
	if window.WindowID == "" {
		window.WindowID = uuid.NewString()
	}
	window.Enabled = true

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.departments[window.DepartmentID]; !ok {
		return models.Window{}, store.ErrDepartmentNotFound
	}
	stored := window
	s.windows[window.WindowID] = &stored
	return window, nil
}

func (s *Store) ListWindows(ctx context.Context, departmentID string) ([]models.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var windows []models.Window
	for _, window := range s.windows {
		if departmentID == "" || window.DepartmentID == departmentID {
			windows = append(windows, *window)
		}
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Number < windows[j].Number })
	return windows, nil
}

// appendEvent records the transition in the outbox and on the ticket's
// hash-chained audit log. Callers hold s.mu.
func (s *Store) appendEvent(ticket *models.Ticket, eventType string) {
	payload, err := store.EventPayload(*ticket)
	if err != nil {
		return
	}
	createdAt := s.now()

	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
	})

	chain := s.events[ticket.TicketID]
	prev := ""
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	seq := len(chain) + 1
	s.events[ticket.TicketID] = append(chain, store.TicketEvent{
		TicketID:  ticket.TicketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeTicketEventHash(prev, ticket.TicketID, eventType, payload, createdAt, seq),
	})
}

func cloneTicket(ticket *models.Ticket) models.Ticket {
	if ticket == nil {
		return models.Ticket{}
	}
	clone := *ticket
	if ticket.WindowID != nil {
		value := *ticket.WindowID
		clone.WindowID = &value
	}
	if ticket.WindowNumber != nil {
		value := *ticket.WindowNumber
		clone.WindowNumber = &value
	}
	if ticket.CalledAt != nil {
		value := *ticket.CalledAt
		clone.CalledAt = &value
	}
	if ticket.ServedAt != nil {
		value := *ticket.ServedAt
		clone.ServedAt = &value
	}
	if ticket.OutAt != nil {
		value := *ticket.OutAt
		clone.OutAt = &value
	}
	return clone
}
