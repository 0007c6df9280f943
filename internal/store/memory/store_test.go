package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"queuepass/internal/models"
	"queuepass/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store  *Store
	clock  *fakeClock
	dept   models.Department
	window models.Window
}

func newTestEnv(t *testing.T, settings models.Settings) *testEnv {
	t.Helper()
	clock := newFakeClock()
	s := NewStore(Options{Settings: settings, Now: clock.Now})

	dept, err := s.CreateDepartment(context.Background(), models.Department{Name: "Registrar", Code: "REG"})
	if err != nil {
		t.Fatalf("CreateDepartment: %v", err)
	}
	window, err := s.CreateWindow(context.Background(), models.Window{DepartmentID: dept.DepartmentID, Name: "Window 1", Number: 1})
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	return &testEnv{store: s, clock: clock, dept: dept, window: window}
}

func (e *testEnv) join(t *testing.T, requestID, participantID string) models.Ticket {
	t.Helper()
	ticket, applied, err := e.store.Join(context.Background(), store.JoinInput{
		RequestID:       requestID,
		DepartmentID:    e.dept.DepartmentID,
		ParticipantID:   participantID,
		ParticipantType: models.ParticipantStudent,
	})
	if err != nil {
		t.Fatalf("Join(%s): %v", participantID, err)
	}
	if !applied {
		t.Fatalf("Join(%s): expected applied", participantID)
	}
	return ticket
}

func (e *testEnv) callNext(t *testing.T, requestID string) models.Ticket {
	t.Helper()
	ticket, _, err := e.store.CallNext(context.Background(), store.CallNextInput{
		RequestID:    requestID,
		DepartmentID: e.dept.DepartmentID,
		WindowID:     e.window.WindowID,
	})
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	return ticket
}

func TestJoinAssignsSequentialNumbers(t *testing.T) {
	env := newTestEnv(t, models.Settings{})

	var prev models.Ticket
	for i, participant := range []string{"s-1", "s-2", "s-3"} {
		ticket := env.join(t, "join-"+participant, participant)
		if ticket.QueueNumber != i+1 {
			t.Fatalf("queue number = %d, want %d", ticket.QueueNumber, i+1)
		}
		if ticket.Status != models.StatusWaiting {
			t.Fatalf("status = %q, want waiting", ticket.Status)
		}
		if i > 0 && !ticket.WaitingSince.After(prev.WaitingSince) {
			t.Fatalf("waiting_since not strictly increasing: %v then %v", prev.WaitingSince, ticket.WaitingSince)
		}
		prev = ticket
	}
}

func TestJoinIdempotentReplay(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	first := env.join(t, "join-1", "s-1")

	replay, applied, err := env.store.Join(context.Background(), store.JoinInput{
		RequestID:       "join-1",
		DepartmentID:    env.dept.DepartmentID,
		ParticipantID:   "s-1",
		ParticipantType: models.ParticipantStudent,
	})
	if err != nil {
		t.Fatalf("replay join: %v", err)
	}
	if applied {
		t.Fatal("replay must not apply")
	}
	if replay.TicketID != first.TicketID || replay.QueueNumber != first.QueueNumber {
		t.Fatalf("replay returned a different ticket: %+v vs %+v", replay, first)
	}
}

func TestJoinDuplicateGuard(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	first := env.join(t, "join-1", "s-1")

	_, _, err := env.store.Join(context.Background(), store.JoinInput{
		RequestID:       "join-2",
		DepartmentID:    env.dept.DepartmentID,
		ParticipantID:   "s-1",
		ParticipantType: models.ParticipantStudent,
	})
	if !errors.Is(err, store.ErrDuplicateActiveTicket) {
		t.Fatalf("err = %v, want duplicate active ticket", err)
	}
	var dup *store.DuplicateTicketError
	if !errors.As(err, &dup) || dup.ExistingTicketID != first.TicketID {
		t.Fatalf("duplicate error does not carry existing ticket id: %v", err)
	}

	// Serving the first ticket makes the participant eligible again.
	called := env.callNext(t, "call-1")
	if _, _, err := env.store.MarkServed(context.Background(), store.TicketActionInput{RequestID: "serve-1", TicketID: called.TicketID}); err != nil {
		t.Fatalf("MarkServed: %v", err)
	}
	env.join(t, "join-3", "s-1")
}

func TestJoinDuplicateGuardDisabled(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	disabled := false
	if _, err := env.store.UpdateSettings(context.Background(), store.SettingsPatch{DisallowDuplicateActiveTickets: &disabled}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	env.join(t, "join-1", "s-1")
	env.join(t, "join-2", "s-1")
}

func TestJoinDepartmentChecks(t *testing.T) {
	env := newTestEnv(t, models.Settings{})

	_, _, err := env.store.Join(context.Background(), store.JoinInput{
		RequestID:       "join-1",
		DepartmentID:    "missing",
		ParticipantID:   "s-1",
		ParticipantType: models.ParticipantStudent,
	})
	if !errors.Is(err, store.ErrDepartmentNotFound) {
		t.Fatalf("err = %v, want department not found", err)
	}

	if err := env.store.SetDepartmentEnabled(context.Background(), env.dept.DepartmentID, false); err != nil {
		t.Fatalf("SetDepartmentEnabled: %v", err)
	}
	_, _, err = env.store.Join(context.Background(), store.JoinInput{
		RequestID:       "join-2",
		DepartmentID:    env.dept.DepartmentID,
		ParticipantID:   "s-1",
		ParticipantType: models.ParticipantStudent,
	})
	if !errors.Is(err, store.ErrDepartmentDisabled) {
		t.Fatalf("err = %v, want department disabled", err)
	}
}

func TestCallNextFIFO(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	first := env.join(t, "join-1", "s-1")
	second := env.join(t, "join-2", "s-2")
	env.join(t, "join-3", "s-3")

	called := env.callNext(t, "call-1")
	if called.TicketID != first.TicketID {
		t.Fatalf("called ticket %d, want head %d", called.QueueNumber, first.QueueNumber)
	}
	if called.Status != models.StatusCalled || called.CalledAt == nil {
		t.Fatalf("called ticket not marked called: %+v", called)
	}
	if called.WindowID == nil || *called.WindowID != env.window.WindowID || called.WindowNumber == nil || *called.WindowNumber != env.window.Number {
		t.Fatalf("window snapshot missing: %+v", called)
	}

	next := env.callNext(t, "call-2")
	if next.TicketID != second.TicketID {
		t.Fatalf("second call got ticket %d, want %d", next.QueueNumber, second.QueueNumber)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	env := newTestEnv(t, models.Settings{})

	_, _, err := env.store.CallNext(context.Background(), store.CallNextInput{
		RequestID:    "call-1",
		DepartmentID: env.dept.DepartmentID,
		WindowID:     env.window.WindowID,
	})
	if !errors.Is(err, store.ErrNoTicket) {
		t.Fatalf("err = %v, want no ticket", err)
	}

	// Replay of the empty claim stays empty even after a join.
	env.join(t, "join-1", "s-1")
	_, _, err = env.store.CallNext(context.Background(), store.CallNextInput{
		RequestID:    "call-1",
		DepartmentID: env.dept.DepartmentID,
		WindowID:     env.window.WindowID,
	})
	if !errors.Is(err, store.ErrNoTicket) {
		t.Fatalf("replay err = %v, want no ticket", err)
	}
}

func TestServeIsTerminal(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	env.join(t, "join-1", "s-1")
	called := env.callNext(t, "call-1")

	served, applied, err := env.store.MarkServed(context.Background(), store.TicketActionInput{RequestID: "serve-1", TicketID: called.TicketID})
	if err != nil || !applied {
		t.Fatalf("MarkServed: applied=%v err=%v", applied, err)
	}
	if served.Status != models.StatusServed || served.ServedAt == nil {
		t.Fatalf("not served: %+v", served)
	}
	if served.WindowID == nil {
		t.Fatal("window snapshot dropped on serve")
	}

	_, _, err = env.store.HoldNoShow(context.Background(), store.TicketActionInput{RequestID: "hold-1", TicketID: called.TicketID})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("hold on served = %v, want invalid transition", err)
	}
	var te *store.TransitionError
	if !errors.As(err, &te) || te.Status != models.StatusServed {
		t.Fatalf("transition error missing status: %v", err)
	}
}

func TestHoldAndReturnToTail(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	first := env.join(t, "join-1", "s-1")
	env.join(t, "join-2", "s-2")

	called := env.callNext(t, "call-1")
	held, _, err := env.store.HoldNoShow(context.Background(), store.TicketActionInput{RequestID: "hold-1", TicketID: called.TicketID})
	if err != nil {
		t.Fatalf("HoldNoShow: %v", err)
	}
	if held.Status != models.StatusHold || held.HoldAttempts != 1 {
		t.Fatalf("hold state wrong: %+v", held)
	}

	returned, _, err := env.store.ReturnFromHold(context.Background(), store.TicketActionInput{RequestID: "return-1", TicketID: called.TicketID})
	if err != nil {
		t.Fatalf("ReturnFromHold: %v", err)
	}
	if returned.Status != models.StatusWaiting {
		t.Fatalf("status = %q, want waiting", returned.Status)
	}
	if returned.WindowID != nil || returned.WindowNumber != nil {
		t.Fatalf("window fields not cleared: %+v", returned)
	}
	if returned.CalledAt == nil {
		t.Fatal("called_at should reflect the most recent call")
	}
	if !returned.WaitingSince.After(first.WaitingSince) {
		t.Fatal("returned ticket did not move behind existing waiters")
	}

	// The untouched second ticket is served before the returned one.
	next := env.callNext(t, "call-2")
	if next.ParticipantID != "s-2" {
		t.Fatalf("tail fairness violated: called %s first", next.ParticipantID)
	}
	again := env.callNext(t, "call-3")
	if again.TicketID != first.TicketID {
		t.Fatalf("returned ticket never re-called: got %s", again.ParticipantID)
	}
}

func TestHoldEvictionAtThreshold(t *testing.T) {
	env := newTestEnv(t, models.Settings{MaxHoldAttempts: 2, DisallowDuplicateActiveTickets: true, UpNextCount: 5})
	ticket := env.join(t, "join-1", "s-1")

	env.callNext(t, "call-1")
	if _, _, err := env.store.HoldNoShow(context.Background(), store.TicketActionInput{RequestID: "hold-1", TicketID: ticket.TicketID}); err != nil {
		t.Fatalf("first hold: %v", err)
	}
	if _, _, err := env.store.ReturnFromHold(context.Background(), store.TicketActionInput{RequestID: "return-1", TicketID: ticket.TicketID}); err != nil {
		t.Fatalf("return: %v", err)
	}
	env.callNext(t, "call-2")

	out, _, err := env.store.HoldNoShow(context.Background(), store.TicketActionInput{RequestID: "hold-2", TicketID: ticket.TicketID})
	if err != nil {
		t.Fatalf("second hold: %v", err)
	}
	if out.Status != models.StatusOut || out.HoldAttempts != 2 || out.OutAt == nil {
		t.Fatalf("not evicted at threshold: %+v", out)
	}

	_, _, err = env.store.ReturnFromHold(context.Background(), store.TicketActionInput{RequestID: "return-2", TicketID: ticket.TicketID})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("return after out = %v, want invalid transition", err)
	}

	// Out is terminal for the ticket but not for the participant.
	env.join(t, "join-2", "s-1")
}

func TestRecall(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	env.join(t, "join-1", "s-1")
	called := env.callNext(t, "call-1")
	firstCallAt := *called.CalledAt

	env.clock.Advance(30 * time.Second)
	recalled, applied, err := env.store.Recall(context.Background(), store.TicketActionInput{
		RequestID: "recall-1",
		TicketID:  called.TicketID,
		WindowID:  env.window.WindowID,
	})
	if err != nil || !applied {
		t.Fatalf("Recall: applied=%v err=%v", applied, err)
	}
	if recalled.Status != models.StatusCalled {
		t.Fatalf("recall changed status to %q", recalled.Status)
	}
	if !recalled.CalledAt.After(firstCallAt) {
		t.Fatal("recall did not refresh called_at")
	}
	if recalled.HoldAttempts != 0 {
		t.Fatal("recall must not touch hold attempts")
	}
}

func TestRecallWindowMismatch(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	other, err := env.store.CreateWindow(context.Background(), models.Window{DepartmentID: env.dept.DepartmentID, Name: "Window 2", Number: 2})
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	env.join(t, "join-1", "s-1")
	called := env.callNext(t, "call-1")

	_, _, err = env.store.Recall(context.Background(), store.TicketActionInput{
		RequestID: "recall-1",
		TicketID:  called.TicketID,
		WindowID:  other.WindowID,
	})
	if !errors.Is(err, store.ErrWindowMismatch) {
		t.Fatalf("err = %v, want window mismatch", err)
	}
}

func TestExpectedVersionConflict(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	env.join(t, "join-1", "s-1")
	called := env.callNext(t, "call-1")

	_, _, err := env.store.MarkServed(context.Background(), store.TicketActionInput{
		RequestID:       "serve-1",
		TicketID:        called.TicketID,
		ExpectedVersion: called.Version + 7,
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("err = %v, want concurrent modification", err)
	}

	served, _, err := env.store.MarkServed(context.Background(), store.TicketActionInput{
		RequestID:       "serve-2",
		TicketID:        called.TicketID,
		ExpectedVersion: called.Version,
	})
	if err != nil {
		t.Fatalf("MarkServed with matching version: %v", err)
	}
	if served.Version != called.Version+1 {
		t.Fatalf("version = %d, want %d", served.Version, called.Version+1)
	}
}

func TestActionReplayReturnsCurrentState(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	env.join(t, "join-1", "s-1")
	called := env.callNext(t, "call-1")

	held, applied, err := env.store.HoldNoShow(context.Background(), store.TicketActionInput{RequestID: "hold-1", TicketID: called.TicketID})
	if err != nil || !applied {
		t.Fatalf("HoldNoShow: applied=%v err=%v", applied, err)
	}

	replay, applied, err := env.store.HoldNoShow(context.Background(), store.TicketActionInput{RequestID: "hold-1", TicketID: called.TicketID})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied {
		t.Fatal("replay must not apply")
	}
	if replay.HoldAttempts != held.HoldAttempts || replay.Version != held.Version {
		t.Fatalf("replay mutated the ticket: %+v vs %+v", replay, held)
	}
}

func TestUpNextCap(t *testing.T) {
	env := newTestEnv(t, models.Settings{MaxHoldAttempts: 4, DisallowDuplicateActiveTickets: true, UpNextCount: 2})
	for _, participant := range []string{"s-1", "s-2", "s-3", "s-4"} {
		env.join(t, "join-"+participant, participant)
	}

	dateKey := models.DateKeyFor(env.clock.Now())
	upNext, err := env.store.UpNext(context.Background(), env.dept.DepartmentID, dateKey, 0)
	if err != nil {
		t.Fatalf("UpNext: %v", err)
	}
	if len(upNext) != 2 {
		t.Fatalf("len = %d, want settings cap 2", len(upNext))
	}
	if upNext[0].QueueNumber != 1 || upNext[1].QueueNumber != 2 {
		t.Fatalf("up next out of order: %d, %d", upNext[0].QueueNumber, upNext[1].QueueNumber)
	}

	capped, err := env.store.UpNext(context.Background(), env.dept.DepartmentID, dateKey, 1)
	if err != nil {
		t.Fatalf("UpNext limit: %v", err)
	}
	if len(capped) != 1 {
		t.Fatalf("len = %d, want explicit limit 1", len(capped))
	}
}

func TestNowServingOrdering(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	second, err := env.store.CreateWindow(context.Background(), models.Window{DepartmentID: env.dept.DepartmentID, Name: "Window 2", Number: 2})
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	env.join(t, "join-1", "s-1")
	env.join(t, "join-2", "s-2")

	env.callNext(t, "call-1")
	if _, _, err := env.store.CallNext(context.Background(), store.CallNextInput{
		RequestID:    "call-2",
		DepartmentID: env.dept.DepartmentID,
		WindowID:     second.WindowID,
	}); err != nil {
		t.Fatalf("CallNext window 2: %v", err)
	}

	dateKey := models.DateKeyFor(env.clock.Now())
	serving, err := env.store.NowServing(context.Background(), env.dept.DepartmentID, dateKey)
	if err != nil {
		t.Fatalf("NowServing: %v", err)
	}
	if len(serving) != 2 {
		t.Fatalf("len = %d, want 2", len(serving))
	}
	if *serving[0].WindowNumber != 1 || *serving[1].WindowNumber != 2 {
		t.Fatalf("not ordered by window number: %d, %d", *serving[0].WindowNumber, *serving[1].WindowNumber)
	}
}

func TestAutoHoldSweepsStaleCalls(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	stale := env.join(t, "join-1", "s-1")
	fresh := env.join(t, "join-2", "s-2")

	env.callNext(t, "call-1")
	env.clock.Advance(10 * time.Minute)
	env.callNext(t, "call-2")

	processed, err := env.store.AutoHold(context.Background(), 5*time.Minute, 100)
	if err != nil {
		t.Fatalf("AutoHold: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	got, err := env.store.GetTicket(context.Background(), stale.TicketID)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if got.Status != models.StatusHold || got.HoldAttempts != 1 {
		t.Fatalf("stale ticket not held: %+v", got)
	}
	untouched, err := env.store.GetTicket(context.Background(), fresh.TicketID)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if untouched.Status != models.StatusCalled {
		t.Fatalf("fresh call swept: %+v", untouched)
	}
}

func TestTicketEventChain(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	ticket := env.join(t, "join-1", "s-1")
	env.clock.Advance(time.Second)
	env.callNext(t, "call-1")
	env.clock.Advance(time.Second)
	if _, _, err := env.store.MarkServed(context.Background(), store.TicketActionInput{RequestID: "serve-1", TicketID: ticket.TicketID}); err != nil {
		t.Fatalf("MarkServed: %v", err)
	}

	events, err := env.store.ListTicketEvents(context.Background(), ticket.TicketID)
	if err != nil {
		t.Fatalf("ListTicketEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	if bad := store.VerifyEventChain(events); bad != 0 {
		t.Fatalf("chain broken at seq %d", bad)
	}

	rehydrated, err := store.RehydrateTicket(events)
	if err != nil {
		t.Fatalf("RehydrateTicket: %v", err)
	}
	if rehydrated.Status != models.StatusServed || rehydrated.TicketID != ticket.TicketID {
		t.Fatalf("rehydrated state wrong: %+v", rehydrated)
	}

	outbox, err := env.store.ListOutboxEvents(context.Background(), store.OutboxOffset{}, 0)
	if err != nil {
		t.Fatalf("ListOutboxEvents: %v", err)
	}
	if len(outbox) != 3 {
		t.Fatalf("outbox len = %d, want 3", len(outbox))
	}
	if outbox[0].Type != store.EventTicketCreated || outbox[2].Type != store.EventTicketServed {
		t.Fatalf("unexpected outbox types: %s .. %s", outbox[0].Type, outbox[2].Type)
	}
}

func TestOutboxCursorPagination(t *testing.T) {
	env := newTestEnv(t, models.Settings{})
	// The clock stands still, so all three events share one created_at and
	// only the event id distinguishes them in feed order.
	for _, participant := range []string{"s-1", "s-2", "s-3"} {
		env.join(t, "join-"+participant, participant)
	}

	seen := make(map[string]bool)
	var offset store.OutboxOffset
	for i := 0; i < 3; i++ {
		batch, err := env.store.ListOutboxEvents(context.Background(), offset, 1)
		if err != nil {
			t.Fatalf("ListOutboxEvents page %d: %v", i, err)
		}
		if len(batch) != 1 {
			t.Fatalf("page %d len = %d, want 1", i, len(batch))
		}
		event := batch[0]
		if seen[event.EventID] {
			t.Fatalf("event %s returned twice", event.EventID)
		}
		seen[event.EventID] = true
		offset.LastEventTime = event.CreatedAt
		offset.LastEventID = event.EventID
	}

	rest, err := env.store.ListOutboxEvents(context.Background(), offset, 10)
	if err != nil {
		t.Fatalf("ListOutboxEvents tail: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("tail len = %d, want 0", len(rest))
	}
}

func TestUpdateSettings(t *testing.T) {
	env := newTestEnv(t, models.Settings{})

	zero := 0
	if _, err := env.store.UpdateSettings(context.Background(), store.SettingsPatch{MaxHoldAttempts: &zero}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}

	max := 6
	updated, err := env.store.UpdateSettings(context.Background(), store.SettingsPatch{MaxHoldAttempts: &max})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if updated.MaxHoldAttempts != 6 {
		t.Fatalf("max_hold_attempts = %d, want 6", updated.MaxHoldAttempts)
	}

	got, err := env.store.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got != updated {
		t.Fatalf("GetSettings mismatch: %+v vs %+v", got, updated)
	}
}
