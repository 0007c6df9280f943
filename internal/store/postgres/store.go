package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"queuepass/internal/models"
	"queuepass/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_id, department_id, date_key, queue_number, participant_id, participant_type,
	status, hold_attempts, window_id, window_number, waiting_since, called_at, served_at, out_at,
	created_at, updated_at, version`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var windowID sql.NullString
	var windowNumber sql.NullInt32
	var calledAt, servedAt, outAt sql.NullTime
	err := row.Scan(
		&ticket.TicketID, &ticket.DepartmentID, &ticket.DateKey, &ticket.QueueNumber,
		&ticket.ParticipantID, &ticket.ParticipantType, &ticket.Status, &ticket.HoldAttempts,
		&windowID, &windowNumber, &ticket.WaitingSince, &calledAt, &servedAt, &outAt,
		&ticket.CreatedAt, &ticket.UpdatedAt, &ticket.Version,
	)
	if err != nil {
		return models.Ticket{}, err
	}
	if windowID.Valid {
		value := windowID.String
		ticket.WindowID = &value
	}
	if windowNumber.Valid {
		value := int(windowNumber.Int32)
		ticket.WindowNumber = &value
	}
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.ServedAt = nullTimePtr(servedAt)
	ticket.OutAt = nullTimePtr(outAt)
	return ticket, nil
}

func (s *Store) Join(ctx context.Context, input store.JoinInput) (models.Ticket, bool, error) {
	if input.RequestID == "" || input.DepartmentID == "" || input.ParticipantID == "" {
		return models.Ticket{}, false, &store.ValidationError{Reason: "request_id, department_id, and participant_id are required"}
	}
	if !models.ValidParticipantType(input.ParticipantType) {
		return models.Ticket{}, false, &store.ValidationError{Reason: "unknown participant_type"}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	var enabled bool
	row := tx.QueryRow(ctx, `SELECT enabled FROM departments WHERE department_id = $1`, input.DepartmentID)
	if err = row.Scan(&enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrDepartmentNotFound
		}
		return models.Ticket{}, false, err
	}
	if !enabled {
		err = store.ErrDepartmentDisabled
		return models.Ticket{}, false, err
	}

	joinedAt := input.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}
	joinedAt = joinedAt.UTC()
	dateKey := models.DateKeyFor(joinedAt)

	// Serialize joins per participant/partition so the duplicate guard and the
	// insert are atomic with respect to a concurrent join.
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, input.ParticipantID+"|"+input.DepartmentID+"|"+dateKey); err != nil {
		return models.Ticket{}, false, err
	}

	settings, err := getSettingsTx(ctx, tx)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if settings.DisallowDuplicateActiveTickets {
		var existingID string
		row = tx.QueryRow(ctx, `
			SELECT ticket_id
			FROM tickets
			WHERE participant_id = $1 AND department_id = $2 AND date_key = $3
				AND status IN ('waiting', 'called', 'hold')
			LIMIT 1
		`, input.ParticipantID, input.DepartmentID, dateKey)
		if err = row.Scan(&existingID); err == nil {
			err = &store.DuplicateTicketError{ExistingTicketID: existingID}
			return models.Ticket{}, false, err
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, err
		}
		err = nil
	}

	var queueNumber int
	row = tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (department_id, date_key, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (department_id, date_key)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, input.DepartmentID, dateKey)
	if err = row.Scan(&queueNumber); err != nil {
		return models.Ticket{}, false, err
	}

	// waiting_since must sort after every ticket currently waiting in the
	// partition even when clocks collide at microsecond resolution.
	row = tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, department_id, date_key, queue_number,
			participant_id, participant_type, status, hold_attempts, waiting_since,
			created_at, updated_at, version
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, 'waiting', 0,
			GREATEST($8::timestamptz, COALESCE((
				SELECT MAX(waiting_since) + interval '1 microsecond'
				FROM tickets
				WHERE department_id = $3 AND date_key = $4 AND status = 'waiting'
			), $8::timestamptz)),
			$8, $8, 1
		RETURNING `+ticketColumns,
		uuid.NewString(), input.RequestID, input.DepartmentID, dateKey, queueNumber,
		input.ParticipantID, input.ParticipantType, joinedAt)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertEvents(ctx, tx, ticket, store.EventTicketCreated); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	if input.RequestID == "" || input.DepartmentID == "" || input.WindowID == "" {
		return models.Ticket{}, false, &store.ValidationError{Reason: "request_id, department_id, and window_id are required"}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, store.ActionCallNext, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrNoTicket
		}
		return existing, false, nil
	}

	var departmentEnabled bool
	row := tx.QueryRow(ctx, `SELECT enabled FROM departments WHERE department_id = $1`, input.DepartmentID)
	if err = row.Scan(&departmentEnabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrDepartmentNotFound
		}
		return models.Ticket{}, false, err
	}
	if !departmentEnabled {
		err = store.ErrDepartmentDisabled
		return models.Ticket{}, false, err
	}

	var windowDepartment string
	var windowNumber int
	var windowEnabled bool
	row = tx.QueryRow(ctx, `SELECT department_id, number, enabled FROM service_windows WHERE window_id = $1`, input.WindowID)
	if err = row.Scan(&windowDepartment, &windowNumber, &windowEnabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrWindowNotFound
		}
		return models.Ticket{}, false, err
	}
	if windowDepartment != input.DepartmentID {
		err = &store.ValidationError{Reason: "window does not belong to department"}
		return models.Ticket{}, false, err
	}
	if !windowEnabled {
		err = store.ErrWindowDisabled
		return models.Ticket{}, false, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	calledAt = calledAt.UTC()
	dateKey := input.DateKey
	if dateKey == "" {
		dateKey = models.DateKeyFor(calledAt)
	}

	row = tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE department_id = $1 AND date_key = $2 AND status = 'waiting'
			ORDER BY waiting_since ASC, queue_number ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = 'called',
			window_id = $3,
			window_number = $4,
			called_at = $5,
			updated_at = $5,
			version = version + 1
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING `+qualifiedTicketColumns("tickets"),
		input.DepartmentID, dateKey, input.WindowID, windowNumber, calledAt)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err = insertActionRequest(ctx, tx, store.ActionCallNext, input.RequestID, input.DepartmentID, input.WindowID, ""); err != nil {
				return models.Ticket{}, false, err
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{}, false, store.ErrNoTicket
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, store.ActionCallNext, input.RequestID, input.DepartmentID, input.WindowID, ticket.TicketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertEvents(ctx, tx, ticket, store.EventTicketCalled); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) Recall(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	if input.WindowID == "" {
		return models.Ticket{}, false, &store.ValidationError{Reason: "window_id is required"}
	}
	return s.applyAction(ctx, store.ActionRecall, models.StatusCalled, input, true, func(occurredAt time.Time) (string, []interface{}, string) {
		return `called_at = $%d, updated_at = $%d`, []interface{}{occurredAt, occurredAt}, store.EventTicketRecalled
	}, nil)
}

func (s *Store) MarkServed(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyAction(ctx, store.ActionServe, models.StatusCalled, input, false, func(occurredAt time.Time) (string, []interface{}, string) {
		return `status = 'served', served_at = $%d, updated_at = $%d`, []interface{}{occurredAt, occurredAt}, store.EventTicketServed
	}, nil)
}

func (s *Store) HoldNoShow(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyAction(ctx, store.ActionHold, models.StatusCalled, input, false, nil, func(ctx context.Context, tx pgx.Tx, occurredAt time.Time) (string, []interface{}, string, error) {
		settings, err := getSettingsTx(ctx, tx)
		if err != nil {
			return "", nil, "", err
		}
		set := `hold_attempts = hold_attempts + 1,
			status = CASE WHEN hold_attempts + 1 >= $%d THEN 'out' ELSE 'hold' END,
			out_at = CASE WHEN hold_attempts + 1 >= $%d THEN $%d ELSE out_at END,
			updated_at = $%d`
		return set, []interface{}{settings.MaxHoldAttempts, settings.MaxHoldAttempts, occurredAt, occurredAt}, "", nil
	})
}

func (s *Store) ReturnFromHold(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	return s.applyAction(ctx, store.ActionReturn, models.StatusHold, input, false, func(occurredAt time.Time) (string, []interface{}, string) {
		set := `status = 'waiting',
			window_id = NULL,
			window_number = NULL,
			waiting_since = GREATEST($%d::timestamptz, COALESCE((
				SELECT MAX(w.waiting_since) + interval '1 microsecond'
				FROM tickets w
				WHERE w.department_id = tickets.department_id
					AND w.date_key = tickets.date_key
					AND w.status = 'waiting'
			), $%d::timestamptz)),
			updated_at = $%d`
		return set, []interface{}{occurredAt, occurredAt, occurredAt}, store.EventTicketReturned
	}, nil)
}

type setClauseFn func(occurredAt time.Time) (string, []interface{}, string)
type setClauseTxFn func(ctx context.Context, tx pgx.Tx, occurredAt time.Time) (string, []interface{}, string, error)

// applyAction runs one status-conditioned, version-checked ticket update
// inside a transaction, with request-id replay protection and event emission.
// The set clause uses $%d placeholders that are renumbered after the leading
// ticket_id parameter.
func (s *Store) applyAction(ctx context.Context, action, fromStatus string, input store.TicketActionInput, requireWindow bool, setClause setClauseFn, setClauseTx setClauseTxFn) (ticket models.Ticket, applied bool, err error) {
	if input.RequestID == "" || input.TicketID == "" {
		return models.Ticket{}, false, &store.ValidationError{Reason: "request_id and ticket_id are required"}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, _, err := findActionRequest(ctx, tx, action, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	occurredAt = occurredAt.UTC()

	var set string
	var setArgs []interface{}
	var eventType string
	if setClauseTx != nil {
		set, setArgs, eventType, err = setClauseTx(ctx, tx, occurredAt)
		if err != nil {
			return models.Ticket{}, false, err
		}
	} else {
		set, setArgs, eventType = setClause(occurredAt)
	}

	args := []interface{}{input.TicketID}
	placeholders := make([]interface{}, 0, len(setArgs))
	for _, arg := range setArgs {
		args = append(args, arg)
		placeholders = append(placeholders, len(args))
	}
	set = fmt.Sprintf(set, placeholders...)

	query := `UPDATE tickets SET version = version + 1, ` + set + ` WHERE ticket_id = $1 AND status = '` + fromStatus + `'`
	if input.WindowID != "" {
		args = append(args, input.WindowID)
		query += fmt.Sprintf(" AND window_id = $%d", len(args))
	}
	if input.ExpectedVersion > 0 {
		args = append(args, input.ExpectedVersion)
		query += fmt.Sprintf(" AND version = $%d", len(args))
	}
	query += " RETURNING " + ticketColumns

	row := tx.QueryRow(ctx, query, args...)
	ticket, err = scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyUpdateMiss(ctx, tx, action, input, requireWindow, fromStatus)
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if eventType == "" {
		// Hold outcome depends on the attempt count the update produced.
		eventType = store.EventTicketHeld
		if ticket.Status == models.StatusOut {
			eventType = store.EventTicketOut
		}
	}

	if err = insertActionRequest(ctx, tx, action, input.RequestID, ticket.DepartmentID, input.WindowID, ticket.TicketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertEvents(ctx, tx, ticket, eventType); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// classifyUpdateMiss distinguishes why a conditioned update matched nothing.
func classifyUpdateMiss(ctx context.Context, tx pgx.Tx, action string, input store.TicketActionInput, requireWindow bool, fromStatus string) error {
	var status string
	var windowID sql.NullString
	var version int64
	row := tx.QueryRow(ctx, `SELECT status, window_id, version FROM tickets WHERE ticket_id = $1`, input.TicketID)
	if err := row.Scan(&status, &windowID, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		return err
	}
	if input.ExpectedVersion > 0 && version != input.ExpectedVersion {
		return store.ErrConcurrentModification
	}
	if status != fromStatus {
		return &store.TransitionError{Action: action, Status: status}
	}
	if input.WindowID != "" && (!windowID.Valid || windowID.String != input.WindowID) {
		return store.ErrWindowMismatch
	}
	if requireWindow && !windowID.Valid {
		return store.ErrWindowMismatch
	}
	return store.ErrConcurrentModification
}

func (s *Store) UpNext(ctx context.Context, departmentID, dateKey string, limit int) ([]models.Ticket, error) {
	settings, err := getSettingsTx(ctx, s.pool)
	if err != nil {
		return nil, err
	}
	effective := settings.UpNextCount
	if limit > 0 && limit < effective {
		effective = limit
	}
	if effective <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE department_id = $1 AND date_key = $2 AND status = 'waiting'
		ORDER BY waiting_since ASC, queue_number ASC
		LIMIT $3
	`, departmentID, dateKey, effective)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTickets(rows)
}

func (s *Store) NowServing(ctx context.Context, departmentID, dateKey string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE department_id = $1 AND date_key = $2 AND status = 'called'
		ORDER BY window_number ASC, queue_number ASC
	`, departmentID, dateKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTickets(rows)
}

func (s *Store) AutoHold(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	settings, err := getSettingsTx(ctx, tx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	cutoff := now.Add(-grace)
	rows, err := tx.Query(ctx, `
		SELECT ticket_id
		FROM tickets
		WHERE status = 'called' AND called_at <= $1
		ORDER BY called_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	for _, id := range ids {
		row := tx.QueryRow(ctx, `
			UPDATE tickets
			SET hold_attempts = hold_attempts + 1,
				status = CASE WHEN hold_attempts + 1 >= $2 THEN 'out' ELSE 'hold' END,
				out_at = CASE WHEN hold_attempts + 1 >= $2 THEN $3 ELSE out_at END,
				updated_at = $3,
				version = version + 1
			WHERE ticket_id = $1 AND status = 'called'
			RETURNING `+ticketColumns, id, settings.MaxHoldAttempts, now)
		ticket, scanErr := scanTicket(row)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				continue
			}
			err = scanErr
			return 0, err
		}
		eventType := store.EventTicketHeld
		if ticket.Status == models.StatusOut {
			eventType = store.EventTicketOut
		}
		if err = insertEvents(ctx, tx, ticket, eventType); err != nil {
			return 0, err
		}
		processed++
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return processed, nil
}

const zeroUUID = "00000000-0000-0000-0000-000000000000"

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	lastID := offset.LastEventID
	if lastID == "" {
		lastID = zeroUUID
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE created_at > $1 OR (created_at = $1 AND event_id > $2)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, offset.LastEventTime, lastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticketID)
	if err := row.Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrTicketNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	return getSettingsTx(ctx, s.pool)
}

func (s *Store) UpdateSettings(ctx context.Context, patch store.SettingsPatch) (models.Settings, error) {
	if err := store.ValidateSettingsPatch(patch); err != nil {
		return models.Settings{}, err
	}

	var settings models.Settings
	row := s.pool.QueryRow(ctx, `
		UPDATE settings
		SET max_hold_attempts = COALESCE($1, max_hold_attempts),
			disallow_duplicate_active = COALESCE($2, disallow_duplicate_active),
			up_next_count = COALESCE($3, up_next_count)
		WHERE singleton
		RETURNING max_hold_attempts, disallow_duplicate_active, up_next_count
	`, patch.MaxHoldAttempts, patch.DisallowDuplicateActiveTickets, patch.UpNextCount)
	if err := row.Scan(&settings.MaxHoldAttempts, &settings.DisallowDuplicateActiveTickets, &settings.UpNextCount); err != nil {
		return models.Settings{}, err
	}
	return settings, nil
}

func (s *Store) CreateDepartment(ctx context.Context, department models.Department) (models.Department, error) {
	if department.Name == "" || department.Code == "" {
		return models.Department{}, &store.ValidationError{Reason: "name and code are required"}
	}
	if department.DepartmentID == "" {
		department.DepartmentID = uuid.NewString()
	}
	department.Enabled = true

	_, err := s.pool.Exec(ctx, `
		INSERT INTO departments (department_id, name, code, enabled)
		VALUES ($1, $2, $3, TRUE)
	`, department.DepartmentID, department.Name, department.Code)
	if err != nil {
		return models.Department{}, err
	}
	return department, nil
}

func (s *Store) ListDepartments(ctx context.Context) ([]models.Department, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT department_id, name, code, enabled
		FROM departments
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var departments []models.Department
	for rows.Next() {
		var department models.Department
		if err := rows.Scan(&department.DepartmentID, &department.Name, &department.Code, &department.Enabled); err != nil {
			return nil, err
		}
		departments = append(departments, department)
	}
	return departments, rows.Err()
}

func (s *Store) SetDepartmentEnabled(ctx context.Context, departmentID string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE departments SET enabled = $1 WHERE department_id = $2
	`, enabled, departmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDepartmentNotFound
	}
	return nil
}

func (s *Store) CreateWindow(ctx context.Context, window models.Window) (models.Window, error) {
	if window.Name == "" {
		return models.Window{}, &store.ValidationError{Reason: "name is required"}
	}
	if window.Number < 1 {
		return models.Window{}, &store.ValidationError{Reason: "number must be positive"}
	}
	if window.WindowID == "" {
		window.WindowID = uuid.NewString()
	}
	window.Enabled = true

	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM departments WHERE department_id = $1)`, window.DepartmentID)
	if err := row.Scan(&exists); err != nil {
		return models.Window{}, err
	}
	if !exists {
		return models.Window{}, store.ErrDepartmentNotFound
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_windows (window_id, department_id, name, number, enabled)
		VALUES ($1, $2, $3, $4, TRUE)
	`, window.WindowID, window.DepartmentID, window.Name, window.Number)
	if err != nil {
		return models.Window{}, err
	}
	return window, nil
}

func (s *Store) ListWindows(ctx context.Context, departmentID string) ([]models.Window, error) {
	query := `SELECT window_id, department_id, name, number, enabled FROM service_windows`
	args := []interface{}{}
	if departmentID != "" {
		query += ` WHERE department_id = $1`
		args = append(args, departmentID)
	}
	query += ` ORDER BY number ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []models.Window
	for rows.Next() {
		var window models.Window
		if err := rows.Scan(&window.WindowID, &window.DepartmentID, &window.Name, &window.Number, &window.Enabled); err != nil {
			return nil, err
		}
		windows = append(windows, window)
	}
	return windows, rows.Err()
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func getSettingsTx(ctx context.Context, q queryRower) (models.Settings, error) {
	var settings models.Settings
	row := q.QueryRow(ctx, `
		SELECT max_hold_attempts, disallow_duplicate_active, up_next_count
		FROM settings
		WHERE singleton
	`)
	if err := row.Scan(&settings.MaxHoldAttempts, &settings.DisallowDuplicateActiveTickets, &settings.UpNextCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DefaultSettings(), nil
		}
		return models.Settings{}, err
	}
	return settings, nil
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = requestID
	return ticket, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Ticket, bool, bool, error) {
	var ticketID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_id
		FROM ticket_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, err
	}
	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}

	row = tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID.String)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	ticket.RequestID = requestID
	return ticket, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, departmentID, windowID, ticketID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_action_requests (request_id, action, department_id, window_id, ticket_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, nullIfEmpty(departmentID), nullIfEmpty(windowID), nullIfEmpty(ticketID))
	return err
}

// insertEvents writes the outbox event and appends to the ticket's
// hash-chained audit log in the same transaction as the transition.
func insertEvents(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string) error {
	payload, err := store.EventPayload(ticket)
	if err != nil {
		return err
	}
	createdAt := time.Now().UTC()

	if _, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payload, createdAt); err != nil {
		return err
	}

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticket.TicketID); err != nil {
		return err
	}
	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
		FOR UPDATE
	`, ticket.TicketID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	hash := store.ComputeTicketEventHash(prev, ticket.TicketID, eventType, payload, createdAt, nextSeq)

	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ticket.TicketID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func qualifiedTicketColumns(table string) string {
	return table + `.ticket_id, ` + table + `.department_id, ` + table + `.date_key, ` + table + `.queue_number, ` +
		table + `.participant_id, ` + table + `.participant_type, ` + table + `.status, ` + table + `.hold_attempts, ` +
		table + `.window_id, ` + table + `.window_number, ` + table + `.waiting_since, ` + table + `.called_at, ` +
		table + `.served_at, ` + table + `.out_at, ` + table + `.created_at, ` + table + `.updated_at, ` + table + `.version`
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
