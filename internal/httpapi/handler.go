package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"queuepass/internal/models"
	"queuepass/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.TicketStore
}

func NewHandler(store store.TicketStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/", h.handleTicketSubtree)
	mux.HandleFunc("/api/queue/up-next", h.handleUpNext)
	mux.HandleFunc("/api/queue/now-serving", h.handleNowServing)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/admin/settings", h.handleSettings)
	mux.HandleFunc("/api/admin/departments", h.handleDepartments)
	mux.HandleFunc("/api/admin/departments/", h.handleDepartmentSubtree)
	mux.HandleFunc("/api/admin/windows", h.handleWindows)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type joinRequest struct {
	RequestID       string `json:"request_id"`
	DepartmentID    string `json:"department_id"`
	ParticipantID   string `json:"participant_id"`
	ParticipantType string `json:"participant_type"`
}

type callNextRequest struct {
	RequestID    string `json:"request_id"`
	DepartmentID string `json:"department_id"`
	DateKey      string `json:"date_key"`
	WindowID     string `json:"window_id"`
}

type ticketActionRequest struct {
	RequestID       string `json:"request_id"`
	WindowID        string `json:"window_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req joinRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	req.ParticipantType = strings.TrimSpace(req.ParticipantType)

	if req.RequestID == "" || req.DepartmentID == "" || req.ParticipantID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, department_id, and participant_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.DepartmentID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and department_id must be UUIDs")
		return
	}
	if req.ParticipantType == "" {
		req.ParticipantType = models.ParticipantVisitor
	}
	if !models.ValidParticipantType(req.ParticipantType) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "unknown participant_type")
		return
	}

	ticket, _, err := h.store.Join(r.Context(), store.JoinInput{
		RequestID:       req.RequestID,
		DepartmentID:    req.DepartmentID,
		ParticipantID:   req.ParticipantID,
		ParticipantType: req.ParticipantType,
		JoinedAt:        time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	req.DateKey = strings.TrimSpace(req.DateKey)
	req.WindowID = strings.TrimSpace(req.WindowID)

	if req.RequestID == "" || req.DepartmentID == "" || req.WindowID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, department_id, and window_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.DepartmentID) || !isValidUUID(req.WindowID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, department_id, and window_id must be UUIDs")
		return
	}
	if req.DateKey != "" && !models.ValidDateKey(req.DateKey) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "date_key must be YYYY-MM-DD")
		return
	}

	ticket, _, err := h.store.CallNext(r.Context(), store.CallNextInput{
		RequestID:    req.RequestID,
		DepartmentID: req.DepartmentID,
		DateKey:      req.DateKey,
		WindowID:     req.WindowID,
		CalledAt:     time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNoTicket) {
			writeError(w, req.RequestID, http.StatusConflict, "queue_empty", "no tickets waiting")
			return
		}
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		h.handleGetTicket(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		h.handleTicketEvents(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTicketAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	events, err := h.store.ListTicketEvents(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	var req ticketActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.WindowID = strings.TrimSpace(req.WindowID)
	if req.RequestID == "" || !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.WindowID != "" && !isValidUUID(req.WindowID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "window_id must be a UUID when provided")
		return
	}
	if req.ExpectedVersion < 0 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "expected_version must not be negative")
		return
	}

	input := store.TicketActionInput{
		RequestID:       req.RequestID,
		TicketID:        ticketID,
		WindowID:        req.WindowID,
		ExpectedVersion: req.ExpectedVersion,
		OccurredAt:      time.Now().UTC(),
	}

	var ticket models.Ticket
	var err error
	switch action {
	case "recall":
		if req.WindowID == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "window_id is required")
			return
		}
		ticket, _, err = h.store.Recall(r.Context(), input)
	case "serve":
		ticket, _, err = h.store.MarkServed(r.Context(), input)
	case "hold":
		ticket, _, err = h.store.HoldNoShow(r.Context(), input)
	case "return":
		ticket, _, err = h.store.ReturnFromHold(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleUpNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	departmentID, dateKey, ok := queuePartition(w, r)
	if !ok {
		return
	}
	limit := 0
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	tickets, err := h.store.UpNext(r.Context(), departmentID, dateKey, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleNowServing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	departmentID, dateKey, ok := queuePartition(w, r)
	if !ok {
		return
	}

	tickets, err := h.store.NowServing(r.Context(), departmentID, dateKey)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func queuePartition(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	departmentID := strings.TrimSpace(r.URL.Query().Get("department_id"))
	if departmentID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "department_id is required")
		return "", "", false
	}
	if !isValidUUID(departmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "department_id must be a UUID")
		return "", "", false
	}
	dateKey := strings.TrimSpace(r.URL.Query().Get("date"))
	if dateKey == "" {
		dateKey = models.DateKeyFor(time.Now().UTC())
	} else if !models.ValidDateKey(dateKey) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return "", "", false
	}
	return departmentID, dateKey, true
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var offset store.OutboxOffset
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		offset.LastEventTime = parsed
	}
	if afterID := strings.TrimSpace(r.URL.Query().Get("after_id")); afterID != "" {
		if !isValidUUID(afterID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after_id must be a UUID")
			return
		}
		offset.LastEventID = afterID
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), offset, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := h.store.GetSettings(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var patch store.SettingsPatch
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&patch); err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		settings, err := h.store.UpdateSettings(r.Context(), patch)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createDepartmentRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) handleDepartments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		departments, err := h.store.ListDepartments(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, departments)
	case http.MethodPost:
		var req createDepartmentRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		department, err := h.store.CreateDepartment(r.Context(), models.Department{
			Name: strings.TrimSpace(req.Name),
			Code: strings.TrimSpace(req.Code),
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusCreated, department)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleDepartmentSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/admin/departments/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "enabled" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	departmentID := parts[0]
	if !isValidUUID(departmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "department_id must be a UUID")
		return
	}

	var req setEnabledRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if err := h.store.SetDepartmentEnabled(r.Context(), departmentID, req.Enabled); err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createWindowRequest struct {
	DepartmentID string `json:"department_id"`
	Name         string `json:"name"`
	Number       int    `json:"number"`
}

func (h *Handler) handleWindows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		departmentID := strings.TrimSpace(r.URL.Query().Get("department_id"))
		if departmentID != "" && !isValidUUID(departmentID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "department_id must be a UUID")
			return
		}
		windows, err := h.store.ListWindows(r.Context(), departmentID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, windows)
	case http.MethodPost:
		var req createWindowRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.DepartmentID = strings.TrimSpace(req.DepartmentID)
		if req.DepartmentID == "" || !isValidUUID(req.DepartmentID) {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "department_id must be a UUID")
			return
		}
		window, err := h.store.CreateWindow(r.Context(), models.Window{
			DepartmentID: req.DepartmentID,
			Name:         strings.TrimSpace(req.Name),
			Number:       req.Number,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusCreated, window)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrDepartmentNotFound):
		return http.StatusNotFound, "department_not_found", "department not found"
	case errors.Is(err, store.ErrWindowNotFound):
		return http.StatusNotFound, "window_not_found", "window not found"
	case errors.Is(err, store.ErrDepartmentDisabled):
		return http.StatusConflict, "department_disabled", "department is disabled"
	case errors.Is(err, store.ErrWindowDisabled):
		return http.StatusConflict, "window_disabled", "window is disabled"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, store.ErrDuplicateActiveTicket):
		return http.StatusConflict, "duplicate_ticket", err.Error()
	case errors.Is(err, store.ErrWindowMismatch):
		return http.StatusConflict, "window_mismatch", "ticket is assigned to a different window"
	case errors.Is(err, store.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification", "ticket was modified concurrently"
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
