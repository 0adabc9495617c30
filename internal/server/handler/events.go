package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/steward/internal/domain"
)

// EventLog lists persisted engine events.
type EventLog interface {
	ListEvents(ctx context.Context, conditionID uint64, opts domain.ListOpts) ([]domain.StoredEvent, error)
}

// EventHandler serves /api/events and /api/audit. Either source may be nil
// when PostgreSQL is disabled.
type EventHandler struct {
	events EventLog
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventLog, audit domain.AuditStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, audit: audit, logger: logger.With(slog.String("handler", "events"))}
}

type eventView struct {
	Seq         int64  `json:"seq"`
	Kind        string `json:"kind"`
	ConditionID uint64 `json:"condition_id,omitempty"`
	Actor       string `json:"actor"`
	Amount      string `json:"amount,omitempty"`
	Token       string `json:"token,omitempty"`
	At          string `json:"at"`
}

// ListEvents returns the event log, newest first.
// GET /api/events?condition_id=&limit=&offset=&since=&until=
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event history requires postgres")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var conditionID uint64
	if v := r.URL.Query().Get("condition_id"); v != "" {
		if conditionID, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid condition_id")
			return
		}
	}

	rows, err := h.events.ListEvents(r.Context(), conditionID, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list events", err)
		return
	}
	out := make([]eventView, len(rows))
	for i, ev := range rows {
		out[i] = eventView{
			Seq:         ev.Seq,
			Kind:        string(ev.Kind),
			ConditionID: ev.ConditionID,
			Actor:       ev.Actor,
			Amount:      ev.Amount,
			Token:       ev.Token,
			At:          ev.At.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

type auditView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt string         `json:"created_at"`
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit?limit=&offset=&since=&until=
func (h *EventHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log requires postgres")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit", err)
		return
	}
	out := make([]auditView, len(rows))
	for i, e := range rows {
		out[i] = auditView{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
