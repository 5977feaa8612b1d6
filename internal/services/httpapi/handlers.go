package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"auditsched/internal/storage"
	"auditsched/pkg/ics"
	"auditsched/pkg/logx"
	"auditsched/pkg/recurrence"
)

func newMux(deps Deps, log logx.Logger) *http.ServeMux {
	h := &handlers{deps: deps, log: log}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.healthz)

	mux.HandleFunc("GET /api/rules", h.listRules)
	mux.HandleFunc("POST /api/rules", h.createRule)
	mux.HandleFunc("GET /api/rules/{id}", h.getRule)
	mux.HandleFunc("PUT /api/rules/{id}", h.updateRule)
	mux.HandleFunc("DELETE /api/rules/{id}", h.deleteRule)
	mux.HandleFunc("POST /api/rules/{id}/materialize", h.materializeRule)
	mux.HandleFunc("GET /api/rules/{id}/preview", h.previewRule)
	mux.HandleFunc("GET /api/rules/{id}/schedule.ics", h.exportRuleICS)

	mux.HandleFunc("GET /api/entries", h.listEntries)
	mux.HandleFunc("PATCH /api/entries/{id}", h.patchEntry)

	mux.HandleFunc("GET /api/schedule.ics", h.exportICS)
	mux.HandleFunc("GET /api/notifications", h.listNotifications)

	return mux
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

// rulePayload is the wire form of a rule. Dates are "YYYY-MM-DD" strings.
type rulePayload struct {
	ID string `json:"id,omitempty"`

	StoreID       string `json:"store_id"`
	StoreName     string `json:"store_name,omitempty"`
	ChecklistID   string `json:"checklist_id"`
	AuditorEmail  string `json:"auditor_email,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"`

	Frequency  string `json:"frequency"`
	DayOfWeek  *int   `json:"day_of_week,omitempty"`
	DayOfMonth *int   `json:"day_of_month,omitempty"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date,omitempty"`

	// Active defaults to true on create when omitted.
	Active *bool `json:"active,omitempty"`

	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type entryPayload struct {
	ID          string `json:"id"`
	RuleID      string `json:"rule_id"`
	ScheduledOn string `json:"scheduled_on"`
	Status      string `json:"status"`
	NotifiedAt  string `json:"notified_at,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) listRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := h.deps.Store.ListRules(r.Context(), activeOnly)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]rulePayload, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toPayload(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) createRule(w http.ResponseWriter, r *http.Request) {
	var p rulePayload
	if !h.decode(w, r, &p) {
		return
	}
	rule, err := fromPayload(p)
	if err != nil {
		h.fail(w, err)
		return
	}
	if p.Active == nil {
		rule.Active = true
	}
	if err := h.deps.Store.CreateRule(r.Context(), rule); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("rule created",
		logx.String("rule", rule.ID),
		logx.String("store", rule.StoreID),
		logx.String("frequency", string(rule.Frequency)),
	)
	writeJSON(w, http.StatusCreated, toPayload(*rule))
}

func (h *handlers) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.deps.Store.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayload(*rule))
}

func (h *handlers) updateRule(w http.ResponseWriter, r *http.Request) {
	var p rulePayload
	if !h.decode(w, r, &p) {
		return
	}
	rule, err := fromPayload(p)
	if err != nil {
		h.fail(w, err)
		return
	}
	rule.ID = r.PathValue("id")
	if p.Active == nil {
		// Preserve the stored flag when the payload omits it.
		cur, err := h.deps.Store.GetRule(r.Context(), rule.ID)
		if err != nil {
			h.fail(w, err)
			return
		}
		rule.Active = cur.Active
	}
	if err := h.deps.Store.UpdateRule(r.Context(), rule); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("rule updated", logx.String("rule", rule.ID))
	writeJSON(w, http.StatusOK, toPayload(*rule))
}

func (h *handlers) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.deps.Store.DeleteRule(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("rule deleted", logx.String("rule", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) materializeRule(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Materializer.MaterializeByID(r.Context(), r.PathValue("id"))
	if err != nil && res.RuleID == "" {
		h.fail(w, err)
		return
	}
	if res.Error != "" {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) previewRule(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "days must be a non-negative integer"})
			return
		}
		days = n
	}
	dates, err := h.deps.Materializer.Preview(r.Context(), r.PathValue("id"), days)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.Format(time.DateOnly))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": r.PathValue("id"), "dates": out})
}

func (h *handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	f := storage.EntryFilter{RuleID: r.URL.Query().Get("rule_id")}
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := storage.ParseEntryStatus(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Field: "status"})
			return
		}
		f.Status = st
	}
	var err error
	if f.From, err = parseDateParam(r, "from"); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Field: "from"})
		return
	}
	if f.To, err = parseDateParam(r, "to"); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Field: "to"})
		return
	}

	entries, err := h.deps.Store.ListEntries(r.Context(), f)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]entryPayload, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryPayload(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) patchEntry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !h.decode(w, r, &body) {
		return
	}
	status, err := storage.ParseEntryStatus(body.Status)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Field: "status"})
		return
	}
	id := r.PathValue("id")
	if err := h.deps.Store.SetEntryStatus(r.Context(), id, status); err != nil {
		h.fail(w, err)
		return
	}
	entry, err := h.deps.Store.GetEntry(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info("entry status changed", logx.String("entry", id), logx.String("status", string(status)))
	writeJSON(w, http.StatusOK, toEntryPayload(*entry))
}

func (h *handlers) exportICS(w http.ResponseWriter, r *http.Request) {
	h.serveICS(w, r, "")
}

func (h *handlers) exportRuleICS(w http.ResponseWriter, r *http.Request) {
	h.serveICS(w, r, r.PathValue("id"))
}

func (h *handlers) serveICS(w http.ResponseWriter, r *http.Request, ruleID string) {
	ctx := r.Context()
	if ruleID != "" {
		// 404 for unknown rules instead of an empty calendar.
		if _, err := h.deps.Store.GetRule(ctx, ruleID); err != nil {
			h.fail(w, err)
			return
		}
	}
	entries, err := h.deps.Store.ListEntries(ctx, storage.EntryFilter{RuleID: ruleID})
	if err != nil {
		h.fail(w, err)
		return
	}

	rules := map[string]*storage.AuditRule{}
	events := make([]ics.Event, 0, len(entries))
	for _, e := range entries {
		rule, ok := rules[e.RuleID]
		if !ok {
			if rule, err = h.deps.Store.GetRule(ctx, e.RuleID); err != nil {
				h.fail(w, err)
				return
			}
			rules[e.RuleID] = rule
		}
		events = append(events, ics.Event{
			UID:         e.ID + "@auditsched",
			Summary:     icsSummary(*rule),
			Description: "Checklist: " + rule.ChecklistID,
			Location:    rule.StoreName,
			Date:        e.ScheduledOn,
			StartTime:   rule.PreferredTime,
			Cancelled:   e.Status == storage.StatusCancelled,
		})
	}

	cal, err := ics.Calendar("Audit schedule", events)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="schedule.ics"`)
	if err := ics.Encode(w, cal); err != nil {
		h.log.Warn("ics encode failed", logx.Err(err))
	}
}

func icsSummary(rule storage.AuditRule) string {
	if rule.StoreName != "" {
		return "Audit: " + rule.StoreName
	}
	return "Audit: " + rule.StoreID
}

func (h *handlers) listNotifications(w http.ResponseWriter, _ *http.Request) {
	type item struct {
		At      string `json:"at"`
		EntryID string `json:"entry_id"`
		StoreID string `json:"store_id"`
		Error   string `json:"error,omitempty"`
	}
	out := []item{}
	if h.deps.Notifier != nil {
		for _, hi := range h.deps.Notifier.Snapshot() {
			out = append(out, item{
				At:      hi.At.UTC().Format(time.RFC3339),
				EntryID: hi.EntryID,
				StoreID: hi.StoreID,
				Error:   hi.Error,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// decode reads a strict JSON body; unknown fields are client errors.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// fail maps domain errors onto HTTP statuses.
func (h *handlers) fail(w http.ResponseWriter, err error) {
	var invalid *recurrence.InvalidRuleError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, apiError{Error: invalid.Reason, Field: invalid.Field})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, apiError{Error: "not found"})
	case errors.Is(err, storage.ErrConflict):
		writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
	default:
		h.log.Error("request failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseDateParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s date %q: want YYYY-MM-DD", name, v)
	}
	return t, nil
}

func toPayload(r storage.AuditRule) rulePayload {
	p := rulePayload{
		ID:            r.ID,
		StoreID:       r.StoreID,
		StoreName:     r.StoreName,
		ChecklistID:   r.ChecklistID,
		AuditorEmail:  r.AuditorEmail,
		PreferredTime: r.PreferredTime,
		Frequency:     string(r.Frequency),
		DayOfWeek:     r.DayOfWeek,
		DayOfMonth:    r.DayOfMonth,
		StartDate:     r.StartDate.Format(time.DateOnly),
		Active:        &r.Active,
	}
	if r.EndDate != nil {
		p.EndDate = r.EndDate.Format(time.DateOnly)
	}
	if !r.CreatedAt.IsZero() {
		p.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !r.UpdatedAt.IsZero() {
		p.UpdatedAt = r.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return p
}

func toEntryPayload(e storage.ScheduleEntry) entryPayload {
	p := entryPayload{
		ID:          e.ID,
		RuleID:      e.RuleID,
		ScheduledOn: e.ScheduledOn.Format(time.DateOnly),
		Status:      string(e.Status),
	}
	if e.NotifiedAt != nil {
		p.NotifiedAt = e.NotifiedAt.UTC().Format(time.RFC3339)
	}
	if !e.CreatedAt.IsZero() {
		p.CreatedAt = e.CreatedAt.UTC().Format(time.RFC3339)
	}
	return p
}

func fromPayload(p rulePayload) (*storage.AuditRule, error) {
	if strings.TrimSpace(p.StoreID) == "" {
		return nil, &recurrence.InvalidRuleError{Field: "store_id", Reason: "store_id is required"}
	}
	if strings.TrimSpace(p.ChecklistID) == "" {
		return nil, &recurrence.InvalidRuleError{Field: "checklist_id", Reason: "checklist_id is required"}
	}
	freq, err := recurrence.ParseFrequency(p.Frequency)
	if err != nil {
		return nil, err
	}
	if p.StartDate == "" {
		return nil, &recurrence.InvalidRuleError{Field: "start_date", Reason: "start_date is required"}
	}
	start, err := time.Parse(time.DateOnly, p.StartDate)
	if err != nil {
		return nil, &recurrence.InvalidRuleError{Field: "start_date", Reason: "want YYYY-MM-DD"}
	}
	var end *time.Time
	if p.EndDate != "" {
		e, err := time.Parse(time.DateOnly, p.EndDate)
		if err != nil {
			return nil, &recurrence.InvalidRuleError{Field: "end_date", Reason: "want YYYY-MM-DD"}
		}
		end = &e
	}
	if p.PreferredTime != "" {
		if _, _, err := ics.ParseClock(p.PreferredTime); err != nil {
			return nil, &recurrence.InvalidRuleError{Field: "preferred_time", Reason: "want HH:MM"}
		}
	}

	rule := &storage.AuditRule{
		ID:            p.ID,
		StoreID:       strings.TrimSpace(p.StoreID),
		StoreName:     strings.TrimSpace(p.StoreName),
		ChecklistID:   strings.TrimSpace(p.ChecklistID),
		AuditorEmail:  strings.TrimSpace(p.AuditorEmail),
		PreferredTime: p.PreferredTime,
		Frequency:     freq,
		DayOfWeek:     p.DayOfWeek,
		DayOfMonth:    p.DayOfMonth,
		StartDate:     start,
		EndDate:       end,
	}
	if p.Active != nil {
		rule.Active = *p.Active
	}
	if err := rule.Recurrence().Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}
