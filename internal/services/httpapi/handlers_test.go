package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"auditsched/internal/eventbus"
	"auditsched/internal/services/materializer"
	"auditsched/internal/storage"
	"auditsched/pkg/logx"
	"auditsched/pkg/recurrence"
)

func newTestAPI(t *testing.T) (*httptest.Server, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mat := materializer.New(materializer.Config{Enabled: true, HorizonDays: 30}, st, eventbus.New(), logx.Nop())
	srv := httptest.NewServer(newMux(Deps{Store: st, Materializer: mat}, logx.Nop()))
	t.Cleanup(srv.Close)
	return srv, st
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func validRule() map[string]any {
	return map[string]any{
		"store_id":     "store-7",
		"store_name":   "Harbor Road",
		"checklist_id": "haccp-v3",
		"frequency":    "weekly",
		"day_of_week":  2,
		"start_date":   "2025-01-01",
	}
}

func TestRuleCRUD(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAPI(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/rules", validRule())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decodeBody[rulePayload](t, resp)
	if created.ID == "" {
		t.Fatal("created rule has no ID")
	}
	if created.Active == nil || !*created.Active {
		t.Fatal("create must default active to true")
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rules/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	got := decodeBody[rulePayload](t, resp)
	if got.StoreID != "store-7" || got.Frequency != "weekly" || got.StartDate != "2025-01-01" {
		t.Fatalf("unexpected rule: %+v", got)
	}

	upd := validRule()
	upd["frequency"] = "monthly"
	upd["day_of_month"] = -1
	delete(upd, "day_of_week")
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/rules/"+created.ID, upd)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}
	updated := decodeBody[rulePayload](t, resp)
	if updated.Frequency != "monthly" || updated.DayOfMonth == nil || *updated.DayOfMonth != -1 {
		t.Fatalf("update not applied: %+v", updated)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/rules/"+created.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rules/"+created.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestAPI(t)

	cases := []struct {
		name   string
		mutate func(map[string]any)
		field  string
	}{
		{"unknown frequency", func(m map[string]any) { m["frequency"] = "daily" }, "frequency"},
		{"day of week out of range", func(m map[string]any) { m["day_of_week"] = 7 }, "day_of_week"},
		{"day of month out of range", func(m map[string]any) { m["frequency"] = "monthly"; m["day_of_month"] = 32 }, "day_of_month"},
		{"missing store", func(m map[string]any) { delete(m, "store_id") }, "store_id"},
		{"bad start date", func(m map[string]any) { m["start_date"] = "January 1st" }, "start_date"},
		{"bad preferred time", func(m map[string]any) { m["preferred_time"] = "9am" }, "preferred_time"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			body := validRule()
			tc.mutate(body)
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/rules", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			apiErr := decodeBody[apiError](t, resp)
			if apiErr.Field != tc.field {
				t.Fatalf("error field = %q, want %q (%+v)", apiErr.Field, tc.field, apiErr)
			}
		})
	}

	t.Run("unknown body field", func(t *testing.T) {
		t.Parallel()
		body := validRule()
		body["cadence"] = "weekly"
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/rules", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestMaterializeAndPreview(t *testing.T) {
	t.Parallel()
	srv, st := newTestAPI(t)
	ctx := context.Background()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/rules", validRule())
	created := decodeBody[rulePayload](t, resp)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/rules/"+created.ID+"/materialize", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("materialize status = %d, want 200", resp.StatusCode)
	}
	res := decodeBody[materializer.SweepResult](t, resp)
	if res.Inserted == 0 {
		t.Fatalf("materialize inserted nothing: %+v", res)
	}
	entries, err := st.ListEntries(ctx, storage.EntryFilter{RuleID: created.ID})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != res.Inserted {
		t.Fatalf("store has %d entries, result says %d", len(entries), res.Inserted)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rules/"+created.ID+"/preview?days=14", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d, want 200", resp.StatusCode)
	}
	preview := decodeBody[struct {
		RuleID string   `json:"rule_id"`
		Dates  []string `json:"dates"`
	}](t, resp)
	if preview.RuleID != created.ID || len(preview.Dates) == 0 {
		t.Fatalf("unexpected preview: %+v", preview)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rules/"+created.ID+"/preview?days=-3", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative days status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/rules/nope/materialize", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("materialize unknown rule = %d, want 404", resp.StatusCode)
	}
}

func TestEntryStatusTransitions(t *testing.T) {
	t.Parallel()
	srv, st := newTestAPI(t)
	ctx := context.Background()

	r := storage.AuditRule{
		StoreID: "store-1", ChecklistID: "fire-safety",
		Frequency: recurrence.Weekly,
		StartDate: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), Active: true,
	}
	if err := st.CreateRule(ctx, &r); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if _, err := st.InsertEntries(ctx, r.ID, []time.Time{time.Date(2025, time.January, 7, 0, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("InsertEntries: %v", err)
	}
	entries, _ := st.ListEntries(ctx, storage.EntryFilter{RuleID: r.ID})
	entryID := entries[0].ID

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/entries?rule_id="+r.ID+"&status=pending", nil)
	listed := decodeBody[[]entryPayload](t, resp)
	if len(listed) != 1 || listed[0].ScheduledOn != "2025-01-07" {
		t.Fatalf("unexpected entry list: %+v", listed)
	}

	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/entries/"+entryID, map[string]string{"status": "completed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want 200", resp.StatusCode)
	}
	patched := decodeBody[entryPayload](t, resp)
	if patched.Status != "completed" {
		t.Fatalf("status = %q, want completed", patched.Status)
	}

	// Completed is terminal.
	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/entries/"+entryID, map[string]string{"status": "cancelled"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("terminal transition = %d, want 409", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/entries/"+entryID, map[string]string{"status": "soon"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status value = %d, want 400", resp.StatusCode)
	}
}

func TestScheduleICSExport(t *testing.T) {
	t.Parallel()
	srv, st := newTestAPI(t)
	ctx := context.Background()

	r := storage.AuditRule{
		StoreID: "store-3", StoreName: "Dockside", ChecklistID: "haccp-v3",
		PreferredTime: "09:00",
		Frequency:     recurrence.Monthly,
		StartDate:     time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), Active: true,
	}
	if err := st.CreateRule(ctx, &r); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if _, err := st.InsertEntries(ctx, r.ID, []time.Time{time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("InsertEntries: %v", err)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/schedule.ics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ics status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type = %q, want text/calendar", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	body := buf.String()
	if !strings.Contains(body, "BEGIN:VEVENT") || !strings.Contains(body, "SUMMARY:Audit: Dockside") {
		t.Fatalf("unexpected ics body:\n%s", body)
	}
	// Preferred time makes the event a timed one.
	if !strings.Contains(body, "DTSTART:20250201T090000Z") {
		t.Fatalf("ics missing timed DTSTART:\n%s", body)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/rules/nope/schedule.ics", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown rule ics = %d, want 404", resp.StatusCode)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	mat := materializer.New(materializer.Config{Enabled: true}, st, eventbus.New(), logx.Nop())

	handler := withAuth("s3cret", newMux(Deps{Store: st, Materializer: mat}, logx.Nop()))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/rules")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/rules", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d, want 200", resp.StatusCode)
	}

	// Liveness probes stay unauthenticated.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}
