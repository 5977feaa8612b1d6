package materializer

import (
	"context"
	"testing"
	"time"

	"auditsched/internal/eventbus"
	"auditsched/internal/storage"
	"auditsched/pkg/logx"
	"auditsched/pkg/recurrence"
)

func newTestService(t *testing.T, horizon int, now time.Time) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc := New(Config{Enabled: true, HorizonDays: horizon}, st, eventbus.New(), logx.Nop())
	svc.now = func() time.Time { return now }
	return svc, st
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func addRule(t *testing.T, st storage.Store, r storage.AuditRule) string {
	t.Helper()
	if err := st.CreateRule(context.Background(), &r); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	return r.ID
}

func TestSweepMaterializesActiveRules(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, 30, day(2025, time.January, 1))
	ctx := context.Background()

	dow := 2
	weeklyID := addRule(t, st, storage.AuditRule{
		StoreID: "store-1", ChecklistID: "haccp-v3",
		Frequency: recurrence.Weekly, DayOfWeek: &dow,
		StartDate: day(2025, time.January, 1), Active: true,
	})
	addRule(t, st, storage.AuditRule{
		StoreID: "store-2", ChecklistID: "haccp-v3",
		Frequency: recurrence.Monthly,
		StartDate: day(2025, time.January, 15), Active: false, // inactive: skipped
	})

	results, err := svc.SweepAll(ctx)
	if err != nil {
		t.Fatalf("SweepAll: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("swept %d rules, want 1 (inactive skipped)", len(results))
	}
	if results[0].RuleID != weeklyID || results[0].Inserted == 0 {
		t.Fatalf("unexpected result: %+v", results[0])
	}

	entries, err := st.ListEntries(ctx, storage.EntryFilter{RuleID: weeklyID})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != results[0].Inserted {
		t.Fatalf("entries = %d, inserted = %d", len(entries), results[0].Inserted)
	}
	for _, e := range entries {
		if e.ScheduledOn.Weekday() != time.Tuesday {
			t.Fatalf("entry %s not on Tuesday", e.ScheduledOn.Format(time.DateOnly))
		}
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, 60, day(2025, time.March, 1))
	ctx := context.Background()

	addRule(t, st, storage.AuditRule{
		StoreID: "store-1", ChecklistID: "fire-safety",
		Frequency: recurrence.BiWeekly,
		StartDate: day(2025, time.March, 3), Active: true,
	})

	first, err := svc.SweepAll(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first[0].Inserted == 0 {
		t.Fatalf("first sweep inserted nothing: %+v", first[0])
	}

	second, err := svc.SweepAll(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second[0].Inserted != 0 {
		t.Fatalf("second sweep inserted %d, want 0", second[0].Inserted)
	}
}

func TestSweepAdvancesWithClock(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, 14, day(2025, time.May, 1))
	ctx := context.Background()

	id := addRule(t, st, storage.AuditRule{
		StoreID: "store-9", ChecklistID: "allergen-v1",
		Frequency: recurrence.Weekly,
		StartDate: day(2025, time.May, 1), Active: true,
	})

	if _, err := svc.SweepAll(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	before, _ := st.ListEntries(ctx, storage.EntryFilter{RuleID: id})

	// Two weeks later the same sweep extends the horizon.
	svc.now = func() time.Time { return day(2025, time.May, 15) }
	results, err := svc.SweepAll(ctx)
	if err != nil {
		t.Fatalf("later sweep: %v", err)
	}
	if results[0].Inserted == 0 {
		t.Fatal("later sweep inserted nothing; horizon did not advance")
	}
	after, _ := st.ListEntries(ctx, storage.EntryFilter{RuleID: id})
	if len(after) <= len(before) {
		t.Fatalf("entries did not grow: %d -> %d", len(before), len(after))
	}
}

func TestSweepSkipsBrokenRule(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, 30, day(2025, time.January, 1))
	ctx := context.Background()

	addRule(t, st, storage.AuditRule{
		StoreID: "store-bad", ChecklistID: "haccp-v3",
		Frequency: "daily", // not a supported frequency
		StartDate: day(2025, time.January, 1), Active: true,
	})
	goodID := addRule(t, st, storage.AuditRule{
		StoreID: "store-good", ChecklistID: "haccp-v3",
		Frequency: recurrence.Weekly,
		StartDate: day(2025, time.January, 1), Active: true,
	})

	results, err := svc.SweepAll(ctx)
	if err != nil {
		t.Fatalf("SweepAll: %v", err)
	}
	var goodInserted, badErrors int
	for _, r := range results {
		if r.RuleID == goodID {
			goodInserted = r.Inserted
		} else if r.Error != "" {
			badErrors++
		}
	}
	if badErrors != 1 {
		t.Fatalf("expected one failed rule, got %d", badErrors)
	}
	if goodInserted == 0 {
		t.Fatal("healthy rule was not materialized alongside the broken one")
	}
}

func TestPreviewDoesNotPersist(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, 90, day(2025, time.January, 1))
	ctx := context.Background()

	dom := 15
	id := addRule(t, st, storage.AuditRule{
		StoreID: "store-1", ChecklistID: "haccp-v3",
		Frequency: recurrence.Quarterly, DayOfMonth: &dom,
		StartDate: day(2025, time.January, 1), Active: true,
	})

	dates, err := svc.Preview(ctx, id, 400)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(dates) == 0 {
		t.Fatal("preview returned no dates")
	}
	entries, err := st.ListEntries(ctx, storage.EntryFilter{RuleID: id})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("preview persisted %d entries", len(entries))
	}
}
