package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"auditsched/internal/eventbus"
	"auditsched/internal/storage"
	"auditsched/pkg/logx"
	"auditsched/pkg/recurrence"
)

type fakeSink struct {
	mu       sync.Mutex
	sent     []Notification
	failures int // first N sends fail
}

func (f *fakeSink) Send(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("sink unavailable")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestPipeline(t *testing.T, cfg Config, sink Sink, now time.Time) (*Service, storage.Store, eventbus.Bus) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	cfg.Enabled = true
	svc := New(cfg, st, sink, bus, logx.Nop())
	svc.now = func() time.Time { return now }
	return svc, st, bus
}

func seedDueEntry(t *testing.T, st storage.Store, on time.Time) (ruleID string) {
	t.Helper()
	ctx := context.Background()
	r := storage.AuditRule{
		StoreID: "store-1", StoreName: "Main St", ChecklistID: "haccp-v3",
		AuditorEmail: "qa@example.com",
		Frequency:    recurrence.Weekly,
		StartDate:    on, Active: true,
	}
	if err := st.CreateRule(ctx, &r); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if _, err := st.InsertEntries(ctx, r.ID, []time.Time{on}); err != nil {
		t.Fatalf("InsertEntries: %v", err)
	}
	return r.ID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScanNotifiesDueEntriesOnce(t *testing.T) {
	t.Parallel()
	now := day(2025, time.June, 2)
	sink := &fakeSink{}
	svc, st, _ := newTestPipeline(t, Config{ScanEvery: time.Hour, RatePerSec: 100}, sink, now)
	ctx := context.Background()

	seedDueEntry(t, st, now) // due today, inside the 24h lead window

	svc.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	waitFor(t, func() bool { return sink.count() == 1 })

	// The entry is now marked notified; a second scan finds nothing.
	waitFor(t, func() bool {
		due, err := st.DueEntries(ctx, now.AddDate(0, 0, 1))
		return err == nil && len(due) == 0
	})
	if err := svc.Scan(ctx); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Fatalf("sent %d notifications, want exactly 1", got)
	}

	sink.mu.Lock()
	n := sink.sent[0]
	sink.mu.Unlock()
	if n.StoreID != "store-1" || n.ChecklistID != "haccp-v3" || n.AuditorEmail != "qa@example.com" {
		t.Fatalf("notification payload incomplete: %+v", n)
	}
}

func TestEntriesOutsideLeadWindowAreNotNotified(t *testing.T) {
	t.Parallel()
	now := day(2025, time.June, 2)
	sink := &fakeSink{}
	svc, st, _ := newTestPipeline(t, Config{ScanEvery: time.Hour, LeadWindow: 24 * time.Hour}, sink, now)
	ctx := context.Background()

	seedDueEntry(t, st, day(2025, time.June, 20)) // far in the future

	svc.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	if err := svc.Scan(ctx); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := sink.count(); got != 0 {
		t.Fatalf("sent %d notifications for an entry outside the lead window", got)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	now := day(2025, time.June, 2)
	sink := &fakeSink{failures: 2}
	svc, st, _ := newTestPipeline(t, Config{
		ScanEvery: time.Hour, RatePerSec: 100,
		RetryMax: 3, RetryBase: 5 * time.Millisecond, RetryMaxDelay: 20 * time.Millisecond,
	}, sink, now)
	ctx := context.Background()

	seedDueEntry(t, st, now)
	svc.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	waitFor(t, func() bool { return sink.count() == 1 })

	hist := svc.Snapshot()
	if len(hist) != 1 || hist[0].Error != "" {
		t.Fatalf("history = %+v, want one successful item", hist)
	}
}

func TestExhaustedRetriesPublishFailure(t *testing.T) {
	t.Parallel()
	now := day(2025, time.June, 2)
	sink := &fakeSink{failures: 100}
	svc, st, bus := newTestPipeline(t, Config{
		ScanEvery: time.Hour, RatePerSec: 100,
		RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond,
	}, sink, now)
	ctx := context.Background()

	events, unsub := bus.Subscribe(16)
	defer unsub()

	seedDueEntry(t, st, now)
	svc.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	waitFor(t, func() bool {
		h := svc.Snapshot()
		return len(h) == 1 && h[0].Error != ""
	})

	// The entry stays due: a failed send must not mark it notified.
	due, err := st.DueEntries(ctx, now)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due entries after failure = %d, want 1", len(due))
	}

	sawFailed := false
	deadline := time.After(2 * time.Second)
	for !sawFailed {
		select {
		case e := <-events:
			if e.Type == "notify.failed" {
				sawFailed = true
			}
		case <-deadline:
			t.Fatal("no notify.failed event observed")
		}
	}
}

func TestEnqueueLifecycleErrors(t *testing.T) {
	t.Parallel()
	now := day(2025, time.June, 2)
	svc, _, _ := newTestPipeline(t, Config{ScanEvery: time.Hour}, &fakeSink{}, now)
	ctx := context.Background()

	if err := svc.Enqueue(ctx, Notification{EntryID: "e1"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue before start: %v, want ErrStopped", err)
	}

	svc.Apply(Config{Enabled: false})
	if err := svc.Enqueue(ctx, Notification{EntryID: "e1"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("enqueue while disabled: %v, want ErrDisabled", err)
	}
}
