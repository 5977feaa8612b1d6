package ics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCalendarAllDayEvents(t *testing.T) {
	t.Parallel()
	events := []Event{
		{UID: "b", Summary: "Fire safety audit", Date: date(2025, time.February, 4)},
		{UID: "a", Summary: "HACCP audit", Location: "Main St", Date: date(2025, time.January, 7)},
	}

	cal, err := Calendar("Audit schedule", events)
	if err != nil {
		t.Fatalf("Calendar: %v", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, cal); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := buf.String()

	decoded, err := ical.NewDecoder(strings.NewReader(out)).Decode()
	if err != nil {
		t.Fatalf("decode round-trip: %v", err)
	}
	evs := decoded.Events()
	if len(evs) != 2 {
		t.Fatalf("decoded %d events, want 2", len(evs))
	}

	// Sorted by date: the January event comes first.
	first, err := evs[0].Props.Text(ical.PropUID)
	if err != nil || first != "a" {
		t.Fatalf("first UID = %q (%v), want \"a\"", first, err)
	}

	if !strings.Contains(out, "DTSTART;VALUE=DATE:20250107") {
		t.Fatalf("missing all-day DTSTART:\n%s", out)
	}
	// All-day DTEND is exclusive: the next day.
	if !strings.Contains(out, "DTEND;VALUE=DATE:20250108") {
		t.Fatalf("missing exclusive DTEND:\n%s", out)
	}
}

func TestCalendarTimedEvent(t *testing.T) {
	t.Parallel()
	cal, err := Calendar("", []Event{{
		UID: "x", Summary: "Allergen audit",
		Date: date(2025, time.March, 10), StartTime: "09:30",
	}})
	if err != nil {
		t.Fatalf("Calendar: %v", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, cal); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "DTSTART:20250310T093000Z") {
		t.Fatalf("missing timed DTSTART:\n%s", out)
	}
	if !strings.Contains(out, "DTEND:20250310T103000Z") {
		t.Fatalf("missing one-hour DTEND:\n%s", out)
	}
}

func TestCalendarCancelledStatus(t *testing.T) {
	t.Parallel()
	cal, err := Calendar("", []Event{{UID: "c", Date: date(2025, time.April, 1), Cancelled: true}})
	if err != nil {
		t.Fatalf("Calendar: %v", err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, cal); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(buf.String(), "STATUS:CANCELLED") {
		t.Fatalf("missing STATUS:CANCELLED:\n%s", buf.String())
	}
}

func TestCalendarRejectsBadClock(t *testing.T) {
	t.Parallel()
	_, err := Calendar("", []Event{{UID: "bad", Date: date(2025, time.May, 1), StartTime: "25:00"}})
	if err == nil {
		t.Fatal("expected error for out-of-range start time")
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{in: "09:30", h: 9, m: 30},
		{in: "00:00", h: 0, m: 0},
		{in: "23:59", h: 23, m: 59},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		h, m, err := ParseClock(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseClock(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseClock(%q): %v", tc.in, err)
			continue
		}
		if h != tc.h || m != tc.m {
			t.Errorf("ParseClock(%q) = %d:%d, want %d:%d", tc.in, h, m, tc.h, tc.m)
		}
	}
}
