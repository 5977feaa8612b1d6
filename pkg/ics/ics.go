package ics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

const prodID = "-//auditsched//schedule export//EN"

// Event is one calendar entry to export.
type Event struct {
	// UID identifies the event across exports. When empty a random UUID is
	// generated, which makes repeated exports non-idempotent; callers that
	// re-export should supply stable UIDs.
	UID string

	Summary     string
	Description string
	Location    string

	// Date is the calendar date of the event (time-of-day ignored).
	Date time.Time

	// StartTime is an optional "HH:MM" wall-clock time. When set the event is
	// exported as a timed one-hour block instead of an all-day entry.
	StartTime string

	// Cancelled marks the VEVENT STATUS:CANCELLED.
	Cancelled bool
}

// Calendar builds a VCALENDAR with one VEVENT per event, ordered by date.
func Calendar(name string, events []Event) (*ical.Calendar, error) {
	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	if name != "" {
		cal.Props.SetText(ical.PropName, name)
	}

	now := time.Now().UTC()
	for _, e := range sorted {
		ev, err := component(e, now)
		if err != nil {
			return nil, err
		}
		cal.Children = append(cal.Children, ev)
	}
	return cal, nil
}

// Encode writes the calendar to w in iCalendar wire format.
func Encode(w io.Writer, cal *ical.Calendar) error {
	return ical.NewEncoder(w).Encode(cal)
}

func component(e Event, stamp time.Time) (*ical.Component, error) {
	ev := ical.NewComponent(ical.CompEvent)

	uid := e.UID
	if uid == "" {
		uid = uuid.NewString()
	}
	ev.Props.SetText(ical.PropUID, uid)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	if e.Summary != "" {
		ev.Props.SetText(ical.PropSummary, e.Summary)
	}
	if e.Description != "" {
		ev.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ev.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.Cancelled {
		ev.Props.SetText(ical.PropStatus, "CANCELLED")
	}

	day := time.Date(e.Date.Year(), e.Date.Month(), e.Date.Day(), 0, 0, 0, 0, time.UTC)
	if e.StartTime == "" {
		setDate(ev.Props, ical.PropDateTimeStart, day)
		setDate(ev.Props, ical.PropDateTimeEnd, day.AddDate(0, 0, 1))
		return ev, nil
	}

	h, m, err := ParseClock(e.StartTime)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", uid, err)
	}
	start := day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
	ev.Props.SetDateTime(ical.PropDateTimeStart, start)
	ev.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(time.Hour))
	return ev, nil
}

// setDate stores an all-day DATE value ("20250107", VALUE=DATE).
func setDate(props ical.Props, name string, d time.Time) {
	p := ical.NewProp(name)
	p.SetValueType(ical.ValueDate)
	p.Value = d.Format("20060102")
	props.Set(p)
}

// ParseClock parses an "HH:MM" 24-hour wall-clock string.
func ParseClock(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid clock time %q: want HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid clock time %q: hour out of range", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock time %q: minute out of range", s)
	}
	return hour, minute, nil
}
