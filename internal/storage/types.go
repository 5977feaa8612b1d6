package storage

import (
	"errors"
	"time"

	"auditsched/pkg/recurrence"
)

var (
	// ErrNotFound is returned when a requested rule or entry doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned for illegal state transitions (e.g. completing
	// a cancelled entry) and duplicate identifiers.
	ErrConflict = errors.New("conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "memory": in-process store, lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EntryStatus is the lifecycle state of a schedule entry. Entries are born
// pending; completed and cancelled are terminal.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusCancelled EntryStatus = "cancelled"
)

// ParseEntryStatus validates a status string.
func ParseEntryStatus(s string) (EntryStatus, error) {
	switch EntryStatus(s) {
	case StatusPending, StatusCompleted, StatusCancelled:
		return EntryStatus(s), nil
	default:
		return "", errors.New("unknown entry status: " + s)
	}
}

// AuditRule is one persisted recurring-audit rule: which store gets audited,
// against which checklist, by whom, and on what recurrence.
type AuditRule struct {
	ID string

	StoreID      string
	StoreName    string
	ChecklistID  string
	AuditorEmail string

	// PreferredTime is an optional "HH:MM" wall-clock time attached to
	// exported calendar events. It is not part of recurrence expansion,
	// which deals in whole calendar dates.
	PreferredTime string

	Frequency  recurrence.Frequency
	DayOfWeek  *int
	DayOfMonth *int
	StartDate  time.Time
	EndDate    *time.Time

	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recurrence maps the persisted fields onto the expansion core's rule type.
func (r AuditRule) Recurrence() recurrence.Rule {
	return recurrence.Rule{
		Frequency:  r.Frequency,
		DayOfWeek:  r.DayOfWeek,
		DayOfMonth: r.DayOfMonth,
		Start:      r.StartDate,
		End:        r.EndDate,
	}
}

// ScheduleEntry is one materialized audit occurrence.
type ScheduleEntry struct {
	ID          string
	RuleID      string
	ScheduledOn time.Time // calendar date, midnight UTC
	Status      EntryStatus
	NotifiedAt  *time.Time
	CreatedAt   time.Time
}

// EntryFilter narrows ListEntries. Zero fields mean "no constraint".
type EntryFilter struct {
	RuleID string
	Status EntryStatus
	From   time.Time // inclusive
	To     time.Time // inclusive
}
