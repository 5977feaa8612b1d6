package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"auditsched/pkg/logx"
)

// Store is the persistence API used by the services and the HTTP layer.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateRule persists a new rule. A missing ID is assigned; CreatedAt and
	// UpdatedAt are set. Returns ErrConflict if the ID already exists.
	CreateRule(ctx context.Context, r *AuditRule) error
	// UpdateRule replaces a rule's fields and bumps UpdatedAt.
	UpdateRule(ctx context.Context, r *AuditRule) error
	// DeleteRule removes a rule and all of its entries.
	DeleteRule(ctx context.Context, id string) error
	GetRule(ctx context.Context, id string) (*AuditRule, error)
	// ListRules returns rules ordered by creation time. With activeOnly only
	// rules eligible for materialization are returned.
	ListRules(ctx context.Context, activeOnly bool) ([]AuditRule, error)

	// InsertEntries materializes dates for a rule, skipping (rule, date)
	// pairs that already exist regardless of their status. Reports how many
	// rows were actually inserted.
	InsertEntries(ctx context.Context, ruleID string, dates []time.Time) (int, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]ScheduleEntry, error)
	GetEntry(ctx context.Context, id string) (*ScheduleEntry, error)
	// SetEntryStatus transitions an entry. Terminal entries (completed,
	// cancelled) reject further transitions with ErrConflict.
	SetEntryStatus(ctx context.Context, id string, status EntryStatus) error

	// DueEntries returns pending, not-yet-notified entries scheduled on or
	// before the given date, ordered by date.
	DueEntries(ctx context.Context, by time.Time) ([]ScheduleEntry, error)
	MarkNotified(ctx context.Context, id string, at time.Time) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return newMemoryStore(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
