package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"auditsched/pkg/logx"
	"auditsched/pkg/recurrence"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const dateFormat = time.DateOnly

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for the sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- rules ----

func (s *sqliteStore) CreateRule(ctx context.Context, r *AuditRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules(id, store_id, store_name, checklist_id, auditor_email, preferred_time,
		                   frequency, day_of_week, day_of_month, start_date, end_date, active,
		                   created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.StoreID, r.StoreName, r.ChecklistID, r.AuditorEmail, r.PreferredTime,
		string(r.Frequency), nullInt(r.DayOfWeek), nullInt(r.DayOfMonth),
		r.StartDate.Format(dateFormat), nullDate(r.EndDate), boolInt(r.Active),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("rule %s: %w", r.ID, ErrConflict)
	}
	return err
}

func (s *sqliteStore) UpdateRule(ctx context.Context, r *AuditRule) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET store_id=?, store_name=?, checklist_id=?, auditor_email=?, preferred_time=?,
		                  frequency=?, day_of_week=?, day_of_month=?, start_date=?, end_date=?, active=?,
		                  updated_at=?
		 WHERE id=?`,
		r.StoreID, r.StoreName, r.ChecklistID, r.AuditorEmail, r.PreferredTime,
		string(r.Frequency), nullInt(r.DayOfWeek), nullInt(r.DayOfMonth),
		r.StartDate.Format(dateFormat), nullDate(r.EndDate), boolInt(r.Active),
		now.Format(time.RFC3339Nano), r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
	}
	r.UpdatedAt = now
	return nil
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

const ruleColumns = `id, store_id, store_name, checklist_id, auditor_email, preferred_time,
	frequency, day_of_week, day_of_month, start_date, end_date, active, created_at, updated_at`

func (s *sqliteStore) GetRule(ctx context.Context, id string) (*AuditRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id=?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *sqliteStore) ListRules(ctx context.Context, activeOnly bool) ([]AuditRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM rules`
	if activeOnly {
		q += ` WHERE active=1`
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*AuditRule, error) {
	var (
		r          AuditRule
		freq       string
		dow, dom   sql.NullInt64
		start      string
		end        sql.NullString
		active     int
		created    string
		updated    string
	)
	err := row.Scan(&r.ID, &r.StoreID, &r.StoreName, &r.ChecklistID, &r.AuditorEmail, &r.PreferredTime,
		&freq, &dow, &dom, &start, &end, &active, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.Frequency = recurrence.Frequency(freq)
	if dow.Valid {
		v := int(dow.Int64)
		r.DayOfWeek = &v
	}
	if dom.Valid {
		v := int(dom.Int64)
		r.DayOfMonth = &v
	}
	if r.StartDate, err = time.ParseInLocation(dateFormat, start, time.UTC); err != nil {
		return nil, fmt.Errorf("rule %s: bad start_date %q: %w", r.ID, start, err)
	}
	if end.Valid && end.String != "" {
		e, err := time.ParseInLocation(dateFormat, end.String, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("rule %s: bad end_date %q: %w", r.ID, end.String, err)
		}
		r.EndDate = &e
	}
	r.Active = active != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &r, nil
}

// ---- entries ----

func (s *sqliteStore) InsertEntries(ctx context.Context, ruleID string, dates []time.Time) (int, error) {
	if len(dates) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	inserted := 0
	for _, d := range dates {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO entries(id, rule_id, scheduled_on, status, created_at)
			 VALUES(?,?,?,?,?)
			 ON CONFLICT(rule_id, scheduled_on) DO NOTHING`,
			uuid.NewString(), ruleID, d.Format(dateFormat), string(StatusPending), now,
		)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

const entryColumns = `id, rule_id, scheduled_on, status, notified_at, created_at`

func (s *sqliteStore) ListEntries(ctx context.Context, f EntryFilter) ([]ScheduleEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM entries WHERE 1=1`
	var args []any
	if f.RuleID != "" {
		q += ` AND rule_id=?`
		args = append(args, f.RuleID)
	}
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		q += ` AND scheduled_on>=?`
		args = append(args, f.From.Format(dateFormat))
	}
	if !f.To.IsZero() {
		q += ` AND scheduled_on<=?`
		args = append(args, f.To.Format(dateFormat))
	}
	q += ` ORDER BY scheduled_on, rule_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetEntry(ctx context.Context, id string) (*ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *sqliteStore) SetEntryStatus(ctx context.Context, id string, status EntryStatus) error {
	// Only pending entries may transition; same-status writes are idempotent.
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET status=? WHERE id=? AND (status=? OR status=?)`,
		string(status), id, string(StatusPending), string(status),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetEntry(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("entry %s: terminal status: %w", id, ErrConflict)
}

func (s *sqliteStore) DueEntries(ctx context.Context, by time.Time) ([]ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE status=? AND notified_at IS NULL AND scheduled_on<=?
		 ORDER BY scheduled_on, rule_id`,
		string(StatusPending), by.Format(dateFormat),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkNotified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET notified_at=? WHERE id=? AND notified_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already notified or missing; missing is the caller's bug, already
		// notified is a harmless race with another worker.
		if _, err := s.GetEntry(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func scanEntry(row rowScanner) (*ScheduleEntry, error) {
	var (
		e        ScheduleEntry
		status   string
		on       string
		notified sql.NullString
		created  string
	)
	if err := row.Scan(&e.ID, &e.RuleID, &on, &status, &notified, &created); err != nil {
		return nil, err
	}
	var err error
	if e.ScheduledOn, err = time.ParseInLocation(dateFormat, on, time.UTC); err != nil {
		return nil, fmt.Errorf("entry %s: bad scheduled_on %q: %w", e.ID, on, err)
	}
	e.Status = EntryStatus(status)
	if notified.Valid && notified.String != "" {
		t, err := time.Parse(time.RFC3339Nano, notified.String)
		if err != nil {
			return nil, fmt.Errorf("entry %s: bad notified_at: %w", e.ID, err)
		}
		e.NotifiedAt = &t
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &e, nil
}

// ---- helpers ----

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(dateFormat)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
