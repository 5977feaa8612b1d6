package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps everything in process. It mirrors the sqlite driver's
// semantics (idempotent entry inserts, terminal statuses, cascade delete) so
// tests exercise the same contract the real driver honors.
type memoryStore struct {
	mu      sync.RWMutex
	rules   map[string]AuditRule
	entries map[string]ScheduleEntry
}

func newMemoryStore() Store {
	return &memoryStore{
		rules:   map[string]AuditRule{},
		entries: map[string]ScheduleEntry{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) CreateRule(_ context.Context, r *AuditRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, ok := s.rules[r.ID]; ok {
		return fmt.Errorf("rule %s: %w", r.ID, ErrConflict)
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.rules[r.ID] = *r
	return nil
}

func (s *memoryStore) UpdateRule(_ context.Context, r *AuditRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rules[r.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
	}
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	s.rules[r.ID] = *r
	return nil
}

func (s *memoryStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	delete(s.rules, id)
	for eid, e := range s.entries {
		if e.RuleID == id {
			delete(s.entries, eid)
		}
	}
	return nil
}

func (s *memoryStore) GetRule(_ context.Context, id string) (*AuditRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (s *memoryStore) ListRules(_ context.Context, activeOnly bool) ([]AuditRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditRule
	for _, r := range s.rules {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) InsertEntries(_ context.Context, ruleID string, dates []time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := map[string]bool{}
	for _, e := range s.entries {
		if e.RuleID == ruleID {
			existing[e.ScheduledOn.Format(dateFormat)] = true
		}
	}
	now := time.Now().UTC()
	inserted := 0
	for _, d := range dates {
		key := d.Format(dateFormat)
		if existing[key] {
			continue
		}
		existing[key] = true
		id := uuid.NewString()
		s.entries[id] = ScheduleEntry{
			ID:          id,
			RuleID:      ruleID,
			ScheduledOn: d,
			Status:      StatusPending,
			CreatedAt:   now,
		}
		inserted++
	}
	return inserted, nil
}

func (s *memoryStore) ListEntries(_ context.Context, f EntryFilter) ([]ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ScheduleEntry
	for _, e := range s.entries {
		if f.RuleID != "" && e.RuleID != f.RuleID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && e.ScheduledOn.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.ScheduledOn.After(f.To) {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (s *memoryStore) GetEntry(_ context.Context, id string) (*ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return &e, nil
}

func (s *memoryStore) SetEntryStatus(_ context.Context, id string, status EntryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	if e.Status != StatusPending && e.Status != status {
		return fmt.Errorf("entry %s: terminal status: %w", id, ErrConflict)
	}
	e.Status = status
	s.entries[id] = e
	return nil
}

func (s *memoryStore) DueEntries(_ context.Context, by time.Time) ([]ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := by.Format(dateFormat)
	var out []ScheduleEntry
	for _, e := range s.entries {
		if e.Status != StatusPending || e.NotifiedAt != nil {
			continue
		}
		if strings.Compare(e.ScheduledOn.Format(dateFormat), limit) > 0 {
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (s *memoryStore) MarkNotified(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	if e.NotifiedAt == nil {
		t := at.UTC()
		e.NotifiedAt = &t
		s.entries[id] = e
	}
	return nil
}

func sortEntries(es []ScheduleEntry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].ScheduledOn.Equal(es[j].ScheduledOn) {
			return es[i].ScheduledOn.Before(es[j].ScheduledOn)
		}
		return es[i].RuleID < es[j].RuleID
	})
}
