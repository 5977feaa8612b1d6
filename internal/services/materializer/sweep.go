package materializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auditsched/internal/eventbus"
	"auditsched/internal/storage"
	"auditsched/pkg/logx"
	"auditsched/pkg/recurrence"
)

// SweepAll expands every active rule and inserts the missing entries. Per-rule
// failures land in the result slice; only storage-level failures abort.
func (s *Service) SweepAll(ctx context.Context) ([]SweepResult, error) {
	rules, err := s.store.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	results := make([]SweepResult, 0, len(rules))
	for _, rule := range rules {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		results = append(results, s.MaterializeRule(ctx, rule))
	}
	return results, nil
}

// MaterializeRule expands one rule over the configured horizon and persists
// the dates. The (rule, date) uniqueness constraint in storage makes repeat
// materialization a no-op.
func (s *Service) MaterializeRule(ctx context.Context, rule storage.AuditRule) SweepResult {
	s.mu.Lock()
	horizon := s.cfg.HorizonDays
	s.mu.Unlock()

	res := SweepResult{RuleID: rule.ID, StoreID: rule.StoreID}

	dates, err := recurrence.Expand(rule.Recurrence(), horizon, s.now())
	if err != nil {
		// Structurally invalid rules are skipped, not fatal: an operator
		// fixes the rule while the rest of the fleet keeps materializing.
		res.Error = err.Error()
		s.log.Warn("rule expansion failed; skipping",
			logx.String("rule", rule.ID),
			logx.String("store", rule.StoreID),
			logx.Err(err),
		)
		s.publish(res)
		return res
	}
	res.Expanded = len(dates)

	inserted, err := s.store.InsertEntries(ctx, rule.ID, dates)
	if err != nil {
		res.Error = err.Error()
		s.log.Error("entry insert failed",
			logx.String("rule", rule.ID),
			logx.Int("dates", len(dates)),
			logx.Err(err),
		)
		s.publish(res)
		return res
	}
	res.Inserted = inserted

	if inserted > 0 {
		s.log.Debug("rule materialized",
			logx.String("rule", rule.ID),
			logx.String("store", rule.StoreID),
			logx.Int("expanded", res.Expanded),
			logx.Int("inserted", inserted),
		)
	}
	s.publish(res)
	return res
}

// MaterializeByID is the on-demand path used by the HTTP API.
func (s *Service) MaterializeByID(ctx context.Context, ruleID string) (SweepResult, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return SweepResult{}, err
	}
	res := s.MaterializeRule(ctx, *rule)
	if res.Error != "" {
		return res, errors.New(res.Error)
	}
	return res, nil
}

// Preview expands a rule without persisting anything. days <= 0 falls back to
// the configured horizon.
func (s *Service) Preview(ctx context.Context, ruleID string, days int) ([]time.Time, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		s.mu.Lock()
		days = s.cfg.HorizonDays
		s.mu.Unlock()
	}
	return recurrence.Expand(rule.Recurrence(), days, s.now())
}

func (s *Service) publish(res SweepResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: "rule.materialized", Time: time.Now(), Data: res})
}
