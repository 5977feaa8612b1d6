// Package materializer turns recurring-audit rules into concrete schedule
// entries.
//
// # Overview
//
// The service runs a sweep on a cron/interval trigger (default hourly): every
// active rule is expanded over the configured horizon and the resulting dates
// are inserted into storage. Inserts are idempotent per (rule, date), so a
// sweep over an already-covered window is a no-op; as the wall clock advances,
// each sweep extends the materialized horizon forward.
//
// Rules that fail structural validation are logged and skipped; one broken
// rule never aborts the sweep. Per-rule outcomes are published on the event
// bus as "rule.materialized".
//
// # Lifecycle
//
// The service can be started/stopped at runtime (config hot reload). A sweep
// already in flight causes the next trigger to be skipped rather than
// overlapped.
package materializer
