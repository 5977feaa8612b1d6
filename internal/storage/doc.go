// Package storage persists recurring-audit rules and the schedule entries
// materialized from them.
//
// It currently supports:
//   - SQLite (modernc.org/sqlite, CGo-free) with embedded migrations
//   - An in-process memory store (tests, ephemeral runs)
//
// Entry inserts are idempotent per (rule, date): re-running a materialization
// sweep over an already-covered window inserts nothing. That property is what
// lets the expansion core stay pure and stateless - de-duplication against
// existing rows lives here.
package storage
