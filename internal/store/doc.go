// Package store provides the SQLite run journal.
//
// Every run executed by the station is recorded: when it started, which
// unit it resolved to (and every resolution attempt on the way), and how the
// finish-time upload went. The journal is local audit data. It is never the
// source of truth for unit identity, which lives in the registry.
//
// # Tables
//
//   - runs: one row per run, keyed by run id, updated in place at finish
//   - resolutions: append-only resolution attempts per run
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as RFC 3339 text in UTC. Listing queries order by
// started_at then run_id so results are stable.
package store
