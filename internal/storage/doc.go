// Package storage persists schedules, access grants and small metadata
// records.
//
// Two drivers are available:
//   - "sqlite": a single database file (modernc.org/sqlite, pure Go)
//   - "file": a JSON snapshot plus an fsync'd append-only journal
//
// Every write is durable before it returns. Running two processes against
// the same store is unsupported; nothing detects or prevents it.
package storage
