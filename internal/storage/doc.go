// Package storage persists tracked users, their poll settings and the time
// of their last delivered prompt.
//
// Drivers:
//   - memory: process-local, for tests and throwaway runs
//   - file:   JSON Lines journal compacted into a snapshot
//   - sqlite: SQLite database file (modernc.org/sqlite, no cgo)
//
// It also keeps a compact audit trail of engine actions.
package storage
