// Package storage is the durable, best-effort sink for execution events
// and the final stats snapshot.
//
// Drivers:
//   - file: <dir>/task-monitor.log (JSON lines) + <dir>/task-stats-final.json
//   - sqlite: events and stats_snapshots tables in one database file
package storage
