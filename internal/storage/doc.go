// Package storage persists user records: the set of delivery endpoints
// registered for each user, plus an append-only audit trail of mutations.
//
// Drivers:
//   - "memory": process-local map (default, tests and development)
//   - "file": snapshot + append-only journal, compacted periodically
//   - "sqlite": SQLite database file (modernc.org/sqlite)
//   - "postgres": PostgreSQL (lib/pq)
//
// Every driver implements optimistic concurrency: records carry a version
// and CompareAndSwap only writes when the stored version matches.
package storage
