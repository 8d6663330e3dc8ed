// Package storage is the SQLite persistence layer.
//
// It holds:
//   - broadcast records with their delivery counters
//   - per-recipient outbound message records (direct sends)
//   - the subscriber table backing the recipient resolver
//   - persisted idempotency markers (dedup keys with expiry)
//
// SQLite runs with WAL and a single writer connection; ReportOutcome is a
// plain transaction, which under a single writer gives the serialized
// increment-and-check the coordinator requires.
package storage
