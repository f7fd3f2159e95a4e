// Package storage persists task definitions.
//
// Drivers:
//   - "memory": process-local, the default and the test backend
//   - "file": JSON snapshot + append-only journal, no external services
//   - "sqlite": SQLite file (modernc, pure Go)
//   - "postgres": PostgreSQL through a pgx pool
//   - "redis": Redis hashes
//
// SQL drivers are migrated with golang-migrate from embedded files.
package storage
