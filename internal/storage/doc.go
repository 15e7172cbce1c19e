// Package storage owns the SQLite database shared by the record store,
// the monitoring log and the scheduler job store.
//
// It provides:
//   - Open: a single-writer handle with WAL and busy_timeout pragmas
//   - embedded, versioned migrations (PRAGMA user_version)
//   - RepositoryError, the retryable wrapper for SQL/I-O failures
//   - small helpers shared by repositories (WithTx, NullStr, time codecs)
package storage
