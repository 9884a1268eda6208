// Package store provides a SQLite-backed implementation of stream.Store.
//
// Every event lives in a single append-only log table. The log's
// autoincrement key is the global position; (stream, number) is unique
// per stream. Streams are tracked in their own table so that deletion can
// be expressed without losing numbering:
//
//   - Soft delete removes the stream's events and remembers where its
//     numbering stopped. Appending again recreates the stream and numbering
//     continues from that point, so readers never see a reused number.
//   - Tombstone (hard delete) removes the events and forbids any later
//     append with stream.ErrStreamTombstoned.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// SQLITE_BUSY and SQLITE_LOCKED surface as transient stream errors;
// permission, read-only and corruption failures are permanent.
package store
