// Package stream defines the contract the projection coordinator consumes
// from the append-only stream store.
//
// A stream is a named, ordered sequence of events. Each event gets a
// per-stream number (0, 1, 2, ...) and a global log position that is
// totally ordered across all streams. The coordinator only ever appends,
// reads, and deletes whole streams; it never rewrites events.
//
// # Errors
//
// Store implementations report failures as *Error values so callers can
// tell transient faults (retry later) from permanent rejections (the store
// will never accept the operation, e.g. a tombstoned stream). A Delete or
// Read against a stream that does not exist returns an error matching
// ErrStreamNotFound.
package stream
