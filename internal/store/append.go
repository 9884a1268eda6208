package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/projmgr/internal/stream"
)

// Append writes events to the end of the named stream in one transaction.
// The stream row is created on first use. Appending to a soft-deleted
// stream recreates it; appending to a tombstoned stream fails permanently.
func (s *Store) Append(ctx context.Context, name string, events ...stream.Event) (stream.Position, error) {
	if name == "" {
		return 0, stream.Permanent("append", name, fmt.Errorf("empty stream name"))
	}
	if len(events) == 0 {
		return 0, stream.Permanent("append", name, fmt.Errorf("no events"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("append", name, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO streams (name) VALUES (?)
		ON CONFLICT(name) DO NOTHING
	`, name)
	if err != nil {
		return 0, classify("append", name, fmt.Errorf("ensure stream: %w", err))
	}

	var next int64
	var tombstoned bool
	err = tx.QueryRowContext(ctx, `
		SELECT next_number, tombstoned FROM streams WHERE name = ?
	`, name).Scan(&next, &tombstoned)
	if err != nil {
		return 0, classify("append", name, fmt.Errorf("load stream: %w", err))
	}
	if tombstoned {
		return 0, stream.Permanent("append", name, stream.ErrStreamTombstoned)
	}

	created := s.now().UTC().Format(time.RFC3339Nano)
	var last int64
	for _, ev := range events {
		if ev.Type == "" {
			return 0, stream.Permanent("append", name, fmt.Errorf("event %d: empty type", next))
		}
		data := ev.Data
		if data == nil {
			data = []byte{}
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (stream, number, event_type, data, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, name, next, ev.Type, data, nullBytes(ev.Metadata), created)
		if err != nil {
			return 0, classify("append", name, fmt.Errorf("insert event %d: %w", next, err))
		}
		last, err = res.LastInsertId()
		if err != nil {
			return 0, classify("append", name, fmt.Errorf("last insert id: %w", err))
		}
		next++
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE streams SET next_number = ? WHERE name = ?
	`, next, name)
	if err != nil {
		return 0, classify("append", name, fmt.Errorf("advance stream: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, classify("append", name, fmt.Errorf("commit: %w", err))
	}

	return stream.Position(last), nil
}

// Delete soft-deletes the stream: its events are removed and numbering
// resumes after the last deleted event if the stream is written again.
// Returns stream.ErrStreamNotFound when the stream has no live events.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.remove(ctx, "delete", name, false)
}

// Tombstone hard-deletes the stream. Later appends fail with
// stream.ErrStreamTombstoned.
func (s *Store) Tombstone(ctx context.Context, name string) error {
	return s.remove(ctx, "tombstone", name, true)
}

func (s *Store) remove(ctx context.Context, op, name string, tombstone bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, name, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	var next, deletedBefore int64
	var tombstoned bool
	err = tx.QueryRowContext(ctx, `
		SELECT next_number, deleted_before, tombstoned FROM streams WHERE name = ?
	`, name).Scan(&next, &deletedBefore, &tombstoned)
	if err == sql.ErrNoRows {
		return stream.Permanent(op, name, stream.ErrStreamNotFound)
	}
	if err != nil {
		return classify(op, name, fmt.Errorf("load stream: %w", err))
	}
	if tombstoned {
		return stream.Permanent(op, name, stream.ErrStreamNotFound)
	}
	if next == deletedBefore && !tombstone {
		return stream.Permanent(op, name, stream.ErrStreamNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE stream = ?`, name); err != nil {
		return classify(op, name, fmt.Errorf("delete events: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE streams SET deleted_before = next_number, tombstoned = ? WHERE name = ?
	`, tombstone, name)
	if err != nil {
		return classify(op, name, fmt.Errorf("mark deleted: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return classify(op, name, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
