package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/projmgr/internal/stream"
)

// Read returns up to count events of the stream with number >= from,
// in ascending number order.
//
// Returns stream.ErrStreamNotFound if the stream was never written,
// was deleted, or was tombstoned. Returns an empty slice (not nil) when
// from is past the end of a live stream.
func (s *Store) Read(ctx context.Context, name string, from int64, count int) ([]stream.RecordedEvent, error) {
	if count <= 0 {
		return []stream.RecordedEvent{}, nil
	}
	if err := s.requireLive(ctx, "read", name); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, stream, number, event_type, data, metadata, created_at
		FROM events
		WHERE stream = ? AND number >= ?
		ORDER BY number ASC
		LIMIT ?
	`, name, from, count)
	if err != nil {
		return nil, classify("read", name, fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	return scanEvents("read", name, rows)
}

// ReadBackward returns up to count events from the end of the stream,
// newest first.
func (s *Store) ReadBackward(ctx context.Context, name string, count int) ([]stream.RecordedEvent, error) {
	if count <= 0 {
		return []stream.RecordedEvent{}, nil
	}
	if err := s.requireLive(ctx, "read", name); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, stream, number, event_type, data, metadata, created_at
		FROM events
		WHERE stream = ?
		ORDER BY number DESC
		LIMIT ?
	`, name, count)
	if err != nil {
		return nil, classify("read", name, fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	return scanEvents("read", name, rows)
}

// Streams lists live stream names in ascending order.
func (s *Store) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM streams
		WHERE tombstoned = 0 AND next_number > deleted_before
		ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, classify("read", "", fmt.Errorf("query streams: %w", err))
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify("read", "", fmt.Errorf("scan stream: %w", err))
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read", "", fmt.Errorf("iterate streams: %w", err))
	}
	return names, nil
}

// requireLive returns stream.ErrStreamNotFound unless the stream has
// live events.
func (s *Store) requireLive(ctx context.Context, op, name string) error {
	var next, deletedBefore int64
	var tombstoned bool
	err := s.db.QueryRowContext(ctx, `
		SELECT next_number, deleted_before, tombstoned FROM streams WHERE name = ?
	`, name).Scan(&next, &deletedBefore, &tombstoned)
	if err == sql.ErrNoRows {
		return stream.Permanent(op, name, stream.ErrStreamNotFound)
	}
	if err != nil {
		return classify(op, name, fmt.Errorf("load stream: %w", err))
	}
	if tombstoned || next == deletedBefore {
		return stream.Permanent(op, name, stream.ErrStreamNotFound)
	}
	return nil
}

func scanEvents(op, name string, rows *sql.Rows) ([]stream.RecordedEvent, error) {
	events := []stream.RecordedEvent{}
	for rows.Next() {
		var (
			ev      stream.RecordedEvent
			pos     int64
			meta    []byte
			created string
		)
		if err := rows.Scan(&pos, &ev.Stream, &ev.Number, &ev.Type, &ev.Data, &meta, &created); err != nil {
			return nil, classify(op, name, fmt.Errorf("scan event: %w", err))
		}
		ev.Position = stream.Position(pos)
		ev.Metadata = meta
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, stream.Permanent(op, name, fmt.Errorf("parse created_at %q: %w", created, err))
		}
		ev.Created = t
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, name, fmt.Errorf("iterate events: %w", err))
	}
	return events, nil
}
