package stream

import (
	"context"
	"time"
)

// Position is a global, totally ordered log position. Zero means
// "before the first event".
type Position int64

// Event is an event to be appended.
type Event struct {
	Type     string
	Data     []byte
	Metadata []byte
}

// RecordedEvent is an event as read back from a stream.
type RecordedEvent struct {
	Stream   string
	Number   int64    // per-stream event number, starting at 0
	Position Position // global log position
	Type     string
	Data     []byte
	Metadata []byte
	Created  time.Time
}

// Store is the stream store facade.
//
// All methods may block on I/O and honor ctx cancellation. Implementations
// must be safe for concurrent use.
type Store interface {
	// Append writes events to the end of the stream, creating it if needed.
	// Returns the global position of the last event written.
	Append(ctx context.Context, stream string, events ...Event) (Position, error)

	// Read returns up to count events starting at event number from.
	// Returns ErrStreamNotFound if the stream does not exist or was deleted.
	Read(ctx context.Context, stream string, from int64, count int) ([]RecordedEvent, error)

	// ReadBackward returns up to count events from the end of the stream,
	// newest first.
	ReadBackward(ctx context.Context, stream string, count int) ([]RecordedEvent, error)

	// Delete soft-deletes the stream. A later Append recreates it empty.
	// Returns ErrStreamNotFound if there is nothing to delete.
	Delete(ctx context.Context, stream string) error
}

// ReadAll reads a whole stream forward in pages of batch events.
func ReadAll(ctx context.Context, s Store, stream string, batch int) ([]RecordedEvent, error) {
	if batch <= 0 {
		batch = 256
	}
	var all []RecordedEvent
	var from int64
	for {
		page, err := s.Read(ctx, stream, from, batch)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < batch {
			return all, nil
		}
		from = page[len(page)-1].Number + 1
	}
}
