package ports

import (
	"context"

	"rendezvous/internal/core/domain"
)

// EventLogRepository stores the append-only event log. Implementations
// never reorder or drop entries.
type EventLogRepository interface {
	Append(ctx context.Context, events ...domain.Event) (int, error)
	Slice(ctx context.Context, from int) ([]domain.Event, error)
	Len(ctx context.Context) (int, error)
}

// EventMirror receives a copy of every appended entry for external
// observers. Mirrors are write-only; the log is never rebuilt from them.
type EventMirror interface {
	Mirror(ctx context.Context, index int, event domain.Event) error
	Close() error
}
