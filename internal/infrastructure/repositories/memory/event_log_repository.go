package memory

import (
	"context"
	"fmt"
	"sync"

	"rendezvous/internal/core/domain"
	"rendezvous/internal/core/ports"
)

type MemoryEventLogRepository struct {
	entries []domain.Event
	mu      sync.RWMutex
}

// NewMemoryEventLogRepository creates an empty in-memory event log.
func NewMemoryEventLogRepository() ports.EventLogRepository {
	return &MemoryEventLogRepository{
		entries: make([]domain.Event, 0, 256),
	}
}

func (r *MemoryEventLogRepository) Append(ctx context.Context, events ...domain.Event) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, ev := range events {
		if ev == nil {
			return len(r.entries), fmt.Errorf("append nil event at position %d", len(r.entries)+i)
		}
	}
	r.entries = append(r.entries, events...)

	return len(r.entries), nil
}

// Slice returns a copy of the entries from position from to the end. A
// position past the end yields an empty slice.
func (r *MemoryEventLogRepository) Slice(ctx context.Context, from int) ([]domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if from < 0 {
		return nil, fmt.Errorf("negative log position: %d", from)
	}
	if from >= len(r.entries) {
		return []domain.Event{}, nil
	}

	out := make([]domain.Event, len(r.entries)-from)
	copy(out, r.entries[from:])
	return out, nil
}

func (r *MemoryEventLogRepository) Len(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries), nil
}
