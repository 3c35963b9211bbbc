package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("batcher stopped")

// FlushFunc writes one batch. Items are passed in the order they were added.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Batcher collects items and flushes them when the batch is full or the
// interval elapses, whichever comes first. Flushes never overlap.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	flush         FlushFunc[T]
	onError       func(err error, items []T)

	mu      sync.Mutex
	pending []T
	stopped bool

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
}

type Option[T any] func(*Batcher[T])

// WithErrorHandler is called with the items of every batch that failed to
// flush. The items are not retried.
func WithErrorHandler[T any](fn func(err error, items []T)) Option[T] {
	return func(b *Batcher[T]) { b.onError = fn }
}

// New creates a batcher that flushes every batchSize items or batchInterval
func New[T any](batchSize int, batchInterval time.Duration, flush FlushFunc[T], opts ...Option[T]) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		flush:         flush,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.run()
	return b
}

// Add queues item, flushing when the batch is full
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	b.pending = append(b.pending, item)
	full := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Batcher[T]) take() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.batchSize)
	return items
}

func (b *Batcher[T]) flushPending(ctx context.Context) {
	for {
		items := b.take()
		if items == nil {
			return
		}
		if err := b.flush(ctx, items); err != nil && b.onError != nil {
			b.onError(err, items)
		}
	}
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.batchInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			b.flushPending(ctx)
		case <-b.flushChan:
			b.flushPending(ctx)
		case <-b.stopChan:
			b.flushPending(ctx)
			return
		}
	}
}

// Stop rejects further items, flushes what is pending and waits for the
// final flush or ctx, whichever ends first.
func (b *Batcher[T]) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.stopChan)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingCount returns the number of queued items
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
