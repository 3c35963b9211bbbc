package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]int
}

func (r *recorder) flush(ctx context.Context, items []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]int(nil), items...))
	return nil
}

func (r *recorder) all() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int(nil), r.batches...)
}

func TestBatcher_FlushesWhenFull(t *testing.T) {
	rec := &recorder{}
	b := New(3, time.Hour, rec.flush)
	defer b.Stop(context.Background())

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Add(i))
	}

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.all()[0])
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	rec := &recorder{}
	b := New(100, 10*time.Millisecond, rec.flush)
	defer b.Stop(context.Background())

	require.NoError(t, b.Add(7))
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.PendingCount())
}

func TestBatcher_StopFlushesAndRejects(t *testing.T) {
	rec := &recorder{}
	b := New(100, time.Hour, rec.flush)

	require.NoError(t, b.Add(1))
	require.NoError(t, b.Add(2))
	require.NoError(t, b.Stop(context.Background()))

	assert.Equal(t, [][]int{{1, 2}}, rec.all())
	assert.ErrorIs(t, b.Add(3), ErrStopped)
	assert.NoError(t, b.Stop(context.Background()))
}

func TestBatcher_ErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var failed []int
	boom := errors.New("boom")

	b := New(2, time.Hour, func(ctx context.Context, items []int) error { return boom },
		WithErrorHandler(func(err error, items []int) {
			mu.Lock()
			defer mu.Unlock()
			assert.ErrorIs(t, err, boom)
			failed = append(failed, items...)
		}))

	require.NoError(t, b.Add(1))
	require.NoError(t, b.Add(2))
	require.NoError(t, b.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, failed)
}

func TestBatcher_PreservesOrderAcrossBatches(t *testing.T) {
	rec := &recorder{}
	b := New(4, time.Millisecond, rec.flush)

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Add(i))
	}
	require.NoError(t, b.Stop(context.Background()))

	var flat []int
	for _, batch := range rec.all() {
		flat = append(flat, batch...)
	}
	require.Len(t, flat, 50)
	for i, v := range flat {
		assert.Equal(t, i, v)
	}
}
