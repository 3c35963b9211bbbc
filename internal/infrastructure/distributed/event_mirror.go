package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rendezvous/internal/core/domain"
	"rendezvous/pkg/batch"
	"rendezvous/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type MirrorConfig struct {
	Key           string
	Channel       string
	BatchSize     int
	BatchInterval time.Duration
	Breaker       circuitbreaker.Config
}

// MirroredEvent is what subscribers of the mirror channel receive.
type MirroredEvent struct {
	Index int             `json:"index"`
	Event json.RawMessage `json:"event"`
}

// RedisEventMirror copies appended log entries to a Redis list and
// publishes each one on a channel. The in-memory log stays authoritative;
// entries that cannot be written are logged and dropped.
type RedisEventMirror struct {
	client  redis.UniversalClient
	cfg     MirrorConfig
	batcher *batch.Batcher[MirroredEvent]
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewRedisEventMirror creates a mirror that writes entries through a batcher.
func NewRedisEventMirror(client redis.UniversalClient, cfg MirrorConfig, logger *zap.SugaredLogger) *RedisEventMirror {
	m := &RedisEventMirror{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
	m.breaker = circuitbreaker.New(cfg.Breaker, circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("event mirror circuit changed", "from", from, "to", to)
	}))
	m.batcher = batch.New(cfg.BatchSize, cfg.BatchInterval, m.write,
		batch.WithErrorHandler(func(err error, items []MirroredEvent) {
			logger.Warnw("dropping mirrored events",
				"count", len(items),
				"first_index", items[0].Index,
				"error", err,
			)
		}))
	return m
}

// Reset clears the mirrored list. The server calls it at startup because
// the log it mirrors starts empty.
func (m *RedisEventMirror) Reset(ctx context.Context) error {
	if err := m.client.Del(ctx, m.cfg.Key).Err(); err != nil {
		return fmt.Errorf("reset mirror %s: %w", m.cfg.Key, err)
	}
	return nil
}

func (m *RedisEventMirror) Mirror(ctx context.Context, index int, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", index, err)
	}
	return m.batcher.Add(MirroredEvent{Index: index, Event: data})
}

// Close flushes pending entries, waiting at most five seconds.
func (m *RedisEventMirror) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.batcher.Stop(ctx)
}

func (m *RedisEventMirror) write(ctx context.Context, items []MirroredEvent) error {
	values := make([]interface{}, len(items))
	notices := make([][]byte, len(items))
	for i, item := range items {
		values[i] = []byte(item.Event)
		notice, err := json.Marshal(item)
		if err != nil {
			return err
		}
		notices[i] = notice
	}

	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		pipe := m.client.TxPipeline()
		pipe.RPush(ctx, m.cfg.Key, values...)
		for _, n := range notices {
			pipe.Publish(ctx, m.cfg.Channel, n)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("mirror unavailable: %w", err)
	}
	if err != nil {
		return fmt.Errorf("mirror %d events: %w", len(items), err)
	}

	m.logger.Debugw("mirrored events", "count", len(items), "last_index", items[len(items)-1].Index)
	return nil
}
