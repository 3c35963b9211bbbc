package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lease not held")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lease is exclusive ownership of a Redis key held by one process. Once
// acquired it is renewed every third of its TTL until Release, or until a
// renewal finds the key owned by someone else.
type Lease struct {
	client redis.UniversalClient
	key    string
	value  string
	ttl    time.Duration

	mu       sync.Mutex
	held     bool
	stop     chan struct{}
	stopped  chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
}

// NewLease creates a lease on key held for ttl between renewals
func NewLease(client redis.UniversalClient, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		value:  uuid.NewString(),
		ttl:    ttl,
		lost:   make(chan struct{}),
	}
}

func (l *Lease) Key() string { return l.key }

// TryAcquire takes the lease if nobody holds it. ctx only bounds the
// acquisition; renewal runs until Release.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}

	l.held = true
	l.stop = make(chan struct{})
	l.stopped = make(chan struct{})
	go l.keepAlive(l.stop, l.stopped)
	return true, nil
}

// Lost is closed when a renewal finds the key gone or owned elsewhere.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// Release gives the lease up if this holder still owns it
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return ErrNotHeld
	}
	l.held = false
	close(l.stop)
	stopped := l.stopped
	l.mu.Unlock()

	<-stopped

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *Lease) keepAlive(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				// transient; the next tick tries again before the TTL runs out
				continue
			}
			if n == 0 {
				l.lostOnce.Do(func() { close(l.lost) })
				return
			}
		}
	}
}
