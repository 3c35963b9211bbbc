package monitoring

import (
	"context"
	"fmt"
	"time"

	"rendezvous/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddEventLogCheck verifies the log repository answers.
func (h *HealthChecker) AddEventLogCheck(repo ports.EventLogRepository, timeout time.Duration) {
	h.AddCheck("event_log", func(ctx context.Context) (bool, error) {
		if _, err := repo.Len(ctx); err != nil {
			return false, fmt.Errorf("event log: %w", err)
		}
		return true, nil
	}, timeout)
}

// AddSessionCapacityCheck reports unhealthy once more than max sessions are
// connected. A max of zero disables the check.
func (h *HealthChecker) AddSessionCapacityCheck(signaling ports.SignalingService, max int) {
	if max <= 0 {
		return
	}
	h.AddCheck("sessions", func(ctx context.Context) (bool, error) {
		if n := signaling.SessionCount(); n > max {
			return false, fmt.Errorf("%d sessions exceeds capacity %d", n, max)
		}
		return true, nil
	}, 0)
}

// AddLeaseCheck reports unhealthy once lost is closed.
func (h *HealthChecker) AddLeaseCheck(name string, lost <-chan struct{}) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		select {
		case <-lost:
			return false, fmt.Errorf("%s lease lost", name)
		default:
			return true, nil
		}
	}, 0)
}
