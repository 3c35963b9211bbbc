package middleware

import (
	"sync"
	"time"

	"rendezvous/pkg/config"
	apperrors "rendezvous/pkg/errors"
	"rendezvous/pkg/utils"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				_ = c.Error(apperrors.NewServiceUnavailableError("too many concurrent requests"))
				c.Abort()
				return
			}
		}

		if !store.getLimiter(utils.HostOnly(c.Request.RemoteAddr)).Allow() {
			c.Header("Retry-After", "1")
			_ = c.Error(apperrors.NewRateLimitError())
			c.Abort()
			return
		}
		c.Next()
	}
}

// WebSocketLimiter bounds relay connections per client IP and in total,
// and hands out per-connection message limiters.
type WebSocketLimiter struct {
	connections *rateLimiterStore
	sem         chan struct{}

	messageRate  rate.Limit
	messageBurst int
}

// NewWebSocketLimiter returns nil when rate limiting is disabled; a nil
// limiter is valid to pass to the relay server.
func NewWebSocketLimiter(cfg *config.Config) *WebSocketLimiter {
	if !cfg.RateLimiting.Enabled {
		return nil
	}
	ws := cfg.RateLimiting.WebSocket

	l := &WebSocketLimiter{
		connections:  newRateLimiterStore(rate.Every(time.Minute/time.Duration(ws.ConnectionsPerMinute)), ws.ConnectionsPerMinute),
		messageRate:  rate.Limit(ws.MessagesPerSecond),
		messageBurst: ws.Burst,
	}
	if ws.MaxConcurrent > 0 {
		l.sem = make(chan struct{}, ws.MaxConcurrent)
	}
	return l
}

// AcquireConnection reports whether ip may open another connection. Every
// successful call must be paired with ReleaseConnection.
func (l *WebSocketLimiter) AcquireConnection(ip string) bool {
	if !l.connections.getLimiter(ip).Allow() {
		return false
	}
	if l.sem == nil {
		return true
	}
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *WebSocketLimiter) ReleaseConnection() {
	if l.sem == nil {
		return
	}
	select {
	case <-l.sem:
	default:
	}
}

func (l *WebSocketLimiter) MessageLimiter() *rate.Limiter {
	return rate.NewLimiter(l.messageRate, l.messageBurst)
}
