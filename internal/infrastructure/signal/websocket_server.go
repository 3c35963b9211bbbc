package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"rendezvous/internal/core/domain"
	"rendezvous/internal/core/ports"
	"rendezvous/internal/core/services"
	"rendezvous/internal/infrastructure/middleware"
	"rendezvous/pkg/config"
	ctxlog "rendezvous/pkg/logger"
	"rendezvous/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketServer accepts agent connections and feeds their frames to the
// signaling service. One goroutine reads each socket; writes happen on the
// connection's own write pump.
type WebSocketServer struct {
	signaling ports.SignalingService
	limiter   *middleware.WebSocketLimiter
	upgrader  websocket.Upgrader

	queueSize      int
	writeTimeout   time.Duration
	maxMessageSize int64

	mu    sync.Mutex
	conns map[*relayConn]struct{}
	wg    sync.WaitGroup

	logger    *zap.SugaredLogger
	ctxLogger *ctxlog.ContextLogger
}

// NewWebSocketServer creates a websocket server that admits every
// connection into signaling. limiter may be nil.
func NewWebSocketServer(
	signaling ports.SignalingService,
	cfg *config.Config,
	limiter *middleware.WebSocketLimiter,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	s := &WebSocketServer{
		signaling:      signaling,
		limiter:        limiter,
		queueSize:      cfg.Signal.SendQueueSize,
		writeTimeout:   cfg.Signal.WriteTimeout,
		maxMessageSize: cfg.Signal.MaxMessageSizeBytes,
		conns:          make(map[*relayConn]struct{}),
		logger:         logger,
		ctxLogger:      ctxlog.NewContextLogger(logger.Desugar()),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.Signal.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket upgrades the request and serves the session until the
// socket closes.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := utils.HostOnly(r.RemoteAddr)

	if s.limiter != nil {
		if !s.limiter.AcquireConnection(ip) {
			s.logger.Warnw("websocket connection rejected", "ip", ip, "reason", "rate limited")
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		defer s.limiter.ReleaseConnection()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "ip", ip, "error", err)
		return
	}
	if s.maxMessageSize > 0 {
		conn.SetReadLimit(s.maxMessageSize)
	}
	// the HTTP server's read timeout survives the hijack; liveness is
	// enforced by the heartbeat sweep instead
	_ = conn.SetReadDeadline(time.Time{})

	rc := newRelayConn(conn, ip, s.queueSize, s.writeTimeout, s.logger)
	s.track(rc)
	defer s.untrack(rc)

	go rc.writePump()

	ctx := context.WithoutCancel(r.Context())
	id, err := s.signaling.Admit(ctx, rc)
	if err != nil {
		s.logger.Errorw("failed to admit participant", "ip", ip, "error", err)
		rc.Terminate("admission failed")
		return
	}

	conn.SetPongHandler(func(string) error {
		s.signaling.Touch(id)
		return nil
	})

	ctx = ctxlog.WithParticipantID(ctx, string(id))
	reason := s.readLoop(ctx, id, rc)
	s.signaling.Drop(ctx, id, reason)
}

// readLoop dispatches frames until the socket fails. Signal frames are
// never rate limited.
func (s *WebSocketServer) readLoop(ctx context.Context, id domain.ParticipantID, rc *relayConn) string {
	log := s.ctxLogger.Sugar(ctx)

	var limiter interface{ Allow() bool }
	if s.limiter != nil {
		limiter = s.limiter.MessageLimiter()
	}

	for {
		_, frame, err := rc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !rc.terminated() {
				log.Infow("websocket read failed", "error", err)
			}
			if rc.closeReason() == closeReasonWriteFailed {
				return services.ReasonSendFailed
			}
			return services.ReasonConnectionClosed
		}

		if limiter != nil && !isSignalFrame(frame) && !limiter.Allow() {
			log.Warnw("dropping frame over rate limit", "type", domain.FrameType(frame))
			continue
		}

		if err := s.signaling.Dispatch(ctx, id, frame); err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				return services.ReasonConnectionClosed
			}
			log.Infow("rejected frame", "error", err)
		}
	}
}

func isSignalFrame(frame []byte) bool {
	return domain.FrameType(frame) == domain.MessageType(domain.EventConnectionSignal)
}

func (s *WebSocketServer) track(rc *relayConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[rc] = struct{}{}
	s.wg.Add(1)
}

func (s *WebSocketServer) untrack(rc *relayConn) {
	s.mu.Lock()
	delete(s.conns, rc)
	s.mu.Unlock()
	s.wg.Done()
}

// ConnectionCount reports sockets currently served, admitted or not.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown closes every open socket and waits for their handlers to
// return or ctx to expire.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for rc := range s.conns {
		rc.Terminate("server shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
