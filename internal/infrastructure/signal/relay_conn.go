package signal

import (
	"sync"
	"time"

	"rendezvous/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// relayConn adapts one server-side websocket to ports.RelayHandle. All
// writes go through writePump so the signaling service never blocks on a
// slow client.
type relayConn struct {
	conn         *websocket.Conn
	ip           string
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	frames chan []byte
	pings  chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newRelayConn(conn *websocket.Conn, ip string, queueSize int, writeTimeout time.Duration, logger *zap.SugaredLogger) *relayConn {
	return &relayConn{
		conn:         conn,
		ip:           ip,
		writeTimeout: writeTimeout,
		logger:       logger,
		frames:       make(chan []byte, queueSize),
		pings:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (c *relayConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case c.frames <- frame:
		return nil
	default:
		return domain.ErrSendQueueFull
	}
}

// Ping schedules a ping control frame. A ping already waiting to be
// written absorbs this one.
func (c *relayConn) Ping() error {
	select {
	case <-c.done:
		return domain.ErrSessionClosed
	case c.pings <- struct{}{}:
	default:
	}
	return nil
}

func (c *relayConn) Terminate(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *relayConn) RemoteAddr() string {
	return c.ip
}

func (c *relayConn) terminated() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *relayConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writePump owns every write to the socket. It returns after Terminate or
// the first write error, closing the socket in both cases so the reader
// unblocks.
func (c *relayConn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.frames:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debugw("websocket write failed", "ip", c.ip, "error", err)
				c.Terminate(closeReasonWriteFailed)
				return
			}

		case <-c.pings:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debugw("websocket ping failed", "ip", c.ip, "error", err)
				c.Terminate(closeReasonWriteFailed)
				return
			}

		case <-c.done:
			deadline := time.Now().Add(c.writeTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.closeReason())
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

const closeReasonWriteFailed = "write failed"
