package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rendezvous/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	QueueSize        int
	MaxMessageSize   int64
}

// DefaultClientOptions returns the agent-side relay defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		QueueSize:        256,
		MaxMessageSize:   1 << 20,
	}
}

// RelayClient is an agent's websocket connection to the signaling server.
// Pings from the server are answered by the gorilla default handler, which
// is what keeps the session alive.
type RelayClient struct {
	conn    *websocket.Conn
	opts    ClientOptions
	inbound chan []byte
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	logger  *zap.SugaredLogger
}

// Dial connects to the signaling server at url and starts the read and
// write pumps.
func Dial(ctx context.Context, url string, opts ClientOptions, logger *zap.SugaredLogger) (*RelayClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultClientOptions().QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultClientOptions().WriteTimeout
	}

	c := &RelayClient{
		conn:    conn,
		opts:    opts,
		inbound: make(chan []byte, opts.QueueSize),
		frames:  make(chan []byte, opts.QueueSize),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go c.readPump()
	go c.writePump()

	logger.Infow("connected to relay", "url", url)
	return c, nil
}

// Send queues msg for delivery, waiting for queue space until ctx ends.
func (c *RelayClient) Send(ctx context.Context, msg domain.Message) error {
	frame, err := domain.EncodeMessage(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return domain.ErrSessionClosed
	default:
	}

	select {
	case c.frames <- frame:
		return nil
	case <-c.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *RelayClient) Inbound() <-chan []byte {
	return c.inbound
}

// Done is closed once the connection has ended for any reason.
func (c *RelayClient) Done() <-chan struct{} {
	return c.done
}

// Close sends a normal close frame and shuts the connection.
func (c *RelayClient) Close() error {
	c.shutdown()
	return nil
}

func (c *RelayClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.opts.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.conn.Close()
	})
}

func (c *RelayClient) readPump() {
	defer close(c.inbound)
	defer c.shutdown()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Infow("relay connection lost", "error", err)
			}
			return
		}

		select {
		case c.inbound <- frame:
		case <-c.done:
			return
		}
	}
}

func (c *RelayClient) writePump() {
	for {
		select {
		case frame := <-c.frames:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warnw("relay write failed", "error", err)
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}
