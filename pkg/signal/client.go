package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrUnavailable is surfaced once the reconnect budget is exhausted.
// The client stops retrying at that point; a fresh Dial is required.
var ErrUnavailable = errors.New("signaling unavailable")

// Handler receives every relay-forwarded message. It runs on the client's
// read goroutine, so implementations must not block.
type Handler func(Message)

// Client maintains the websocket to the signaling relay. Disconnects are
// retried with capped exponential backoff; exceeding MaxRetries reports
// ErrUnavailable through OnDown and stops the client.
type Client struct {
	URL        string
	Name       string // handle registered at the relay
	MaxRetries int
	Backoff    time.Duration
	Logger     *zap.SugaredLogger

	OnMessage Handler
	OnDown    func(error)

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Dial connects, registers the client's name and starts the read loop.
func (c *Client) Dial(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(ctx)
	return nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return nil, err
	}
	reg := Message{Type: TypeRegister, From: c.Name}
	if err := conn.WriteJSON(reg); err != nil {
		conn.Close()
		return nil, err
	}
	if c.Logger != nil {
		c.Logger.Infow("signaling_connected", "url", c.URL, "name", c.Name)
	}
	return conn, nil
}

// Send writes one message to the relay. Concurrent senders are serialized.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrUnavailable
	}
	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.reconnect(ctx) {
				continue
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.Logger != nil {
				c.Logger.Debugw("signaling_bad_message", "err", err)
			}
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

// reconnect retries the relay with doubling backoff. Returns false once the
// client is closed or the retry budget is spent.
func (c *Client) reconnect(ctx context.Context) bool {
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for attempt := 1; attempt <= c.MaxRetries; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := c.connect(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			return true
		}
		if c.Logger != nil {
			c.Logger.Warnw("signaling_reconnect_failed",
				"attempt", attempt, "max", c.MaxRetries, "err", err)
		}
		backoff *= 2
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.OnDown != nil {
		c.OnDown(ErrUnavailable)
	}
	return false
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
