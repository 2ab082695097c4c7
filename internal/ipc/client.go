package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	dialRetryInterval     = 100 * time.Millisecond
)

// Client is the connecting side of the channel. It never reconnects by itself.
type Client struct {
	logger *slog.Logger
	path   string

	mu           sync.Mutex
	conn         net.Conn
	handler      Handler
	onDisconnect func()

	writeMu sync.Mutex
}

func NewClient(logger *slog.Logger, path string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{logger: logger, path: path}
}

// SetHandler registers the receive callback. It replaces any previous one.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the server, retrying while it is busy or not yet listening,
// and reports false once timeout elapses.
func (c *Client) Connect(ctx context.Context, timeout time.Duration) bool {
	if c.Connected() {
		return true
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialUntil(dialCtx, c.path)
	if err != nil {
		c.logger.Warn("channel connect failed", "path", c.path, "timeout", timeout, "error", err)
		return false
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return true
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("channel connected", "path", c.path)
	go c.receive(conn)

	return true
}

func dialUntil(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	var lastErr error
	for {
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !sleepWithContext(ctx, dialRetryInterval) {
			return nil, errors.Join(ctx.Err(), lastErr)
		}
	}
}

func (c *Client) receive(conn net.Conn) {
	handler := func(m Message) {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(m)
		}
	}

	err := readLoop(conn, handler, c.logger)
	c.logger.Info("channel receive loop ended", "error", err)
	c.markDisconnected(conn)
}

func (c *Client) markDisconnected(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	onDisconnect := c.onDisconnect
	c.mu.Unlock()

	_ = conn.Close()
	if onDisconnect != nil {
		onDisconnect()
	}
}

// Send writes m to the server. Frames from concurrent callers never interleave.
func (c *Client) Send(m Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := writeMessage(conn, m); err != nil {
		c.markDisconnected(conn)
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}

	return nil
}

// Disconnect closes the connection. Safe to call in any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.markDisconnected(conn)
	c.logger.Info("channel disconnected")
}
