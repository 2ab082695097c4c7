package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultIPPort is the TCP port of the network bridge firmware.
const DefaultIPPort = 4210

const ipDialTimeout = 6 * time.Second

// IPTransport sends and receives framed traffic over a TCP socket.
type IPTransport struct {
	address string

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

// NewIPTransport accepts "host" or "host:port"; a bare host uses DefaultIPPort.
func NewIPTransport(host string) *IPTransport {
	return &IPTransport{address: ipAddress(host)}
}

func ipAddress(host string) string {
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}

	return net.JoinHostPort(host, strconv.Itoa(DefaultIPPort))
}

func (t *IPTransport) Name() string {
	return "ip"
}

func (t *IPTransport) StatusTarget() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.address
}

func (t *IPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("ip", "target", t.address)
	if t.conn != nil {
		logger.Debug("connect skipped: already connected")

		return nil
	}
	if t.address == "" {
		return errors.New("ip host is empty")
	}

	dialer := net.Dialer{Timeout: ipDialTimeout}
	logger.Info("connecting")
	conn, err := dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		logger.Warn("connect failed", "error", err)

		return fmt.Errorf("dial tcp: %w", err)
	}
	t.conn = conn
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *IPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		transportLogger("ip", "target", t.address).Warn("close failed", "error", err)

		return err
	}
	transportLogger("ip", "target", t.address).Info("closed")

	return nil
}

func (t *IPTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	conn, err := t.currentConn()
	if err != nil {
		return nil, err
	}

	// Unblock the read when ctx ends; the deadline is cleared afterwards so a
	// later call starts fresh.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer func() {
		if stop() {
			_ = conn.SetReadDeadline(time.Time{})
		}
	}()

	payload, err := unwrapBridgeFrame(streamFill(conn))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, err
	}
	transportLogger("ip").Debug("read frame", "len", len(payload))

	return payload, nil
}

func (t *IPTransport) WriteFrame(ctx context.Context, payload []byte) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}

	frame, err := wrapBridgeFrame(payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(frame); err != nil {
		transportLogger("ip").Warn("write frame failed", "payload_len", len(payload), "error", err)

		return fmt.Errorf("write frame: %w", err)
	}
	transportLogger("ip").Debug("write frame", "payload_len", len(payload), "frame_len", len(frame))

	return nil
}

func (t *IPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}

	return t.conn, nil
}
