package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultRebuildDelay = time.Second
	defaultWriteTimeout = 5 * time.Second
	// socketMode lets unprivileged control processes reach a privileged service.
	socketMode os.FileMode = 0o666
)

var ErrNotConnected = errors.New("channel is not connected")

// Handler receives every message read from the peer, on the reader goroutine.
type Handler func(Message)

// Server is the listening side of the channel. It serves one peer at a time
// and rebuilds its listener after every disconnect.
type Server struct {
	logger       *slog.Logger
	path         string
	rebuildDelay time.Duration

	mu           sync.Mutex
	conn         net.Conn
	onConnect    func()
	onDisconnect func()

	writeMu sync.Mutex
}

func NewServer(logger *slog.Logger, path string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		logger:       logger,
		path:         path,
		rebuildDelay: defaultRebuildDelay,
	}
}

func (s *Server) Path() string {
	return s.path
}

// OnConnect registers a hook run after a peer attaches and before its first
// message is read. Only the latest hook is kept.
func (s *Server) OnConnect(fn func()) {
	s.mu.Lock()
	s.onConnect = fn
	s.mu.Unlock()
}

func (s *Server) OnDisconnect(fn func()) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Serve runs the accept loop until ctx is canceled.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("channel server started", "path", s.path)
	defer s.logger.Info("channel server stopped", "path", s.path)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		ln, err := s.listen()
		if err != nil {
			s.logger.Error("channel listen failed", "error", err)
			if !sleepWithContext(ctx, s.rebuildDelay) {
				return nil
			}
			continue
		}

		conn, err := acceptWithContext(ctx, ln)
		// Closing the listener while a peer is served turns later dials away.
		_ = ln.Close()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("channel accept failed", "error", err)
			if !sleepWithContext(ctx, s.rebuildDelay) {
				return nil
			}
			continue
		}

		s.serveConn(ctx, conn, handler)
	}
}

func (s *Server) listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale channel socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return nil, fmt.Errorf("listen on channel socket: %w", err)
	}
	if err := os.Chmod(s.path, socketMode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("set channel socket mode: %w", err)
	}

	return ln, nil
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, handler Handler) {
	s.mu.Lock()
	s.conn = conn
	onConnect := s.onConnect
	s.mu.Unlock()

	s.logger.Info("channel peer connected")
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if onConnect != nil {
		onConnect()
	}

	err := readLoop(conn, handler, s.logger)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	onDisconnect := s.onDisconnect
	s.mu.Unlock()
	_ = conn.Close()

	if err != nil && ctx.Err() == nil {
		s.logger.Warn("channel peer dropped", "error", err)
	} else {
		s.logger.Info("channel peer disconnected")
	}
	if onDisconnect != nil {
		onDisconnect()
	}
}

// Send writes m to the connected peer. Concurrent callers are serialized.
func (s *Server) Send(m Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := writeMessage(conn, m); err != nil {
		// The reader notices the closed conn and the accept loop rebuilds.
		_ = conn.Close()
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}
	s.logger.Debug("channel message sent", "kind", m.Kind, "len", len(m.Data))

	return nil
}

// Close drops the current peer, if any. The accept loop keeps running until
// its context ends.
func (s *Server) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	return conn.Close()
}

// readLoop reads messages until the stream fails. Malformed messages inside a
// well-formed frame are skipped; framing errors end the connection.
func readLoop(conn net.Conn, handler Handler, logger *slog.Logger) error {
	for {
		payload, err := readFrame(conn)
		if err != nil {
			return err
		}
		msg, err := Unmarshal(payload)
		if err != nil {
			logger.Warn("drop malformed channel message", "error", err, "len", len(payload))
			continue
		}
		logger.Debug("channel message received", "kind", msg.Kind, "len", len(msg.Data))
		if handler != nil {
			handler(msg)
		}
	}
}

func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	return ln.Accept()
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
