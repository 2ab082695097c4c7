//go:build linux

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	logindDest           = "org.freedesktop.login1"
	logindPath           = dbus.ObjectPath("/org/freedesktop/login1")
	logindManagerIface   = "org.freedesktop.login1.Manager"
	logindSessionIface   = "org.freedesktop.login1.Session"
	dbusPropertiesGet    = "org.freedesktop.DBus.Properties.Get"
	logindPropLockedHint = "LockedHint"
	logindPropActive     = "Active"
)

var linuxLockCommands = []commandSpec{
	{name: "loginctl", args: []string{"lock-sessions"}},
	{name: "xdg-screensaver", args: []string{"lock"}},
}

// logindSession mirrors one a(susso) record of Manager.ListSessions.
type logindSession struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

type logindBus interface {
	ListSessions(ctx context.Context) ([]logindSession, error)
	SessionProperty(ctx context.Context, path dbus.ObjectPath, name string) (dbus.Variant, error)
	CallSession(ctx context.Context, path dbus.ObjectPath, method string) error
	Close() error
}

func newScreenLocker(logger *slog.Logger) ScreenLocker {
	logger = logger.With("backend", "logind")

	return &logindLocker{
		logger: logger,
		dial:   dialSystemLogind,
		fallback: &commandLocker{
			logger:   logger,
			commands: linuxLockCommands,
			run:      runCommand,
		},
	}
}

// logindLocker drives session locking over the systemd-logind D-Bus API.
// The bus connection is opened lazily and dropped after any transport error.
type logindLocker struct {
	logger   *slog.Logger
	dial     func() (logindBus, error)
	fallback *commandLocker

	mu  sync.Mutex
	bus logindBus
}

func (l *logindLocker) Locked(ctx context.Context) (bool, error) {
	bus, session, err := l.session(ctx, "")
	if err != nil {
		return false, err
	}

	v, err := bus.SessionProperty(ctx, session.Path, logindPropLockedHint)
	if err != nil {
		l.dropBus()

		return false, fmt.Errorf("read %s: %w", logindPropLockedHint, err)
	}
	locked, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("read %s: unexpected type %s", logindPropLockedHint, v.Signature())
	}

	return locked, nil
}

func (l *logindLocker) Lock(ctx context.Context) error {
	bus, session, err := l.session(ctx, "")
	if err != nil {
		l.logger.Debug("logind lock unavailable, trying commands", "error", err)

		return l.fallback.Lock(ctx)
	}

	if err := bus.CallSession(ctx, session.Path, "Lock"); err != nil {
		l.dropBus()
		l.logger.Debug("logind lock failed, trying commands", "session", session.ID, "error", err)

		return l.fallback.Lock(ctx)
	}
	l.logger.Info("session locked", "session", session.ID, "user", session.User)

	return nil
}

func (l *logindLocker) Unlock(ctx context.Context, creds Credentials) error {
	bus, session, err := l.session(ctx, creds.User)
	if err != nil {
		return fmt.Errorf("unlock screen: %w", err)
	}

	if err := bus.CallSession(ctx, session.Path, "Unlock"); err != nil {
		l.dropBus()

		return fmt.Errorf("unlock session %s: %w", session.ID, err)
	}
	l.logger.Info("session unlocked", "session", session.ID, "user", session.User)

	return nil
}

func (l *logindLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bus == nil {
		return nil
	}
	err := l.bus.Close()
	l.bus = nil

	return err
}

func (l *logindLocker) connection() (logindBus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bus != nil {
		return l.bus, nil
	}
	bus, err := l.dial()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	l.bus = bus

	return bus, nil
}

func (l *logindLocker) dropBus() {
	_ = l.Close()
}

// session picks the active seat session, restricted to user when set.
// An inactive seat session is used only when nothing active matches.
func (l *logindLocker) session(ctx context.Context, user string) (logindBus, logindSession, error) {
	bus, err := l.connection()
	if err != nil {
		return nil, logindSession{}, err
	}

	sessions, err := bus.ListSessions(ctx)
	if err != nil {
		l.dropBus()

		return nil, logindSession{}, fmt.Errorf("list sessions: %w", err)
	}

	var candidate *logindSession
	for i := range sessions {
		s := sessions[i]
		if s.Seat == "" || (user != "" && s.User != user) {
			continue
		}
		v, err := bus.SessionProperty(ctx, s.Path, logindPropActive)
		if err != nil {
			l.logger.Debug("read session activity failed", "session", s.ID, "error", err)
			continue
		}
		if active, _ := v.Value().(bool); active {
			return bus, s, nil
		}
		if candidate == nil {
			candidate = &s
		}
	}
	if candidate != nil {
		return bus, *candidate, nil
	}
	if user != "" {
		return nil, logindSession{}, fmt.Errorf("%w for user %q", ErrNoSession, user)
	}

	return nil, logindSession{}, ErrNoSession
}

type systemLogind struct {
	conn *dbus.Conn
}

func dialSystemLogind() (logindBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}

	return &systemLogind{conn: conn}, nil
}

func (b *systemLogind) ListSessions(ctx context.Context) ([]logindSession, error) {
	var sessions []logindSession
	call := b.conn.Object(logindDest, logindPath).CallWithContext(ctx, logindManagerIface+".ListSessions", 0)
	if err := call.Store(&sessions); err != nil {
		return nil, err
	}

	return sessions, nil
}

func (b *systemLogind) SessionProperty(ctx context.Context, path dbus.ObjectPath, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := b.conn.Object(logindDest, path).CallWithContext(ctx, dbusPropertiesGet, 0, logindSessionIface, name)
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, err
	}

	return v, nil
}

func (b *systemLogind) CallSession(ctx context.Context, path dbus.ObjectPath, method string) error {
	call := b.conn.Object(logindDest, path).CallWithContext(ctx, logindSessionIface+"."+method, 0)
	if call.Err != nil {
		var dbusErr dbus.Error
		if errors.As(call.Err, &dbusErr) {
			return fmt.Errorf("%s: %w", dbusErr.Name, call.Err)
		}

		return call.Err
	}

	return nil
}

func (b *systemLogind) Close() error {
	return b.conn.Close()
}
