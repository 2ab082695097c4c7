package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/sparkin/internal/bus"
	"github.com/skobkin/sparkin/internal/config"
	"github.com/skobkin/sparkin/internal/events"
	"github.com/skobkin/sparkin/internal/ipc"
	"github.com/skobkin/sparkin/internal/logging"
	"github.com/skobkin/sparkin/internal/persistence"
	"github.com/skobkin/sparkin/internal/platform"
	"github.com/skobkin/sparkin/internal/service"
)

const (
	writerQueueCapacity = 256
	writeFlushTimeout   = 3 * time.Second
)

// ServiceRuntime wires the privileged sparkind process.
type ServiceRuntime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config *ConfigStore

	LogManager  *logging.Manager
	Bus         *bus.PubSubBus
	DB          *sql.DB
	SlotRepo    *persistence.SlotRepo
	WriterQueue *persistence.WriterQueue

	Transport *DeviceTransport
	Locker    platform.ScreenLocker
	Server    *ipc.Server
	Service   *service.Service

	connStatusMu    sync.RWMutex
	connStatus      events.ConnectionStatus
	connStatusKnown bool
}

// ServiceOptions override resolved defaults, mostly from command line flags.
type ServiceOptions struct {
	ConfigFile string
	SocketPath string
	LogLevel   string
	Lookup     config.LookupFunc
}

func InitializeService(parent context.Context, opts ServiceOptions) (*ServiceRuntime, error) {
	paths, err := ResolveServicePaths()
	if err != nil {
		return nil, err
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	paths.ConfigFile = config.ConfigPath(lookup, paths.ConfigFile)
	if opts.ConfigFile != "" {
		paths.ConfigFile = opts.ConfigFile
	}

	store, err := LoadConfigStore(paths.ConfigFile, lookup)
	if err != nil {
		return nil, err
	}
	cfg := store.Current()
	paths.SocketPath = socketPath(cfg, opts.SocketPath, paths.SocketPath)

	ctx, cancel := context.WithCancel(parent)
	rt := &ServiceRuntime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: store,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	if opts.LogLevel != "" {
		if err := logMgr.SetLevel(opts.LogLevel); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	slog.Info("starting sparkin service", "version", BuildVersion(), "build_date", BuildDateYMD(), "config", paths.ConfigFile)

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.DB = db
	rt.SlotRepo = persistence.NewSlotRepo(db)

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	connSub := b.Subscribe(events.TopicConnStatus)
	go rt.captureConnStatus(ctx, connSub)
	rawSub := b.Subscribe(events.TopicRawFrameIn, events.TopicRawFrameOut)
	go traceFrames(ctx, logMgr.Logger("frames"), rawSub)

	writerQueue := persistence.NewWriterQueue(logMgr.Logger("persistence"), writerQueueCapacity)
	writerQueue.Start(ctx)
	rt.WriterQueue = writerQueue

	tr, err := NewDeviceTransport(cfg.Device)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize transport: %w", err)
	}
	rt.Transport = tr

	rt.Locker = platform.NewScreenLocker(logMgr.Logger("screenlock"))
	rt.Server = ipc.NewServer(logMgr.Logger("channel"), paths.SocketPath)
	rt.Service = service.New(service.Options{
		Logger:    logMgr.Logger("service"),
		Bus:       b,
		Transport: tr,
		Channel:   rt.Server,
		Locker:    rt.Locker,
		Settings:  store,
		Slots:     rt.SlotRepo,
		Writer:    writerQueue,
	})
	rt.Server.OnConnect(rt.Service.ClientAttached)

	store.OnChange(func(next config.AppConfig) {
		if err := logMgr.Configure(next.Logging, paths.LogFile); err != nil {
			slog.Warn("reconfigure logging", "error", err)
			return
		}
		// The command line level wins over the file.
		if opts.LogLevel != "" {
			_ = logMgr.SetLevel(opts.LogLevel)
		}
	})

	return rt, nil
}

// Run serves the channel until ctx ends. The device link runs alongside.
func (r *ServiceRuntime) Run() error {
	r.Service.Start(r.Ctx)
	err := r.Server.Serve(r.Ctx, r.Service.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (r *ServiceRuntime) captureConnStatus(ctx context.Context, sub bus.Subscription) {
	for {
		raw, ok := bus.Receive(ctx, sub)
		if !ok {
			return
		}
		status, ok := raw.(events.ConnectionStatus)
		if !ok {
			continue
		}
		r.setConnStatus(status)
		slog.Info("device link", "status", FormatConnectionStatus(status))
	}
}

func (r *ServiceRuntime) setConnStatus(status events.ConnectionStatus) {
	r.connStatusMu.Lock()
	r.connStatus = status
	r.connStatusKnown = true
	r.connStatusMu.Unlock()
}

func (r *ServiceRuntime) CurrentConnStatus() (events.ConnectionStatus, bool) {
	r.connStatusMu.RLock()
	defer r.connStatusMu.RUnlock()

	if !r.connStatusKnown && r.Config != nil {
		return ConnectionStatusFromConfig(r.Config.Current().Device), false
	}

	return r.connStatus, r.connStatusKnown
}

func (r *ServiceRuntime) Close() error {
	if r.Server != nil {
		_ = r.Server.Close()
	}
	// The writer loop stops with the runtime context.
	if r.WriterQueue != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), writeFlushTimeout)
		if err := r.WriterQueue.Flush(flushCtx); err != nil {
			slog.Warn("flush pending writes", "error", err)
		}
		cancel()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.Transport != nil {
		_ = r.Transport.Close()
	}
	if r.Locker != nil {
		_ = r.Locker.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}

	return nil
}

func socketPath(cfg config.AppConfig, flagValue, fallback string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(cfg.Channel.SocketPath); v != "" {
		return v
	}

	return fallback
}

func traceFrames(ctx context.Context, logger *slog.Logger, sub bus.Subscription) {
	for {
		raw, ok := bus.Receive(ctx, sub)
		if !ok {
			return
		}
		frame, ok := raw.(events.RawFrame)
		if !ok {
			continue
		}
		logger.Debug("raw frame", "opcode", fmt.Sprintf("0x%02X", frame.Opcode), "len", frame.Len, "hex", frame.Hex)
	}
}
