package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/skobkin/sparkin/internal/bus"
	"github.com/skobkin/sparkin/internal/config"
	"github.com/skobkin/sparkin/internal/control"
	"github.com/skobkin/sparkin/internal/firmware"
	"github.com/skobkin/sparkin/internal/ipc"
	"github.com/skobkin/sparkin/internal/logging"
	"github.com/skobkin/sparkin/internal/persistence"
	"github.com/skobkin/sparkin/internal/update"
)

// ControlRuntime wires the unprivileged sparkinctl process.
type ControlRuntime struct {
	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager *logging.Manager
	Bus        *bus.PubSubBus
	DB         *sql.DB
	History    *persistence.UpdateHistoryRepo

	Client     *ipc.Client
	Updates    *update.Checker
	Controller *control.Controller
}

type ControlOptions struct {
	ConfigFile string
	SocketPath string
	LogLevel   string
	Lookup     config.LookupFunc
	// Interactive keeps the device awake while attached.
	Interactive   bool
	CheckFirmware bool
}

func InitializeControl(parent context.Context, opts ControlOptions) (*ControlRuntime, error) {
	paths, err := ResolveControlPaths()
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

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(lookup)
	paths.SocketPath = socketPath(cfg, opts.SocketPath, paths.SocketPath)
	if dir := strings.TrimSpace(cfg.Update.DownloadDir); dir != "" {
		paths.DownloadDir = dir
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &ControlRuntime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	level := opts.LogLevel
	if level == "" {
		level = "warn"
	}
	if err := logMgr.SetLevel(level); err != nil {
		_ = rt.Close()
		return nil, err
	}

	db, err := persistence.Open(ctx, paths.DBFile)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.DB = db
	rt.History = persistence.NewUpdateHistoryRepo(db)

	rt.Bus = bus.New(logMgr.Logger("bus"))
	rt.Client = ipc.NewClient(logMgr.Logger("channel"), paths.SocketPath)
	rt.Updates = update.NewChecker(update.CheckerConfig{
		BaseURL:        cfg.Update.BaseURL,
		DownloadDir:    paths.DownloadDir,
		CurrentVersion: BuildVersion(),
		Interval:       cfg.Update.CheckInterval.Std(),
		Logger:         logMgr.Logger("update"),
		UserAgent:      UserAgent(ControlName),
	})
	rt.Controller = control.New(control.Options{
		Logger:        logMgr.Logger("control"),
		Bus:           rt.Bus,
		Channel:       rt.Client,
		Updates:       rt.Updates,
		Firmware:      firmware.Options{History: rt.History},
		Interactive:   opts.Interactive,
		CheckFirmware: opts.CheckFirmware,
	})
	rt.Client.SetHandler(rt.Controller.HandleMessage)
	rt.Client.OnDisconnect(func() {
		if ctx.Err() == nil {
			slog.Warn("lost connection to sparkin service")
		}
	})

	return rt, nil
}

// Connect attaches to the running service.
func (r *ControlRuntime) Connect(timeout time.Duration) error {
	if !r.Client.Connect(r.Ctx, timeout) {
		return fmt.Errorf("%w at %s", control.ErrServiceUnavailable, r.Paths.SocketPath)
	}

	return r.Controller.Attach(r.Ctx)
}

func (r *ControlRuntime) Close() error {
	var errs []error
	if r.Controller != nil && r.Client != nil && r.Client.Connected() {
		detachCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = append(errs, r.Controller.Detach(detachCtx))
		cancel()
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.Client != nil {
		r.Client.Disconnect()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if r.LogManager != nil {
		_ = r.LogManager.Close()
	}

	return errors.Join(errs...)
}
