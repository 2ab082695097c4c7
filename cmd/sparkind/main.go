package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/skobkin/sparkin/internal/app"
	"github.com/skobkin/sparkin/internal/logging"
	"github.com/skobkin/sparkin/internal/platform"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("run sparkin service", "error", err)
		os.Exit(1)
	}
}

type options struct {
	ConfigFile  string
	SocketPath  string
	LogLevel    string
	EnvFile     string
	ShowVersion bool
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet(app.ServiceName, flag.ContinueOnError)
	fs.StringVar(&opts.ConfigFile, "config", "", "config file path (default: system config dir)")
	fs.StringVar(&opts.SocketPath, "socket", "", "control channel socket path")
	fs.StringVar(&opts.LogLevel, "log-level", "", "override log level: debug, info, warn, error")
	fs.StringVar(&opts.EnvFile, "env-file", "", "load environment overrides from a dotenv file")
	fs.BoolVar(&opts.ShowVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.LogLevel != "" {
		if _, err := logging.ParseLevel(opts.LogLevel); err != nil {
			return options{}, err
		}
	}

	return opts, nil
}

func run(args []string) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}
	if opts.ShowVersion {
		fmt.Printf("%s %s\n", app.ServiceName, app.BuildVersionWithDate())
		return nil
	}
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return err
	}

	lock, err := platform.AcquireInstanceLock(app.ServiceName, platform.ScopeMachine)
	if err != nil {
		if errors.Is(err, platform.ErrInstanceAlreadyRunning) {
			return err
		}
		if !errors.Is(err, platform.ErrInstanceLockUnsupported) {
			return fmt.Errorf("acquire instance lock: %w", err)
		}
		slog.Warn("instance lock unsupported on this platform")
	}
	if lock != nil {
		defer func() {
			_ = lock.Release()
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.InitializeService(ctx, app.ServiceOptions{
		ConfigFile: opts.ConfigFile,
		SocketPath: opts.SocketPath,
		LogLevel:   opts.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("initialize service runtime: %w", err)
	}
	defer func() {
		_ = rt.Close()
	}()

	go reloadOnHangup(ctx, rt)

	return rt.Run()
}

// loadEnvFile applies a dotenv file. Variables already set in the process
// environment win.
func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}

	return nil
}
