package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/skobkin/sparkin/internal/app"
	"github.com/skobkin/sparkin/internal/logging"
	"github.com/skobkin/sparkin/internal/platform"
)

const defaultTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", app.ControlName, err)
		os.Exit(1)
	}
}

type globalOptions struct {
	ConfigFile string
	SocketPath string
	LogLevel   string
	EnvFile    string
	Timeout    time.Duration
}

// env is what every command runs with.
type env struct {
	ctx  context.Context
	out  io.Writer
	opts globalOptions
	args []string
}

type command struct {
	name  string
	usage string
	help  string
	// service commands attach to sparkind and hold the per-user lock.
	service     bool
	interactive bool
	checkFW     bool
	run         func(e env, rt *app.ControlRuntime) error
}

func commands() map[string]command {
	list := []command{
		{name: "info", help: "show the connected device", service: true, run: runInfo},
		{name: "slots", usage: "[--offline]", help: "list enrolled fingers", service: true, run: runSlots},
		{name: "enroll", usage: "[--name NAME]", help: "enroll a finger in the next free slot", service: true, interactive: true, run: runEnroll},
		{name: "delete", usage: "SLOT", help: "delete an enrolled finger", service: true, run: runDelete},
		{name: "rename", usage: "SLOT NAME", help: "rename an enrolled finger", service: true, run: runRename},
		{name: "sleep", usage: "SECONDS", help: "set the device sleep timeout", service: true, run: runSleep},
		{name: "lock-status", help: "show whether the session is locked", service: true, run: runLockStatus},
		{name: "connect", help: "let the service connect to the paired device", service: true, run: runConnect},
		{name: "disconnect", help: "drop the device link until the next connect", service: true, run: runDisconnect},
		{name: "scan", usage: "[--adapter ID] [--duration DUR] [--all]", help: "list nearby bluetooth sensors", run: runScan},
		{name: "pair", usage: "ADDRESS", help: "pair a device, e.g. bluetooth:AA:BB:CC:DD:EE:FF", service: true, run: runPair},
		{name: "pair-status", help: "show the paired device", service: true, run: runPairStatus},
		{name: "unpair", help: "forget the paired device", service: true, run: runUnpair},
		{name: "reload-config", help: "make the service re-read its config file", service: true, run: runReloadConfig},
		{name: "update-check", usage: "[--kind firmware|software]", help: "check the update server", service: true, run: runUpdateCheck},
		{name: "update-firmware", usage: "[--file PATH] [--force]", help: "flash the latest or a local firmware image", service: true, interactive: true, run: runUpdateFirmware},
		{name: "watch", help: "print service events until interrupted", service: true, checkFW: true, run: runWatch},
		{name: "history", usage: "[--limit N] [--clear]", help: "show or clear recent firmware updates", run: runHistory},
		{name: "version", help: "print version", run: runVersion},
	}

	out := make(map[string]command, len(list))
	for _, c := range list {
		out[c.name] = c
	}

	return out
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	opts := globalOptions{Timeout: defaultTimeout}
	fs := flag.NewFlagSet(app.ControlName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.ConfigFile, "config", "", "config file path")
	fs.StringVar(&opts.SocketPath, "socket", "", "service socket path")
	fs.StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&opts.EnvFile, "env-file", "", "load environment overrides from a dotenv file")
	fs.DurationVar(&opts.Timeout, "timeout", defaultTimeout, "how long to wait for the service and device")
	if err := fs.Parse(args); err != nil {
		return globalOptions{}, nil, err
	}
	if opts.Timeout <= 0 {
		return globalOptions{}, nil, fmt.Errorf("timeout must be positive")
	}
	if opts.LogLevel != "" {
		if _, err := logging.ParseLevel(opts.LogLevel); err != nil {
			return globalOptions{}, nil, err
		}
	}

	return opts, fs.Args(), nil
}

func run(args []string, out io.Writer) error {
	opts, rest, err := parseGlobal(args)
	if err != nil {
		return fmt.Errorf("%w\n%s", err, usage())
	}
	if len(rest) == 0 || rest[0] == "help" {
		_, _ = fmt.Fprint(out, usage())
		return nil
	}
	cmd, ok := commands()[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", rest[0], usage())
	}
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	e := env{ctx: ctx, out: out, opts: opts, args: rest[1:]}

	if cmd.name == "version" {
		return cmd.run(e, nil)
	}

	if cmd.service {
		lock, err := platform.AcquireInstanceLock(app.ControlName, platform.ScopeUser)
		switch {
		case errors.Is(err, platform.ErrInstanceAlreadyRunning):
			return fmt.Errorf("another %s is attached to the service", app.ControlName)
		case errors.Is(err, platform.ErrInstanceLockUnsupported):
			slog.Debug("instance lock unsupported on this platform")
		case err != nil:
			return fmt.Errorf("acquire instance lock: %w", err)
		}
		if lock != nil {
			defer func() {
				_ = lock.Release()
			}()
		}
	}

	rt, err := app.InitializeControl(ctx, app.ControlOptions{
		ConfigFile:    opts.ConfigFile,
		SocketPath:    opts.SocketPath,
		LogLevel:      opts.LogLevel,
		Interactive:   cmd.interactive,
		CheckFirmware: cmd.checkFW,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Debug("close control runtime", "error", closeErr)
		}
	}()

	return cmd.run(e, rt)
}

func usage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "usage: %s [--config PATH] [--socket PATH] [--timeout DUR] [--log-level LEVEL] COMMAND [ARGS]\n\ncommands:\n", app.ControlName)

	all := commands()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := all[name]
		fmt.Fprintf(&b, "  %-32s %s\n", strings.TrimSpace(c.name+" "+c.usage), c.help)
	}
	b.WriteString("\nslot numbers start at 1.\n")

	return b.String()
}

func runVersion(e env, _ *app.ControlRuntime) error {
	_, err := fmt.Fprintf(e.out, "%s %s\n", app.ControlName, app.BuildVersionWithDate())
	return err
}
