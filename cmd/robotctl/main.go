// Command robotctl drives a serial robot from an interactive shell, a script
// file or one-shot tokens.
//
//	robotctl --port /dev/ttyUSB0                  # interactive
//	robotctl --port COM6 PING V:160 M:20 S        # one-shot tokens
//	robotctl --port /dev/ttyUSB0 --script run.txt # batch file
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/banshee-data/robotctl/internal/admin"
	"github.com/banshee-data/robotctl/internal/commlog"
	"github.com/banshee-data/robotctl/internal/config"
	"github.com/banshee-data/robotctl/internal/db"
	"github.com/banshee-data/robotctl/internal/metrics"
	"github.com/banshee-data/robotctl/internal/monitoring"
	"github.com/banshee-data/robotctl/internal/robot"
	"github.com/banshee-data/robotctl/internal/shell"
	"github.com/banshee-data/robotctl/internal/timeutil"
	"github.com/banshee-data/robotctl/internal/transport"
	"github.com/banshee-data/robotctl/internal/version"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, transport.OpenSerial)
	stop()
	os.Exit(code)
}

type cliFlags struct {
	fs          *pflag.FlagSet
	configPath  *string
	script      *string
	showVersion *bool
}

func newFlagSet(stderr io.Writer) cliFlags {
	fs := pflag.NewFlagSet("robotctl", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.String("port", "", "serial port, e.g. /dev/ttyUSB0 or COM6")
	fs.Int("baud", transport.DefaultBaudRate, "baud rate")
	fs.String("listen", "", "admin HTTP listen address, e.g. localhost:8089 (empty disables)")
	fs.String("log-db", "", "sqlite database that mirrors the comm log")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.Float64("rate", 0, "batch commands per second, 0 sends as fast as the robot answers")

	f := cliFlags{
		fs:          fs,
		configPath:  fs.String("config", "", "config file (json, yaml or toml); defaults to $"+config.EnvConfigPath),
		script:      fs.String("script", "", "file with one command token per line"),
		showVersion: fs.Bool("version", false, "print version and exit"),
	}
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: robotctl --port PORT [flags] [TOKEN...]\n\nTokens are CMD or CMD:payload, e.g. PING V:160 M:20 R:-90 B STATUS S.\n\nFlags:\n")
		fs.PrintDefaults()
	}
	return f
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, opener transport.Opener) int {
	flags := newFlagSet(stderr)
	if err := flags.fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "robotctl: %v\n", err)
		return exitUsage
	}
	if *flags.showVersion {
		fmt.Fprintln(stdout, version.String())
		return exitOK
	}

	cfg, err := config.LoadWithFlags(*flags.configPath, flags.fs)
	if err != nil {
		fmt.Fprintf(stderr, "robotctl: %v\n", err)
		return exitUsage
	}
	if cfg.Serial.Port == "" {
		fmt.Fprintln(stderr, "robotctl: --port is required")
		flags.fs.Usage()
		return exitUsage
	}

	var lines []string
	if *flags.script != "" {
		f, err := os.Open(*flags.script)
		if err != nil {
			fmt.Fprintf(stderr, "robotctl: script file: %v\n", err)
			return exitUsage
		}
		lines, err = shell.ReadScript(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(stderr, "robotctl: read script: %v\n", err)
			return exitUsage
		}
	} else {
		lines = flags.fs.Args()
	}

	logger, err := monitoring.NewLogger(cfg.Log, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "robotctl: %v\n", err)
		return exitUsage
	}
	defer logger.Sync()
	defer monitoring.SetLogger(monitoring.UseZap(logger))

	a, err := newApp(cfg, opener, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return exitFailed
	}
	defer a.close()

	stopAdmin := a.serveAdmin(ctx, cfg.Admin.Listen)
	defer stopAdmin()

	sh := shell.New(a.link, a.log, stdout, shell.WithReconnectOptions(cfg.ReconnectOptions()))

	if *flags.script != "" || len(lines) > 0 {
		failed, err := sh.RunBatch(ctx, lines, shell.NewLimiter(cfg.Batch.Rate, cfg.Batch.Burst))
		if err != nil || failed > 0 {
			return exitFailed
		}
		return exitOK
	}

	fmt.Fprintf(stdout, "Connected on %s @ %d bps\n", cfg.Serial.Port, cfg.Serial.Options.BaudRate)
	if err := sh.Run(ctx, stdin); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("shell stopped", zap.Error(err))
		return exitFailed
	}
	fmt.Fprintln(stdout, "Bye!")
	return exitOK
}

// app holds the long-lived pieces wired together at startup.
type app struct {
	logger   *zap.Logger
	link     *robot.Link
	log      *commlog.Log
	store    *db.DB
	registry *prometheus.Registry
}

func newApp(cfg *config.Config, opener transport.Opener, logger *zap.Logger) (*app, error) {
	clock := timeutil.RealClock{}
	a := &app{
		logger:   logger,
		log:      commlog.New(clock),
		registry: metrics.NewRegistry(),
	}

	if cfg.Store.Path != "" {
		store, err := db.NewDB(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open comm log database: %w", err)
		}
		if err := store.RecordSession(a.log.Session(), cfg.Serial.Port, cfg.Serial.Options.BaudRate, clock.Now()); err != nil {
			store.Close()
			return nil, err
		}
		a.store = store
		a.log.AddSink(store)
	}

	opts := append(cfg.ClientOptions(),
		robot.WithClock(clock),
		robot.WithRecorder(a.log),
		robot.WithMetrics(metrics.NewLinkMetrics(a.registry)),
	)
	a.link = robot.NewLink(cfg.LinkConfig(), opener, opts...)
	if err := a.link.Connect(); err != nil {
		a.close()
		return nil, err
	}

	logger.Info("connected",
		zap.String("port", cfg.Serial.Port),
		zap.Int("baud", cfg.Serial.Options.BaudRate),
		zap.String("session", a.log.Session()))
	return a, nil
}

// serveAdmin starts the debug HTTP server when addr is set and returns a
// function that shuts it down.
func (a *app) serveAdmin(ctx context.Context, addr string) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	srv := &admin.Server{Link: a.link, Log: a.log, Registry: a.registry}
	srv.AttachAdminRoutes(mux)
	if a.store != nil {
		if err := a.store.AttachAdminRoutes(mux); err != nil {
			a.logger.Warn("database admin routes unavailable", zap.Error(err))
		}
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("admin server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("admin server failed", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("admin server shutdown", zap.Error(err))
			server.Close()
		}
	}
}

func (a *app) close() {
	if a.link != nil {
		if err := a.link.Close(); err != nil {
			a.logger.Warn("closing serial link", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing comm log database", zap.Error(err))
		}
	}
}
