package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nwimmer/ekaci/internal/api"
	"github.com/nwimmer/ekaci/internal/config"
	"github.com/nwimmer/ekaci/internal/control"
	"github.com/nwimmer/ekaci/internal/dispatcher"
	"github.com/nwimmer/ekaci/internal/errors"
	"github.com/nwimmer/ekaci/internal/eventbus"
	"github.com/nwimmer/ekaci/internal/evaluator"
	"github.com/nwimmer/ekaci/internal/graphwalker"
	"github.com/nwimmer/ekaci/internal/metrics"
	"github.com/nwimmer/ekaci/internal/retry"
	"github.com/nwimmer/ekaci/internal/scheduler"
	"github.com/nwimmer/ekaci/internal/store"
	"github.com/nwimmer/ekaci/internal/supervisor"
	"github.com/nwimmer/ekaci/internal/version"
)

// CLI is the root command definition and global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"ekaci.toml"`
	Verbose bool             `short:"v" help:"Enable verbose (debug) logging, overriding log.level"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve ServeCmd `cmd:"" help:"Run the ekaci server: control socket, HTTP API, and the build pipeline"`
	Build BuildCmd `cmd:"" help:"Connect to a running server's control socket and enqueue a Build request"`
	Job   JobCmd   `cmd:"" help:"Connect to a running server's control socket and enqueue a Job request"`
	Info  InfoCmd  `cmd:"" help:"Connect to a running server's control socket and query Info"`
}

// Global is shared context passed to every subcommand.
type Global struct {
	Logger *slog.Logger
}

// AfterApply installs the process-wide slog default logger before any
// subcommand runs, the way the reference stack's CLI always sets up
// logging in AfterApply rather than per-command.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// ServeCmd starts the long-running server: control socket, HTTP API, the
// dispatcher/evaluator/graphwalker/scheduler pipeline, and the supervisor's
// periodic safety-net tick.
type ServeCmd struct{}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}
	if root.Verbose {
		cfg.Log.Level = "debug"
	}
	installLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return runServer(ctx, cfg)
}

func installLogger(cfg config.Config) {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runServer(ctx context.Context, cfg config.Config) error {
	var reg *prometheus.Registry
	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sched := scheduler.New(st, recorder)
	sched.Retryable = retry.ClassifierFromNames(cfg.Build.RetryableInterruptions)
	sched.RetryPolicy = retry.NewPolicy("", 0, 0, cfg.Build.MaxRetries)

	if cfg.Events.NatsURL != "" {
		bus, err := eventbus.Connect(cfg.Events.NatsURL, cfg.Events.Subject)
		if err != nil {
			slog.Warn("eventbus disabled: could not connect", "error", err)
		} else {
			sched.Publisher = bus
			defer bus.Close()
		}
	}

	if err := sched.RecoverFromCrash(ctx); err != nil {
		return errors.Wrap(errors.KindStore, "crash recovery", err)
	}

	eval := evaluator.New(cfg.Eval.Command, cfg.Eval.Args, recorder)
	walker := graphwalker.New(st, recorder)
	walker.Command = cfg.NixStore.Command

	disp := dispatcher.New(eval, walker, st, sched, recorder)
	go disp.Run(ctx)

	sv := &supervisor.Supervisor{Store: st, Scheduler: sched, Timeout: cfg.Build.Timeout}
	if err := sv.Start(ctx); err != nil {
		return err
	}
	defer sv.Stop()

	ctl := &control.Service{SocketPath: cfg.Unix.SocketPath, Dispatcher: disp, Recorder: recorder}
	if err := ctl.Listen(); err != nil {
		return err
	}
	defer ctl.Close()
	go ctl.Serve(ctx)

	httpServer := api.NewServer(cfg.Web.Address, cfg.Web.Port, st, cfg.Web.BundlePath, recorder, reg)
	httpErrs := make(chan error, 1)
	go func() { httpErrs <- httpServer.ListenAndServe() }()

	slog.Info("ekaci server started",
		"version", version.Version,
		"control_socket", cfg.Unix.SocketPath,
		"http_addr", httpServer.Addr,
		"db_path", cfg.DBPath)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-httpErrs:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown did not complete cleanly", "error", err)
	}
	return nil
}

// dial is shared by the client subcommands (Build/Job/Info): it opens a
// connection, writes req, half-closes its write side to signal EOF (the
// control socket is framed by a half-close, not a length prefix, per
// SPEC_FULL.md §6), and decodes a single JSON response.
func dial(socketPath string, req, resp any) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return errors.Wrap(errors.KindTransport, "connect to control socket", err).WithContext("socket_path", socketPath)
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal control request", err)
	}
	if _, err := conn.Write(body); err != nil {
		return errors.Wrap(errors.KindTransport, "write control request", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return errors.Wrap(errors.KindTransport, "half-close control request", err)
		}
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return errors.Wrap(errors.KindTransport, "read control response", err)
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return errors.Wrap(errors.KindTransport, "decode control response", err)
	}
	return nil
}

// BuildCmd sends a {"type":"Build"} request over the control socket.
type BuildCmd struct {
	DrvPath string `arg:"" help:"Derivation path to enqueue"`
	Socket  string `help:"Control socket path" default:""`
}

func (b *BuildCmd) Run(_ *Global, root *CLI) error {
	socketPath, err := resolveSocketPath(root.Config, b.Socket)
	if err != nil {
		return err
	}
	var resp struct {
		Enqueued bool `json:"enqueued"`
	}
	if err := dial(socketPath, map[string]string{"type": "Build", "drv_path": b.DrvPath}, &resp); err != nil {
		return err
	}
	fmt.Println("enqueued:", resp.Enqueued)
	return nil
}

// JobCmd sends a {"type":"Job"} request over the control socket.
type JobCmd struct {
	FilePath string `arg:"" help:"Path to the job file to evaluate"`
	Socket   string `help:"Control socket path" default:""`
}

func (j *JobCmd) Run(_ *Global, root *CLI) error {
	socketPath, err := resolveSocketPath(root.Config, j.Socket)
	if err != nil {
		return err
	}
	var resp struct {
		Enqueued bool `json:"enqueued"`
	}
	if err := dial(socketPath, map[string]string{"type": "Job", "file_path": j.FilePath}, &resp); err != nil {
		return err
	}
	fmt.Println("enqueued:", resp.Enqueued)
	return nil
}

// InfoCmd sends a {"type":"Info"} request over the control socket.
type InfoCmd struct {
	Socket string `help:"Control socket path" default:""`
}

func (i *InfoCmd) Run(_ *Global, root *CLI) error {
	socketPath, err := resolveSocketPath(root.Config, i.Socket)
	if err != nil {
		return err
	}
	var resp struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := dial(socketPath, map[string]string{"type": "Info"}, &resp); err != nil {
		return err
	}
	fmt.Printf("status: %s, version: %s\n", resp.Status, resp.Version)
	return nil
}

func resolveSocketPath(configPath, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	return cfg.Unix.SocketPath, nil
}

func main() {
	cli := &CLI{}
	parser := kong.Parse(cli,
		kong.Description("ekaci: continuous integration server for a functional package manager."),
		kong.Vars{"version": version.Version},
	)

	globals := &Global{Logger: slog.Default()}

	if err := parser.Run(globals, cli); err != nil {
		errors.NewCLIErrorAdapter(slog.Default(), cli.Verbose).HandleError(err)
	}
}
