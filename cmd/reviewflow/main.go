// Command reviewflow runs the account review service: it recovers sessions
// left by a previous process, starts the configured schedules and serves
// the HTTP API until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petrijr/reviewflow"
	"github.com/petrijr/reviewflow/internal/config"
	"github.com/petrijr/reviewflow/internal/httpapi"
	"github.com/petrijr/reviewflow/internal/scheduler"
	"github.com/petrijr/reviewflow/internal/specialists"
	"github.com/petrijr/reviewflow/internal/tracing"
	"github.com/petrijr/reviewflow/pkg/api"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "reviewflow:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logging.Logger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		if err := tracing.Init(cfg.Tracing.ServiceName, version, cfg.Tracing.Output); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Shutdown(sctx)
		}()
	}

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.close(context.Background()); err != nil {
			logger.Error("store_close_failed", slog.String("error", err.Error()))
		}
	}()

	metrics := &api.BasicMetrics{}
	rt := cfg.Orchestrator.Runtime()
	rt.Logger = logger
	rt.Observer = api.NewCompositeObserver(api.NewLoggingObserver(logger), metrics)
	rt.Applier = specialists.LogApplier{Logger: logger}

	runner, err := reviewflow.NewRunner(store.persistence, rt, reviewflow.WithEventBuffer(cfg.Server.EventBuffer))
	if err != nil {
		return err
	}
	if err := specialists.Register(runner.Registry); err != nil {
		return err
	}
	for _, wf := range cfg.Workflows {
		if err := runner.RegisterWorkflow(wf.Definition()); err != nil {
			return fmt.Errorf("register workflow %s: %w", wf.Name, err)
		}
	}

	rep, err := runner.Recover(ctx)
	if err != nil {
		logger.Error("recovery_incomplete", slog.String("error", err.Error()))
	}
	logger.Info("recovered",
		slog.Int("resumed", len(rep.Resumed)),
		slog.Int("finalized", len(rep.Finalized)),
		slog.Int("interrupted", len(rep.Interrupted)),
		slog.Int("restarted", len(rep.Restarted)),
		slog.Int("skipped", len(rep.Skipped)),
	)

	// Sessions skipped above are still leased by the previous process.
	recoverCtx, stopRecover := context.WithCancel(ctx)
	defer stopRecover()
	recoverDone := make(chan struct{})
	go func() {
		defer close(recoverDone)
		runner.RecoverEvery(recoverCtx, 0)
	}()

	sched := scheduler.New(runner.Orchestrator, scheduler.WithLogger(logger))
	for _, s := range cfg.Schedules {
		if err := sched.Add(s.Name, s.Spec, s.StartRequest()); err != nil {
			return fmt.Errorf("schedule %s: %w", s.Name, err)
		}
	}
	sched.Start()

	// Streams follow baseCtx so open SSE connections end on shutdown.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.New(runner.Orchestrator, runner.Gate, runner.Broker, httpapi.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http_listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_requested")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http_failed", slog.String("error", err.Error()))
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	var errs []error
	if err := sched.Stop(sctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	cancelStreams()
	if err := srv.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("stop http: %w", err))
	}
	stopRecover()
	<-recoverDone
	if err := runner.Close(sctx); err != nil {
		errs = append(errs, fmt.Errorf("stop orchestrator: %w", err))
	}

	snap := metrics.Snapshot()
	logger.Info("stopped",
		slog.Int64("sessions_started", snap.SessionsStarted),
		slog.Int64("sessions_completed", snap.SessionsCompleted),
	)
	return errors.Join(errs...)
}
