package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/streamctl"
	"github.com/loykin/streamctl/internal/config"
	"github.com/loykin/streamctl/internal/cron"
	"github.com/loykin/streamctl/internal/history"
	"github.com/loykin/streamctl/internal/history/factory"
	"github.com/loykin/streamctl/internal/logger"
	"github.com/loykin/streamctl/internal/metrics"
	"github.com/loykin/streamctl/internal/server"
	"github.com/loykin/streamctl/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runStart builds the supervisor from config, serves the control API and
// blocks until ctx is cancelled; it then stops every service to completion.
func runStart(ctx context.Context, f StartFlags, out io.Writer) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}
	opts := cfg.LoggerOptions()
	opts.Writer = out
	log := logger.New(opts)

	sup, err := streamctl.NewFromConfig(cfg, log)
	if err != nil {
		return err
	}
	if f.Only != "" {
		if _, ok := sup.Descriptor(f.Only); !ok {
			return fmt.Errorf("service %s is not declared in config", f.Only)
		}
	}

	closeHistory, err := setupHistory(cfg, sup, log)
	if err != nil {
		return err
	}
	defer closeHistory()

	stopMetrics := setupMetrics(ctx, cfg, sup, log)
	defer stopMetrics()

	router := server.NewRouter(sup, cfg.Control.BasePath).WithMetrics(cfg.Metrics.Enabled)
	srv := server.NewServer(cfg.Control.Listen, router.Handler())
	ln, err := net.Listen("tcp", cfg.Control.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Control.Listen, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control API stopped", "error", err)
		}
	}()
	log.Info("control API listening", "addr", ln.Addr().String(), "base", cfg.Control.BasePath)

	if f.Only != "" {
		sup.StartService(ctx, f.Only)
	} else {
		sup.StartAll(ctx)
	}

	sched, err := setupHealthSchedule(ctx, cfg, sup, log)
	if err != nil {
		log.Error("health schedule", "error", err)
	}

	<-ctx.Done()
	log.Info("shutdown requested, stopping all services")
	if sched != nil {
		sched.Stop()
	}

	// Stopping must finish even though ctx is already done.
	sup.StopAll(context.WithoutCancel(ctx))

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("control API shutdown", "error", err)
	}
	log.Info("all services stopped")
	return nil
}

// setupHealthSchedule probes running services periodically and logs the
// ones that stopped answering. It returns nil when no schedule is set.
func setupHealthSchedule(ctx context.Context, cfg *config.FileConfig, sup *supervisor.Supervisor, log *slog.Logger) (*cron.Scheduler, error) {
	spec := cfg.Supervisor.HealthSchedule
	if spec == "" {
		return nil, nil
	}
	sched := cron.New(log)
	err := sched.Add("health-check", spec, func(ctx context.Context) {
		for name, ok := range sup.CheckAll(ctx) {
			if !ok && sup.IsRunning(name) {
				log.Warn("service unhealthy", "service", name)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	sched.Start(ctx)
	log.Info("health schedule enabled", "schedule", spec)
	return sched, nil
}

func setupHistory(cfg *config.FileConfig, sup *supervisor.Supervisor, log *slog.Logger) (func(), error) {
	if !cfg.History.Enabled {
		return func() {}, nil
	}
	sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	sup.SetHistorySinks(sink)
	log.Info("history enabled")
	return func() {
		if err := (history.Multi{sink}).Close(); err != nil {
			log.Warn("close history sink", "error", err)
		}
	}, nil
}

func setupMetrics(ctx context.Context, cfg *config.FileConfig, sup *supervisor.Supervisor, log *slog.Logger) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("register metrics", "error", err)
	}
	collector := metrics.NewProcessMetricsCollector(metrics.ProcessMetricsConfig{
		Enabled:  true,
		Interval: cfg.Metrics.ProcessInterval,
	})
	if err := collector.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		log.Warn("register process metrics", "error", err)
	}
	if err := collector.Start(ctx, sup.RunningPIDs); err != nil {
		log.Warn("start process metrics", "error", err)
		return func() {}
	}
	return collector.Stop
}
