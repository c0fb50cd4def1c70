// Command server starts the agent orchestrator: the HTTP control surface,
// the per-target agent pools, and (optionally) the daily drain scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/kristinday/ace/internal/adapter/httpserver"
	"github.com/kristinday/ace/internal/adapter/observability"
	"github.com/kristinday/ace/internal/app"
	"github.com/kristinday/ace/internal/config"
	"github.com/kristinday/ace/internal/domain"
	"github.com/kristinday/ace/internal/usecase"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	orch := app.BuildOrchestrator(cfg, []domain.AgentTarget{domain.TargetLocal, domain.TargetRemote}, logger)

	pools := make(map[domain.AgentTarget]httpserver.PoolHandle, len(orch.Pools))
	for target, pool := range orch.Pools {
		pools[target] = pool
	}

	var schedHandle httpserver.SchedulerHandle
	if cfg.SchedulerEnabled {
		remote := orch.Pools[domain.TargetRemote]
		sched, err := usecase.NewScheduler(cfg.ScheduleTime, cfg.ScheduleTimezone, func(ctx domain.Context) {
			if err := remote.RunUntilEmpty(ctx, cfg.PollInterval()); err != nil {
				slog.Error("scheduled drain failed", slog.Any("error", err))
			}
		}, logger)
		if err != nil {
			slog.Error("scheduler config invalid", slog.Any("error", err))
			os.Exit(1)
		}
		sched.Start(context.Background())
		schedHandle = app.SchedulerAdapter{Scheduler: sched}
	}

	srv := httpserver.NewServer(version, pools, schedHandle, orch.Status, cfg.WebhookSecret, cfg.PollInterval(), logger)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	for target, pool := range orch.Pools {
		pool.Stop()
		if err := pool.Shutdown(); err != nil {
			slog.Warn("pool shutdown incomplete", slog.String("target", string(target)), slog.Any("error", err))
		}
	}
}
