package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/creditgate/internal/config"
	"github.com/mihaimyh/creditgate/internal/daemon"
	billingmetrics "github.com/mihaimyh/creditgate/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
	prommetrics "github.com/mihaimyh/creditgate/pkg/creditgate/metrics/prometheus"
)

type configLoader func() (config.Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP admission server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, flush, err := daemon.NewLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	defer flush()

	logger.Info("starting creditgated",
		creditgate.Field{Key: "version", Value: version},
		creditgate.Field{Key: "port", Value: cfg.HTTP.Port},
		creditgate.Field{Key: "storage", Value: cfg.Storage.Driver},
	)

	store, err := daemon.OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", creditgate.Field{Key: "error", Value: err})
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := daemon.NewService(ctx, cfg, store, logger, prommetrics.NewMetrics(reg, cfg.Metrics.Namespace))
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	router, err := daemon.NewRouter(daemon.Deps{
		Config:         cfg,
		Service:        svc,
		Logger:         logger,
		Gatherer:       reg,
		BillingMetrics: billingmetrics.NewMetrics(reg, cfg.Metrics.Namespace),
	})
	if err != nil {
		return err
	}

	scheduler := creditgate.NewResetScheduler(svc, creditgate.SchedulerConfig{
		Interval: config.Seconds(cfg.Scheduler.IntervalSec),
		Logger:   logger,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  config.Seconds(cfg.HTTP.ReadTimeoutSec),
		WriteTimeout: config.Seconds(cfg.HTTP.WriteTimeoutSec),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", creditgate.Field{Key: "addr", Value: srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(cfg.HTTP.ShutdownSec))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", creditgate.Field{Key: "error", Value: err})
	}

	// Flush spend and accounts left pending by storage failures.
	if err := scheduler.RunOnce(shutdownCtx); err != nil {
		logger.Warn("final sweep failed", creditgate.Field{Key: "error", Value: err})
	}
	logger.Info("server stopped")
	return nil
}
