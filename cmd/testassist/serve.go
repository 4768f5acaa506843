package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"exploratory-testing-support/internal/adapters/backend"
	"exploratory-testing-support/internal/coordinator"
	httpapi "exploratory-testing-support/internal/infrastructure/httpapi"
	obs "exploratory-testing-support/internal/infrastructure/observability"
	"exploratory-testing-support/internal/usecase"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and its HTTP command surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := obs.NewLogger(cfg.LogLevel)
		logger.Info().Str("addr", cfg.Addr).Str("store", cfg.StorePath).Msg("starting " + obs.Name)

		metrics := obs.NewMetrics()
		store, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		monitor := httpapi.NewMonitorHub()
		unwatch := monitor.Watch(store)
		defer unwatch()

		machine := usecase.NewSessionMachine(store, logger, usecase.WithMetrics(metrics))
		opts := []coordinator.Option{
			coordinator.WithMetrics(metrics),
			coordinator.WithNotifier(monitor.Notify),
		}
		if cfg.BackendURL != "" {
			client := backend.New(cfg.BackendURL, store, logger,
				backend.WithHTTPClient(&http.Client{Timeout: cfg.BackendTimeout()}),
				backend.WithRetries(uint(max(cfg.BackendMaxRetries, 1))))
			opts = append(opts, coordinator.WithBackend(client), coordinator.WithRemote(client), coordinator.WithSyncOnStop(cfg.SyncOnStop))
			logger.Info().Str("backend", cfg.BackendURL).Bool("syncOnStop", cfg.SyncOnStop).Msg("backend hand-off enabled")
		}
		coord := coordinator.New(machine, store, logger, opts...)

		deps := &httpapi.Deps{
			Cfg:     cfg,
			Logger:  logger,
			Metrics: metrics,
			Coord:   coord,
			Monitor: monitor,
			Ready: func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_, _, err := store.Get(ctx, usecase.KeyCurrentSession)
				return err
			},
		}
		srv := &http.Server{
			Addr:              cfg.Addr,
			Handler:           httpapi.NewRouterWithDeps(deps),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stop:
		case err := <-errc:
			logger.Error().Err(err).Msg("server error")
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
		if err := coord.Wait(ctx); err != nil {
			logger.Warn().Err(err).Msg("backend hand-off still running at shutdown")
		}
		logger.Info().Msg(obs.Name + " stopped")
		return nil
	},
}
