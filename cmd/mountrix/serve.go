package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/mountrix/internal/api"
	"github.com/MacJediWizard/mountrix/internal/maintenance"
	"github.com/MacJediWizard/mountrix/internal/shutdown"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background status checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			opts := mutating
			opts.registry = registry
			a, err := newApp(cmd.Context(), flags, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen == "" {
				listen = a.cfg.Server.Listen
			}
			return serve(cmd.Context(), a, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override the configured listen address")
	return cmd
}

func serve(ctx context.Context, a *app, listenAddr string) error {
	logger := a.logger.With().Str("component", "server").Logger()

	// A table operation may run for a full mount timeout plus rollback.
	shutdownCfg := shutdown.DefaultConfig()
	if d := 2 * a.cfg.Diagnostics.MountTimeout; d > shutdownCfg.Timeout {
		shutdownCfg.Timeout = d
	}
	drain := shutdown.NewManager(shutdownCfg, a.logger)

	router := api.NewRouter(api.Config{
		MaxBodyBytes: api.DefaultConfig().MaxBodyBytes,
		Version:      Version,
	}, api.Deps{
		Orchestrator: a.orch,
		Table:        a.store,
		Live:         a.live,
		Catalog:      a.catalog,
		Journal:      a.journal,
		Metrics:      a.metrics,
		Shutdown:     drain,
	}, a.logger)

	sched := maintenance.NewScheduler(maintenance.Config{
		StatusSchedule:   a.cfg.Monitor.StatusSchedule,
		PruneSchedule:    a.cfg.Monitor.PruneSchedule,
		JournalRetention: a.cfg.Journal.Retention,
	}, a.store, a.orch, a.journal, a.metrics, a.logger)
	if err := sched.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * a.cfg.Diagnostics.MountTimeout,
	}
	if srv.WriteTimeout < 60*time.Second {
		srv.WriteTimeout = 60 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("HTTP server error")
	}

	// Let running jobs and table operations finish before the databases
	// are closed.
	<-sched.Stop().Done()
	if err := drain.Shutdown(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("table operations did not finish in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
		return err
	}

	logger.Info().Msg("server stopped gracefully")
	return serveErr
}
