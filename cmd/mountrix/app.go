package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/config"
	"github.com/MacJediWizard/mountrix/internal/credentials"
	"github.com/MacJediWizard/mountrix/internal/crypto"
	"github.com/MacJediWizard/mountrix/internal/diagnostics"
	"github.com/MacJediWizard/mountrix/internal/fstab"
	"github.com/MacJediWizard/mountrix/internal/journal"
	"github.com/MacJediWizard/mountrix/internal/livemount"
	"github.com/MacJediWizard/mountrix/internal/metrics"
	"github.com/MacJediWizard/mountrix/internal/mounter"
	"github.com/MacJediWizard/mountrix/internal/privileged"
	"github.com/MacJediWizard/mountrix/internal/templates"
)

// appOptions selects the optional services a command needs.
type appOptions struct {
	// secrets opens the encrypted secret store, creating the master key on
	// first use.
	secrets bool
	// journal opens the operation journal.
	journal bool
	// registry enables Prometheus metrics.
	registry *prometheus.Registry
}

// app holds the wired services of one command invocation.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	exec    privileged.Executor
	live    *livemount.Table
	store   *fstab.Store
	catalog *templates.Catalog
	runner  *diagnostics.Runner
	secrets *credentials.SQLiteStore
	journal *journal.SQLiteJournal
	metrics *metrics.PrometheusMetrics
	orch    *mounter.Orchestrator
}

func newApp(ctx context.Context, flags *globalFlags, opts appOptions) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	a := &app{cfg: cfg, logger: logger}
	a.exec = privileged.NewLocalExecutor(logger)
	a.live = livemount.New(logger, livemount.WithStaleTimeout(cfg.Diagnostics.ProbeTimeout))

	a.catalog = templates.Default()
	if cfg.Templates.CatalogFile != "" {
		if a.catalog, err = templates.LoadFile(cfg.Templates.CatalogFile); err != nil {
			return nil, fmt.Errorf("load template catalog: %w", err)
		}
	}
	a.catalog = a.catalog.WithCredentialsDir(cfg.Secrets.CredentialsDir)

	storeOpts := []fstab.Option{
		fstab.WithRetention(cfg.Backup.Keep),
		fstab.WithWriter(privileged.TableWriter{Exec: a.exec}),
	}
	if cfg.MirrorEnabled() {
		mirror, err := fstab.NewS3Mirror(ctx, cfg.Backup.S3)
		if err != nil {
			return nil, fmt.Errorf("configure backup mirror: %w", err)
		}
		storeOpts = append(storeOpts, fstab.WithMirror(mirror))
	}
	a.store = fstab.NewStore(cfg.Fstab.Path, cfg.Backup.Dir, logger, storeOpts...)

	a.runner = diagnostics.NewRunner(a.exec, a.live, logger,
		diagnostics.WithTimeouts(cfg.Diagnostics.ProbeTimeout, cfg.Diagnostics.MountTimeout),
	)

	orchOpts := []mounter.Option{
		mounter.WithProber(a.live),
		mounter.WithMountTimeout(cfg.Diagnostics.MountTimeout),
	}

	if opts.registry != nil {
		if a.metrics, err = metrics.NewPrometheusMetrics(opts.registry); err != nil {
			return nil, err
		}
		orchOpts = append(orchOpts, mounter.WithMetrics(a.metrics))
	}

	if opts.secrets {
		key, err := crypto.LoadOrCreateKeyFile(cfg.Secrets.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load master key: %w", err)
		}
		km, err := crypto.NewKeyManager(key)
		if err != nil {
			return nil, err
		}
		if a.secrets, err = credentials.NewSQLiteStore(cfg.Secrets.DBPath, km, logger); err != nil {
			return nil, fmt.Errorf("open secret store: %w", err)
		}
		orchOpts = append(orchOpts, mounter.WithSecrets(a.secrets))
	}

	if opts.journal {
		if a.journal, err = journal.NewSQLiteJournal(cfg.Journal.Path, logger); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("open operation journal: %w", err)
		}
		orchOpts = append(orchOpts, mounter.WithJournal(a.journal))
	}

	a.orch = mounter.New(a.store, a.exec, a.runner, a.live, logger, orchOpts...)
	return a, nil
}

// Close releases the databases opened by newApp.
func (a *app) Close() error {
	var result *multierror.Error
	if a.secrets != nil {
		if err := a.secrets.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// mutating are the services every table-changing command needs.
var mutating = appOptions{secrets: true, journal: true}
