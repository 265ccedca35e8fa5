// Package maintenance runs the periodic jobs of the mountrix daemon: live
// status refresh, backup retention and operation journal cleanup.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/fstab"
	"github.com/MacJediWizard/mountrix/internal/journal"
	"github.com/MacJediWizard/mountrix/internal/metrics"
	"github.com/MacJediWizard/mountrix/internal/models"
)

// BackupPruner removes backups beyond the retention count.
type BackupPruner interface {
	Prune(ctx context.Context) (*fstab.PruneResult, error)
}

// StatusSource reports the live status of every table entry.
type StatusSource interface {
	Status(ctx context.Context) ([]models.EntryStatus, error)
}

// Config selects the schedules. An empty schedule disables its job.
type Config struct {
	StatusSchedule   string
	PruneSchedule    string
	JournalRetention time.Duration
}

// Scheduler runs the maintenance jobs on cron schedules.
type Scheduler struct {
	cfg     Config
	pruner  BackupPruner
	status  StatusSource
	journal journal.Journal
	metrics *metrics.PrometheusMetrics
	cron    *cron.Cron
	now     func() time.Time
	logger  zerolog.Logger
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a new maintenance scheduler. j and m may be nil.
func NewScheduler(cfg Config, pruner BackupPruner, status StatusSource, j journal.Journal, m *metrics.PrometheusMetrics, logger zerolog.Logger) *Scheduler {
	log := logger.With().Str("component", "maintenance").Logger()
	return &Scheduler{
		cfg:     cfg,
		pruner:  pruner,
		status:  status,
		journal: j,
		metrics: m,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log}))),
		now:     time.Now,
		logger:  log,
	}
}

// Start registers the configured jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("maintenance scheduler already running")
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"status", s.cfg.StatusSchedule, s.RefreshStatus},
		{"prune", s.cfg.PruneSchedule, s.Prune},
	}
	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		run := job.run
		name := job.name
		if _, err := s.cron.AddFunc(job.schedule, func() {
			if err := run(context.Background()); err != nil {
				s.logger.Error().Err(err).Str("job", name).Msg("maintenance job failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule %s job %q: %w", name, job.schedule, err)
		}
		s.logger.Info().Str("job", name).Str("schedule", job.schedule).Msg("maintenance job scheduled")
	}

	s.cron.Start()
	s.running = true
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping maintenance scheduler")
	return s.cron.Stop()
}

// RefreshStatus probes every entry and logs those that are not connected.
// The status source updates the mount gauges as a side effect.
func (s *Scheduler) RefreshStatus(ctx context.Context) error {
	statuses, err := s.status.Status(ctx)
	if err != nil {
		return fmt.Errorf("refresh status: %w", err)
	}

	counts := make(map[models.MountStatus]int)
	for _, st := range statuses {
		counts[st.Status]++
		if st.Status == models.MountStatusStale {
			s.logger.Warn().
				Str("mountpoint", st.Entry.Mountpoint).
				Str("source", st.Entry.Source).
				Msg("mount is stale")
		}
	}

	s.logger.Debug().
		Int("connected", counts[models.MountStatusConnected]).
		Int("stale", counts[models.MountStatusStale]).
		Int("disconnected", counts[models.MountStatusDisconnected]).
		Msg("mount status refreshed")
	return nil
}

// Prune applies backup retention and drops journal records older than the
// configured retention. Both steps run even if one fails.
func (s *Scheduler) Prune(ctx context.Context) error {
	var result *multierror.Error

	res, err := s.pruner.Prune(ctx)
	if res != nil {
		s.metrics.RecordPruned(len(res.Removed))
		if len(res.Removed) > 0 {
			s.logger.Info().
				Int("removed", len(res.Removed)).
				Int("kept", len(res.Kept)).
				Msg("pruned mount table backups")
		}
	}
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("prune backups: %w", err))
	}

	if s.journal != nil && s.cfg.JournalRetention > 0 {
		cutoff := s.now().Add(-s.cfg.JournalRetention)
		deleted, err := s.journal.PruneBefore(ctx, cutoff)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("prune journal: %w", err))
		} else if deleted > 0 {
			s.logger.Info().
				Int64("deleted", deleted).
				Time("cutoff", cutoff).
				Msg("pruned operation journal")
		}
	}

	return result.ErrorOrNil()
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
