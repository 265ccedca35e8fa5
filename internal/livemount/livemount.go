// Package livemount reads the kernel's mount table and probes mounted
// network shares for staleness.
package livemount

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/MacJediWizard/mountrix/internal/models"
)

// DefaultStaleTimeout bounds the stat call used to detect hung mounts.
const DefaultStaleTimeout = 5 * time.Second

// Lister lists the current mounts.
type Lister interface {
	List(ctx context.Context) ([]models.LiveMount, error)
}

// Table is the live mount table.
type Table struct {
	logger       zerolog.Logger
	staleTimeout time.Duration
	partitions   func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
	usage        func(ctx context.Context, path string) (*disk.UsageStat, error)
	stat         func(path string) (os.FileInfo, error)
}

// Option configures a Table.
type Option func(*Table)

// WithStaleTimeout sets how long a stat may take before a mount counts as stale.
func WithStaleTimeout(d time.Duration) Option {
	return func(t *Table) { t.staleTimeout = d }
}

// WithPartitions replaces the partition source.
func WithPartitions(fn func(ctx context.Context, all bool) ([]disk.PartitionStat, error)) Option {
	return func(t *Table) { t.partitions = fn }
}

// WithStat replaces the stat call used by CheckStatus.
func WithStat(fn func(path string) (os.FileInfo, error)) Option {
	return func(t *Table) { t.stat = fn }
}

// New creates a Table backed by the kernel mount table.
func New(logger zerolog.Logger, opts ...Option) *Table {
	t := &Table{
		logger:       logger.With().Str("component", "livemount").Logger(),
		staleTimeout: DefaultStaleTimeout,
		partitions:   disk.PartitionsWithContext,
		usage:        disk.UsageWithContext,
		stat:         os.Stat,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var mountinfoUnescaper = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)

// List returns every mounted filesystem, including virtual ones.
func (t *Table) List(ctx context.Context) ([]models.LiveMount, error) {
	parts, err := t.partitions(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]models.LiveMount, 0, len(parts))
	for _, p := range parts {
		out = append(out, models.LiveMount{
			Source:     mountinfoUnescaper.Replace(p.Device),
			Mountpoint: mountinfoUnescaper.Replace(p.Mountpoint),
			FSType:     p.Fstype,
			Options:    p.Opts,
		})
	}
	return out, nil
}

// Find returns the last mount stacked on mountpoint.
func Find(mounts []models.LiveMount, mountpoint string) (models.LiveMount, bool) {
	target := models.NormalizeMountpoint(mountpoint)
	var found models.LiveMount
	ok := false
	for _, m := range mounts {
		if models.NormalizeMountpoint(m.Mountpoint) == target {
			found, ok = m, true
		}
	}
	return found, ok
}

// CheckStatus stats path with a timeout. A hung or ESTALE stat means the
// mount is stale.
func (t *Table) CheckStatus(ctx context.Context, path string) models.MountStatus {
	checkCtx, cancel := context.WithTimeout(ctx, t.staleTimeout)
	defer cancel()

	done := make(chan models.MountStatus, 1)
	go func() {
		if _, err := t.stat(path); err != nil {
			if isStaleNFSError(err) {
				done <- models.MountStatusStale
				return
			}
			done <- models.MountStatusDisconnected
			return
		}
		done <- models.MountStatusConnected
	}()

	select {
	case status := <-done:
		return status
	case <-checkCtx.Done():
		return models.MountStatusStale
	}
}

func isStaleNFSError(err error) bool {
	return errors.Is(err, syscall.ESTALE)
}

// Usage returns space usage for a mounted path.
func (t *Table) Usage(ctx context.Context, path string) (*models.DiskUsage, error) {
	u, err := t.usage(ctx, path)
	if err != nil {
		return nil, err
	}
	return &models.DiskUsage{
		TotalBytes:  u.Total,
		UsedBytes:   u.Used,
		FreeBytes:   u.Free,
		UsedPercent: u.UsedPercent,
	}, nil
}

// Statuses joins table entries with the live table. Swap entries are skipped.
func (t *Table) Statuses(ctx context.Context, entries []models.Entry) ([]models.EntryStatus, error) {
	live, err := t.List(ctx)
	if err != nil {
		return nil, err
	}
	return Join(ctx, entries, live, t), nil
}

// Prober checks a mounted path.
type Prober interface {
	CheckStatus(ctx context.Context, path string) models.MountStatus
}

// Join builds an EntryStatus per entry. Mounted network entries are probed
// for staleness when probe is non-nil.
func Join(ctx context.Context, entries []models.Entry, live []models.LiveMount, probe Prober) []models.EntryStatus {
	now := time.Now().UTC()
	out := make([]models.EntryStatus, 0, len(entries))
	for _, e := range entries {
		if e.IsSwap() {
			continue
		}
		st := models.EntryStatus{
			Entry:       e,
			Network:     e.IsNetwork(),
			Status:      models.MountStatusDisconnected,
			LastChecked: now,
		}
		if m, ok := Find(live, e.Mountpoint); ok {
			st.LiveSource = m.Source
			st.Status = models.MountStatusConnected
			if e.IsNetwork() && probe != nil {
				st.Status = probe.CheckStatus(ctx, e.Mountpoint)
			}
		}
		out = append(out, st)
	}
	return out
}
