// Package journal records every orchestrated operation, including overridden
// diagnostics, in a local SQLite audit log.
package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal result of an operation.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailed     Outcome = "failed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Record is one journaled operation. Override holds the operator's reason
// when failed diagnostics were bypassed.
type Record struct {
	ID         uuid.UUID `json:"id"`
	Operation  string    `json:"operation"`
	Mountpoint string    `json:"mountpoint"`
	Source     string    `json:"source,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Override   string    `json:"override,omitempty"`
	States     []string  `json:"states"`
	BackupID   string    `json:"backup_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Journal stores operation records.
type Journal interface {
	Append(ctx context.Context, rec *Record) error
	Recent(ctx context.Context, limit int) ([]*Record, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryJournal keeps records in memory.
type MemoryJournal struct {
	mu      sync.Mutex
	records []*Record
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// Append implements Journal.
func (j *MemoryJournal) Append(_ context.Context, rec *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *rec
	cp.States = append([]string(nil), rec.States...)
	j.records = append(j.records, &cp)
	return nil
}

// Recent implements Journal, newest first.
func (j *MemoryJournal) Recent(_ context.Context, limit int) ([]*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Record, len(j.records))
	copy(out, j.records)
	sort.SliceStable(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneBefore implements Journal.
func (j *MemoryJournal) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.records[:0]
	var removed int64
	for _, r := range j.records {
		if r.StartedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	j.records = kept
	return removed, nil
}
