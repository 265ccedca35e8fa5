package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteJournal opens or creates the journal database at dbPath.
func NewSQLiteJournal(dbPath string, logger zerolog.Logger) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	j := &SQLiteJournal{
		db:     db,
		logger: logger.With().Str("component", "journal").Logger(),
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	j.logger.Debug().Str("path", dbPath).Msg("journal initialized")
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			mountpoint TEXT NOT NULL,
			source TEXT,
			outcome TEXT NOT NULL,
			error_code TEXT,
			error TEXT,
			override TEXT,
			states TEXT NOT NULL,
			backup_id TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_operations_started_at ON operations(started_at);
		CREATE INDEX IF NOT EXISTS idx_operations_mountpoint ON operations(mountpoint);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Append implements Journal.
func (j *SQLiteJournal) Append(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	states, err := json.Marshal(rec.States)
	if err != nil {
		return fmt.Errorf("marshal states: %w", err)
	}

	query := `
		INSERT INTO operations (id, operation, mountpoint, source, outcome, error_code, error, override, states, backup_id, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = j.db.ExecContext(ctx, query,
		rec.ID.String(),
		rec.Operation,
		rec.Mountpoint,
		nullString(rec.Source),
		string(rec.Outcome),
		nullString(rec.ErrorCode),
		nullString(rec.Error),
		nullString(rec.Override),
		string(states),
		nullString(rec.BackupID),
		rec.StartedAt.UTC().Format(timeLayout),
		rec.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// Recent implements Journal, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, operation, mountpoint, source, outcome, error_code, error, override, states, backup_id, started_at, finished_at
		FROM operations
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var id, outcome, states, startedAt, finishedAt string
		var source, errorCode, errText, override, backup sql.NullString
		if err := rows.Scan(&id, &rec.Operation, &rec.Mountpoint, &source, &outcome, &errorCode, &errText, &override, &states, &backup, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		rec.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse id: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		rec.Source = source.String
		rec.ErrorCode = errorCode.String
		rec.Error = errText.String
		rec.Override = override.String
		rec.BackupID = backup.String
		if err := json.Unmarshal([]byte(states), &rec.States); err != nil {
			return nil, fmt.Errorf("unmarshal states: %w", err)
		}
		rec.StartedAt, _ = time.Parse(timeLayout, startedAt)
		rec.FinishedAt, _ = time.Parse(timeLayout, finishedAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// PruneBefore implements Journal.
func (j *SQLiteJournal) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, `DELETE FROM operations WHERE started_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune operations: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
