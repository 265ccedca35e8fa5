package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/MacJediWizard/mountrix/internal/crypto"
)

// SQLiteStore persists secrets in SQLite, sealed with AES-256-GCM. Each
// secret is bound to its service ID so rows cannot be swapped.
type SQLiteStore struct {
	db     *sql.DB
	keys   *crypto.KeyManager
	logger zerolog.Logger
}

// NewSQLiteStore opens or creates the secrets database at dbPath.
func NewSQLiteStore(dbPath string, keys *crypto.KeyManager, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create secrets directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		keys:   keys,
		logger: logger.With().Str("component", "secret_store").Logger(),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	if err := os.Chmod(dbPath, 0o600); err != nil {
		store.logger.Warn().Err(err).Msg("failed to restrict secrets database permissions")
	}

	store.logger.Info().Str("path", dbPath).Msg("secret store initialized")
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS secrets (
			service_id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			sealed BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, serviceID, username, secret string) error {
	if err := validatePut(serviceID, username, secret); err != nil {
		return err
	}
	sealed, err := s.keys.Seal([]byte(secret), []byte(serviceID))
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}

	query := `
		INSERT INTO secrets (service_id, username, sealed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service_id) DO UPDATE SET
			username = excluded.username,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, serviceID, username, sealed, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("store secret: %w", err)
	}

	s.logger.Info().Str("service_id", serviceID).Msg("secret stored")
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, serviceID string) (string, string, error) {
	var username string
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT username, sealed FROM secrets WHERE service_id = ?`, serviceID,
	).Scan(&username, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("query secret: %w", err)
	}

	secret, err := s.keys.Open(sealed, []byte(serviceID))
	if err != nil {
		return "", "", fmt.Errorf("open secret %s: %w", serviceID, err)
	}
	return username, string(secret), nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, serviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE service_id = ?`, serviceID)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info().Str("service_id", serviceID).Msg("secret deleted")
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT service_id FROM secrets ORDER BY service_id`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan secret id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
