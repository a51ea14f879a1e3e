package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mrinal-mann/Knugget-new/core"
)

const sqliteStoreSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	key TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`

const (
	defaultSQLiteDir = ".knugget"
	defaultSQLiteDB  = "knugget.db"

	credentialKeyAuth     = "auth"
	credentialKeySnapshot = "snapshot"
)

// SQLiteStoreConfig configures the SQLite-backed credential store.
type SQLiteStoreConfig struct {
	DSN string
	// Scope controls secret key derivation; defaults to DSN.
	Scope string
}

// SQLiteStore persists the auth record in SQLite. It suits long-lived
// daemon processes that already keep other state in a database file.
type SQLiteStore struct {
	db    *sql.DB
	scope string
}

// DefaultSQLitePath returns the default database path.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteDir, defaultSQLiteDB), nil
}

// NewDefaultSQLiteStore creates a store at ~/.knugget/knugget.db.
func NewDefaultSQLiteStore() (*SQLiteStore, error) {
	path, err := DefaultSQLitePath()
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(SQLiteStoreConfig{DSN: path, Scope: path})
}

// NewSQLiteStore opens (or creates) a SQLite-backed credential store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("store: sqlite dsn is required")
	}

	if dir := filepath.Dir(cfg.DSN); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteStoreSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite create schema: %w", err)
	}

	scope := cfg.Scope
	if strings.TrimSpace(scope) == "" {
		scope = cfg.DSN
	}
	return &SQLiteStore{db: db, scope: scope}, nil
}

// Load returns the stored record with tokens unsealed.
func (s *SQLiteStore) Load(ctx context.Context) (core.AuthRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.AuthRecord{}, false, err
	}
	if s == nil || s.db == nil {
		return core.AuthRecord{}, false, errors.New("store: sqlite store is nil")
	}

	payload, found, err := s.getPayload(ctx, credentialKeyAuth)
	if err != nil || !found {
		return core.AuthRecord{}, false, err
	}

	var sealed core.AuthRecord
	if err := json.Unmarshal(payload, &sealed); err != nil {
		return core.AuthRecord{}, false, fmt.Errorf("%w: decode auth row: %v", ErrCorrupt, err)
	}

	codec, err := newSecretCodec(s.scope)
	if err != nil {
		return core.AuthRecord{}, false, fmt.Errorf("store: initialize secret codec: %w", err)
	}
	rec := sealed
	if rec.AccessToken, err = codec.Open(sealed.AccessToken); err != nil {
		return core.AuthRecord{}, false, fmt.Errorf("%w: unseal access token: %v", ErrCorrupt, err)
	}
	if rec.RefreshToken, err = codec.Open(sealed.RefreshToken); err != nil {
		return core.AuthRecord{}, false, fmt.Errorf("%w: unseal refresh token: %v", ErrCorrupt, err)
	}
	return rec, true, nil
}

// Save replaces the stored record wholesale.
func (s *SQLiteStore) Save(ctx context.Context, rec core.AuthRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("store: sqlite store is nil")
	}

	codec, err := newSecretCodec(s.scope)
	if err != nil {
		return fmt.Errorf("store: initialize secret codec: %w", err)
	}
	sealed := rec
	if sealed.AccessToken, err = codec.Seal(rec.AccessToken); err != nil {
		return fmt.Errorf("store: seal access token: %w", err)
	}
	if sealed.RefreshToken, err = codec.Seal(rec.RefreshToken); err != nil {
		return fmt.Errorf("store: seal refresh token: %w", err)
	}

	payload, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("store: encode auth row: %w", err)
	}
	return s.upsertPayload(ctx, credentialKeyAuth, payload)
}

// Clear removes the stored record. Clearing an empty store is a no-op.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("store: sqlite store is nil")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, credentialKeyAuth); err != nil {
		return fmt.Errorf("store: sqlite clear auth row: %w", err)
	}
	return nil
}

// SaveSnapshot replaces the last-known snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return errors.New("store: sqlite store is nil")
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: encode snapshot row: %w", err)
	}
	return s.upsertPayload(ctx, credentialKeySnapshot, payload)
}

// LoadSnapshot returns the last-known snapshot.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	if s == nil || s.db == nil {
		return Snapshot{}, false, errors.New("store: sqlite store is nil")
	}

	payload, found, err := s.getPayload(ctx, credentialKeySnapshot)
	if err != nil || !found {
		return Snapshot{}, false, err
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: decode snapshot row: %v", ErrCorrupt, err)
	}
	return snap, true, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) getPayload(ctx context.Context, key string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM credentials WHERE key = ?`, key)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: sqlite read %s row: %w", key, err)
	}
	return payload, true, nil
}

func (s *SQLiteStore) upsertPayload(ctx context.Context, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (key, payload, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	payload = excluded.payload,
	updated_at = excluded.updated_at`,
		key,
		payload,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: sqlite upsert %s row: %w", key, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
