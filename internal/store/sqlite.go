package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/evalstream/internal/domain"
	"github.com/ashureev/evalstream/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SlotStore using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite opens (or creates) the snapshot database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the debounced writer and readers proceed concurrently.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS session_slots (
		slot TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_slots_updated ON session_slots(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Save overwrites slot with the full snapshot.
func (s *SQLiteStore) Save(ctx context.Context, slot string, state *domain.SessionState) error {
	if state == nil {
		return errors.New("save: nil state")
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	query := `
	INSERT INTO session_slots (slot, state_json, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(slot) DO UPDATE SET
		state_json = excluded.state_json,
		updated_at = excluded.updated_at`

	now := time.Now().Unix()
	err = shared.RetryOnConflict(ctx, s.retry, "save slot", func() error {
		_, err := s.db.ExecContext(ctx, query, slot, string(payload), now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("save slot %s: %w", slot, err)
	}
	return nil
}

// Load returns the snapshot in slot, or nil when absent.
func (s *SQLiteStore) Load(ctx context.Context, slot string) (*domain.SessionState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM session_slots WHERE slot = ?`, slot).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load slot %s: %w", slot, err)
	}

	var state domain.SessionState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("decode slot %s: %w", slot, err)
	}
	if state.Messages == nil {
		state.Messages = []domain.Message{}
	}
	return &state, nil
}

// Clear removes slot.
func (s *SQLiteStore) Clear(ctx context.Context, slot string) error {
	err := shared.RetryOnConflict(ctx, s.retry, "clear slot", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_slots WHERE slot = ?`, slot)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear slot %s: %w", slot, err)
	}
	return nil
}

// CleanupStale removes slots last written more than ttl ago.
func (s *SQLiteStore) CleanupStale(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM session_slots WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale slots: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
