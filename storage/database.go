// Package storage is the SQLite history of the coordinator: known devices,
// their state transitions and notable events, calibration sessions and
// validation reports.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "capsync.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultEventRetention controls automatic device event pruning.
	DefaultEventRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS devices (
  device_id           TEXT PRIMARY KEY,
  display_name        TEXT NOT NULL DEFAULT '',
  state               TEXT NOT NULL,
  remote_addr         TEXT,
  protocol_version    INTEGER NOT NULL DEFAULT 0,
  modalities          TEXT NOT NULL DEFAULT '',
  first_seen          INTEGER NOT NULL,
  last_seen           INTEGER NOT NULL,
  removed             INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE TABLE IF NOT EXISTS state_transitions (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  device_id   TEXT NOT NULL,
  from_state  TEXT NOT NULL,
  to_state    TEXT NOT NULL,
  reason      TEXT NOT NULL DEFAULT '',
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_state_transitions_device_time
ON state_transitions (device_id, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS device_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type  TEXT NOT NULL,
  device_id   TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_device_events_time
ON device_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_device_events_device
ON device_events (device_id, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS calibration_sessions (
  session_id          TEXT PRIMARY KEY,
  kind                TEXT NOT NULL CHECK(kind IN ('quick','comprehensive')),
  started_at          INTEGER NOT NULL,
  ended_at            INTEGER NOT NULL,
  device_count        INTEGER NOT NULL,
  snapshot_count      INTEGER NOT NULL,
  average_sync_error  INTEGER NOT NULL,
  threshold           INTEGER NOT NULL,
  passed              INTEGER NOT NULL,
  failure             TEXT NOT NULL DEFAULT ''
);
`,
	`
CREATE TABLE IF NOT EXISTS calibration_offsets (
  session_id       TEXT NOT NULL REFERENCES calibration_sessions(session_id) ON DELETE CASCADE,
  device_id        TEXT NOT NULL,
  median_offset    INTEGER NOT NULL,
  mean_round_trip  INTEGER NOT NULL,
  min_round_trip   INTEGER NOT NULL,
  jitter           INTEGER NOT NULL,
  accepted         INTEGER NOT NULL,
  rejected         INTEGER NOT NULL,
  lost             INTEGER NOT NULL,
  PRIMARY KEY (session_id, device_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS validation_reports (
  report_id   TEXT PRIMARY KEY,
  level       TEXT NOT NULL CHECK(level IN ('BASIC','COMPREHENSIVE','PRODUCTION')),
  started_at  INTEGER NOT NULL,
  ended_at    INTEGER NOT NULL,
  passed      INTEGER NOT NULL,
  checks      TEXT NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_calibration_sessions_time
ON calibration_sessions (started_at DESC, session_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_validation_reports_time
ON validation_reports (started_at DESC, report_id);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	eventRetention        time.Duration
	closeOnce             sync.Once
}

// Open opens (or creates) capsync.db under the given data directory and runs
// migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		eventRetention:        DefaultEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
