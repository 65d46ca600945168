// Package store persists learner profiles, activity records, per-skill
// progress, and the activity-history ledger in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"skillforge/internal/logging"
)

// EnvDatabasePath overrides the database location.
const EnvDatabasePath = "DATABASE_PATH"

// Store wraps the SQLite database holding all learner state.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// DefaultPath returns the database path, honoring DATABASE_PATH.
func DefaultPath() string {
	if path := os.Getenv(EnvDatabasePath); path != "" {
		return path
	}
	return filepath.Join("data", "skillforge.db")
}

// Open initializes the SQLite database at the given path, creating the
// schema if needed.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 30000"); err != nil {
		logging.Get(logging.CategoryStore).Warn("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryStore).Warn("Failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.Get(logging.CategoryStore).Warn("Failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.Get(logging.CategoryStore).Warn("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryStore).Info("Store opened at %s", path)
	return s, nil
}

// initialize creates the required tables and indexes.
func (s *Store) initialize() error {
	learnerProfiles := `
	CREATE TABLE IF NOT EXISTS learner_profiles (
		learner_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		enrollment_date TEXT,
		status TEXT DEFAULT 'active',
		background TEXT,
		experience_level TEXT,
		created TEXT,
		last_updated TEXT
	);
	`

	activityRecords := `
	CREATE TABLE IF NOT EXISTS activity_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_id TEXT NOT NULL,
		learner_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		evaluation_result TEXT,
		activity_transcript TEXT,
		scored INTEGER DEFAULT 0,
		FOREIGN KEY (learner_id) REFERENCES learner_profiles(learner_id)
	);
	CREATE INDEX IF NOT EXISTS idx_activity_learner ON activity_records(learner_id);
	CREATE INDEX IF NOT EXISTS idx_activity_timestamp ON activity_records(timestamp);
	`

	skillProgress := `
	CREATE TABLE IF NOT EXISTS skill_progress (
		skill_id TEXT NOT NULL,
		learner_id TEXT NOT NULL,
		skill_name TEXT,
		cumulative_score REAL DEFAULT 0,
		total_adjusted_evidence REAL DEFAULT 0,
		activity_count INTEGER DEFAULT 0,
		gate_1_status TEXT DEFAULT 'needs_improvement',
		gate_2_status TEXT DEFAULT 'needs_improvement',
		overall_status TEXT DEFAULT 'needs_improvement',
		confidence_interval_lower REAL DEFAULT 0,
		confidence_interval_upper REAL DEFAULT 0,
		standard_error REAL DEFAULT 0.25,
		last_updated TEXT,
		PRIMARY KEY (skill_id, learner_id)
	);
	CREATE INDEX IF NOT EXISTS idx_skill_learner ON skill_progress(learner_id);
	`

	activityHistory := `
	CREATE TABLE IF NOT EXISTS activity_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		learner_id TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		skill_id TEXT NOT NULL,
		completion_timestamp TEXT NOT NULL,
		activity_type TEXT,
		activity_title TEXT,
		performance_score REAL,
		target_evidence_volume REAL,
		validity_modifier REAL,
		adjusted_evidence_volume REAL,
		cumulative_evidence_weight REAL,
		decay_factor REAL,
		decay_adjusted_evidence_volume REAL,
		cumulative_performance REAL,
		cumulative_evidence REAL,
		evaluation_result TEXT,
		activity_transcript TEXT,
		UNIQUE(learner_id, activity_id, skill_id)
	);
	CREATE INDEX IF NOT EXISTS idx_activity_history_learner_skill ON activity_history(learner_id, skill_id);
	CREATE INDEX IF NOT EXISTS idx_activity_history_timestamp ON activity_history(completion_timestamp);
	CREATE INDEX IF NOT EXISTS idx_activity_history_evidence_weight ON activity_history(learner_id, skill_id, cumulative_evidence_weight);
	`

	for _, table := range []string{learnerProfiles, activityRecords, skillProgress, activityHistory} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Get(logging.CategoryStore).Info("Closing store")
	return s.db.Close()
}

// DB returns the underlying connection for maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}
