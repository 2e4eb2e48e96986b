package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// CameraType identifies which of a profile's two cameras a record refers to.
type CameraType string

const (
	HeadCamera   CameraType = "head_camera"
	StaticCamera CameraType = "static_camera"
)

// Valid reports whether the camera type is one of the known values.
func (c CameraType) Valid() bool {
	return c == HeadCamera || c == StaticCamera
}

// RiskLevel classifies how dangerous a detection class is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether the risk level is one of the known values.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Store manages the SQLite database holding profiles, classes and detections.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if necessary) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support concurrent writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS baby_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		head_camera_ip TEXT,
		head_camera_on BOOLEAN NOT NULL DEFAULT 0,
		head_in_detection BOOLEAN NOT NULL DEFAULT 0,
		head_model_updated_at TIMESTAMP,
		static_camera_ip TEXT,
		static_camera_on BOOLEAN NOT NULL DEFAULT 0,
		static_in_detection BOOLEAN NOT NULL DEFAULT 0,
		static_model_updated_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS classes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		baby_profile_id INTEGER NOT NULL,
		camera_type TEXT NOT NULL,
		name TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		model_index INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (baby_profile_id, camera_type, name),
		UNIQUE (baby_profile_id, camera_type, model_index),
		FOREIGN KEY (baby_profile_id) REFERENCES baby_profiles(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		baby_profile_id INTEGER NOT NULL,
		class_id INTEGER NOT NULL,
		class_name TEXT NOT NULL,
		confidence REAL NOT NULL,
		camera_type TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		image_path TEXT,
		FOREIGN KEY (baby_profile_id) REFERENCES baby_profiles(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS push_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		token TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (user_id, token)
	);

	CREATE INDEX IF NOT EXISTS idx_classes_profile ON classes(baby_profile_id, camera_type);
	CREATE INDEX IF NOT EXISTS idx_detections_profile ON detections(baby_profile_id);
	CREATE INDEX IF NOT EXISTS idx_push_tokens_user ON push_tokens(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
