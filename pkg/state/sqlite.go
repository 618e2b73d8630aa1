package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

func NewSQLiteDatabase(dbPath string) (*SQLiteDatabase, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteDatabase{
		db:   db,
		path: dbPath,
	}, nil
}

func (s *SQLiteDatabase) Migrate() error {
	// Create a separate database connection for migrations to avoid connection interference
	migrationDB, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open migration database: %w", err)
	}
	defer migrationDB.Close()

	driver, err := sqlite3.WithInstance(migrationDB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite3 driver: %w", err)
	}

	return runMigrations("sqlite", driver)
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

func (s *SQLiteDatabase) SaveDeviceSnapshot(snapshot DeviceSnapshot) error {
	query := `
		INSERT INTO device_snapshots (device_kind, device_id, state, generation, last_command, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_kind, device_id) DO UPDATE SET
			state = excluded.state,
			generation = excluded.generation,
			last_command = excluded.last_command,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= device_snapshots.updated_at
	`

	_, err := s.db.Exec(query,
		snapshot.Kind,
		snapshot.DeviceID,
		snapshot.State,
		snapshot.Generation,
		snapshot.LastCommand,
		snapshot.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s/%s: %w", snapshot.Kind, snapshot.DeviceID, err)
	}
	return nil
}

func (s *SQLiteDatabase) LoadDeviceSnapshot(kind, id string) (*DeviceSnapshot, error) {
	query := `
		SELECT device_kind, device_id, state, generation, last_command, updated_at
		FROM device_snapshots WHERE device_kind = ? AND device_id = ?
	`

	snapshot, err := scanSnapshot(s.db.QueryRow(query, kind, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrSnapshotNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s/%s: %w", kind, id, err)
	}
	return snapshot, nil
}

func (s *SQLiteDatabase) LoadAllDeviceSnapshots() ([]DeviceSnapshot, error) {
	query := `
		SELECT device_kind, device_id, state, generation, last_command, updated_at
		FROM device_snapshots ORDER BY device_kind, device_id
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []DeviceSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, *snapshot)
	}

	return snapshots, rows.Err()
}

func (s *SQLiteDatabase) DeleteDeviceSnapshot(kind, id string) error {
	_, err := s.db.Exec("DELETE FROM device_snapshots WHERE device_kind = ? AND device_id = ?", kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s/%s: %w", kind, id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*DeviceSnapshot, error) {
	var snapshot DeviceSnapshot
	var updatedAt time.Time

	err := row.Scan(
		&snapshot.Kind,
		&snapshot.DeviceID,
		&snapshot.State,
		&snapshot.Generation,
		&snapshot.LastCommand,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	snapshot.UpdatedAt = updatedAt.UTC()
	return &snapshot, nil
}
