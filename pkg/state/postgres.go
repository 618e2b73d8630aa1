package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq"
)

type PostgreSQLDatabase struct {
	db  *sql.DB
	dsn string
}

func NewPostgreSQLDatabase(dsn string) (*PostgreSQLDatabase, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set reasonable connection limits
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgreSQLDatabase{
		db:  db,
		dsn: dsn,
	}, nil
}

func (p *PostgreSQLDatabase) Migrate() error {
	// Create a separate database connection for migrations to avoid connection interference
	migrationDB, err := sql.Open("postgres", p.dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration database: %w", err)
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	return runMigrations("postgres", driver)
}

func (p *PostgreSQLDatabase) Close() error {
	return p.db.Close()
}

func (p *PostgreSQLDatabase) SaveDeviceSnapshot(snapshot DeviceSnapshot) error {
	query := `
		INSERT INTO device_snapshots (device_kind, device_id, state, generation, last_command, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_kind, device_id) DO UPDATE SET
			state = EXCLUDED.state,
			generation = EXCLUDED.generation,
			last_command = EXCLUDED.last_command,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.updated_at >= device_snapshots.updated_at
	`

	_, err := p.db.Exec(query,
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

func (p *PostgreSQLDatabase) LoadDeviceSnapshot(kind, id string) (*DeviceSnapshot, error) {
	query := `
		SELECT device_kind, device_id, state, generation, last_command, updated_at
		FROM device_snapshots WHERE device_kind = $1 AND device_id = $2
	`

	snapshot, err := scanSnapshot(p.db.QueryRow(query, kind, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrSnapshotNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s/%s: %w", kind, id, err)
	}
	return snapshot, nil
}

func (p *PostgreSQLDatabase) LoadAllDeviceSnapshots() ([]DeviceSnapshot, error) {
	query := `
		SELECT device_kind, device_id, state, generation, last_command, updated_at
		FROM device_snapshots ORDER BY device_kind, device_id
	`

	rows, err := p.db.Query(query)
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

func (p *PostgreSQLDatabase) DeleteDeviceSnapshot(kind, id string) error {
	_, err := p.db.Exec("DELETE FROM device_snapshots WHERE device_kind = $1 AND device_id = $2", kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s/%s: %w", kind, id, err)
	}
	return nil
}
