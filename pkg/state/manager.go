// Package state persists the latest sync state of every device so a restart
// does not forget commands that are still waiting for an acknowledgement.
package state

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/denwilliams/go-device-sync/pkg/config"
	"github.com/denwilliams/go-device-sync/pkg/devicesync"
	"github.com/denwilliams/go-device-sync/pkg/metrics"
)

const defaultQueueSize = 256

type writeOp struct {
	snapshot DeviceSnapshot
	delete   bool
}

// Manager owns the database and a single writer goroutine. SaveSnapshot and
// DeleteSnapshot only queue work, so they are safe to call from MQTT callbacks.
type Manager struct {
	db     Database
	dbType string
	logger *zap.Logger
	queue  chan writeOp
}

func NewManager(cfg config.DatabaseConfig, logger *zap.Logger) (*Manager, error) {
	var db Database
	var err error

	switch cfg.Type {
	case "sqlite":
		db, err = NewSQLiteDatabase(cfg.Connection)
	case "postgres", "postgresql":
		db, err = NewPostgreSQLDatabase(cfg.Connection)
	default:
		err = fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	// Run migrations
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	manager := NewManagerWithDatabase(db, cfg.Type, logger)
	manager.logger.Info("State manager initialized", zap.String("type", cfg.Type))
	return manager, nil
}

// NewManagerWithDatabase wraps an opened and migrated database.
func NewManagerWithDatabase(db Database, dbType string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		db:     db,
		dbType: dbType,
		logger: logger.Named("state"),
		queue:  make(chan writeOp, defaultQueueSize),
	}
}

func (m *Manager) Type() string {
	return m.dbType
}

// Run drains the write queue until ctx is cancelled, then flushes whatever
// is still queued.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case op := <-m.queue:
			m.apply(op)
		case <-ctx.Done():
			m.flush()
			return nil
		}
	}
}

func (m *Manager) flush() {
	for {
		select {
		case op := <-m.queue:
			m.apply(op)
		default:
			return
		}
	}
}

func (m *Manager) apply(op writeOp) {
	if op.delete {
		if err := m.DeleteDeviceSnapshot(op.snapshot.Kind, op.snapshot.DeviceID); err != nil {
			m.logger.Error("Failed to delete snapshot", zap.String("device", op.snapshot.Kind+"/"+op.snapshot.DeviceID), zap.Error(err))
		}
		return
	}

	if err := m.SaveDeviceSnapshot(op.snapshot); err != nil {
		m.logger.Error("Failed to save snapshot", zap.String("device", op.snapshot.Kind+"/"+op.snapshot.DeviceID), zap.Error(err))
	}
}

func (m *Manager) enqueue(op writeOp) {
	select {
	case m.queue <- op:
	default:
		metrics.RecordSnapshotDropped()
		m.logger.Warn("Snapshot queue full, dropping write",
			zap.String("device", op.snapshot.Kind+"/"+op.snapshot.DeviceID),
			zap.Bool("delete", op.delete),
		)
	}
}

// SaveSnapshot queues s for the writer.
func (m *Manager) SaveSnapshot(s devicesync.Snapshot) {
	m.enqueue(writeOp{snapshot: FromSync(s)})
}

// DeleteSnapshot queues the removal of key's snapshot.
func (m *Manager) DeleteSnapshot(key devicesync.Key) {
	m.enqueue(writeOp{snapshot: DeviceSnapshot{Kind: key.Kind, DeviceID: key.ID}, delete: true})
}

// LoadSnapshots returns every persisted snapshot in tracker form.
func (m *Manager) LoadSnapshots() ([]devicesync.Snapshot, error) {
	stored, err := m.LoadAllDeviceSnapshots()
	if err != nil {
		return nil, err
	}

	result := make([]devicesync.Snapshot, 0, len(stored))
	for _, s := range stored {
		result = append(result, s.ToSync())
	}
	return result, nil
}

func (m *Manager) SaveDeviceSnapshot(snapshot DeviceSnapshot) error {
	startTime := time.Now()

	if err := m.db.SaveDeviceSnapshot(snapshot); err != nil {
		metrics.RecordDatabaseError("save_device_snapshot")
		return err
	}

	metrics.RecordDatabaseQuery("save_device_snapshot", "write", time.Since(startTime).Seconds())
	return nil
}

func (m *Manager) LoadDeviceSnapshot(kind, id string) (*DeviceSnapshot, error) {
	startTime := time.Now()

	snapshot, err := m.db.LoadDeviceSnapshot(kind, id)
	if err != nil {
		metrics.RecordDatabaseError("load_device_snapshot")
		return nil, err
	}

	metrics.RecordDatabaseQuery("load_device_snapshot", "read", time.Since(startTime).Seconds())
	return snapshot, nil
}

func (m *Manager) LoadAllDeviceSnapshots() ([]DeviceSnapshot, error) {
	startTime := time.Now()

	snapshots, err := m.db.LoadAllDeviceSnapshots()
	if err != nil {
		metrics.RecordDatabaseError("load_all_device_snapshots")
		return nil, err
	}

	metrics.RecordDatabaseQuery("load_all_device_snapshots", "read", time.Since(startTime).Seconds())
	return snapshots, nil
}

func (m *Manager) DeleteDeviceSnapshot(kind, id string) error {
	startTime := time.Now()

	if err := m.db.DeleteDeviceSnapshot(kind, id); err != nil {
		metrics.RecordDatabaseError("delete_device_snapshot")
		return err
	}

	metrics.RecordDatabaseQuery("delete_device_snapshot", "write", time.Since(startTime).Seconds())
	return nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// FromSync converts a tracker snapshot to its stored form.
func FromSync(s devicesync.Snapshot) DeviceSnapshot {
	return DeviceSnapshot{
		Kind:        s.Key.Kind,
		DeviceID:    s.Key.ID,
		State:       string(s.State),
		Generation:  int64(s.Generation),
		LastCommand: s.LastCommand,
		UpdatedAt:   s.UpdatedAt,
	}
}

// ToSync converts a stored snapshot to tracker form.
func (s DeviceSnapshot) ToSync() devicesync.Snapshot {
	return devicesync.Snapshot{
		Key:         devicesync.Key{Kind: s.Kind, ID: s.DeviceID},
		State:       devicesync.State(s.State),
		Generation:  uint64(s.Generation),
		LastCommand: s.LastCommand,
		UpdatedAt:   s.UpdatedAt,
	}
}
