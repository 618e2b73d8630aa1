package state

import (
	"errors"
	"time"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

type Database interface {
	SaveDeviceSnapshot(snapshot DeviceSnapshot) error
	LoadDeviceSnapshot(kind, id string) (*DeviceSnapshot, error)
	LoadAllDeviceSnapshots() ([]DeviceSnapshot, error)
	DeleteDeviceSnapshot(kind, id string) error

	// Maintenance
	Close() error
	Migrate() error
}

// DeviceSnapshot is the latest persisted sync state of one device.
type DeviceSnapshot struct {
	Kind        string    `db:"device_kind"`
	DeviceID    string    `db:"device_id"`
	State       string    `db:"state"`
	Generation  int64     `db:"generation"`
	LastCommand string    `db:"last_command"`
	UpdatedAt   time.Time `db:"updated_at"`
}
