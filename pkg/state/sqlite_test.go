package state

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(filepath.Join(t.TempDir(), "nested", "sync.db"))
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	db := newTestSQLite(t)

	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestSQLiteSaveAndLoadSnapshot(t *testing.T) {
	db := newTestSQLite(t)
	updated := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	want := DeviceSnapshot{
		Kind:        "wind",
		DeviceID:    "D1",
		State:       "syncing",
		Generation:  3,
		LastCommand: "multi_set NAME -s North Bridge;",
		UpdatedAt:   updated,
	}
	if err := db.SaveDeviceSnapshot(want); err != nil {
		t.Fatalf("SaveDeviceSnapshot() error = %v", err)
	}

	got, err := db.LoadDeviceSnapshot("wind", "D1")
	if err != nil {
		t.Fatalf("LoadDeviceSnapshot() error = %v", err)
	}
	if got.State != want.State || got.Generation != want.Generation || got.LastCommand != want.LastCommand {
		t.Errorf("LoadDeviceSnapshot() = %+v, want %+v", got, want)
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, updated)
	}
}

func TestSQLiteUpsertKeepsNewest(t *testing.T) {
	db := newTestSQLite(t)
	base := time.Now().UTC()

	newer := DeviceSnapshot{Kind: "wind", DeviceID: "D1", State: "synced", Generation: 2, UpdatedAt: base.Add(time.Second)}
	older := DeviceSnapshot{Kind: "wind", DeviceID: "D1", State: "syncing", Generation: 2, UpdatedAt: base}

	if err := db.SaveDeviceSnapshot(newer); err != nil {
		t.Fatal(err)
	}
	// Late write from a reordered queue must not win
	if err := db.SaveDeviceSnapshot(older); err != nil {
		t.Fatal(err)
	}

	got, err := db.LoadDeviceSnapshot("wind", "D1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "synced" {
		t.Errorf("State = %q, want synced", got.State)
	}

	newest := DeviceSnapshot{Kind: "wind", DeviceID: "D1", State: "syncing", Generation: 3, UpdatedAt: base.Add(2 * time.Second)}
	if err := db.SaveDeviceSnapshot(newest); err != nil {
		t.Fatal(err)
	}
	got, _ = db.LoadDeviceSnapshot("wind", "D1")
	if got.Generation != 3 || got.State != "syncing" {
		t.Errorf("snapshot = %+v, want generation 3 syncing", got)
	}
}

func TestSQLiteLoadAllAndDelete(t *testing.T) {
	db := newTestSQLite(t)
	now := time.Now().UTC()

	for _, id := range []string{"D2", "D1"} {
		if err := db.SaveDeviceSnapshot(DeviceSnapshot{Kind: "wind", DeviceID: id, State: "synced", UpdatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.SaveDeviceSnapshot(DeviceSnapshot{Kind: "rail", DeviceID: "R1", State: "syncing", UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}

	all, err := db.LoadAllDeviceSnapshots()
	if err != nil {
		t.Fatalf("LoadAllDeviceSnapshots() error = %v", err)
	}
	var keys []string
	for _, s := range all {
		keys = append(keys, s.Kind+"/"+s.DeviceID)
	}
	want := []string{"rail/R1", "wind/D1", "wind/D2"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	if err := db.DeleteDeviceSnapshot("wind", "D1"); err != nil {
		t.Fatalf("DeleteDeviceSnapshot() error = %v", err)
	}
	if _, err := db.LoadDeviceSnapshot("wind", "D1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("LoadDeviceSnapshot() after delete error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestSQLiteRejectsUnknownState(t *testing.T) {
	db := newTestSQLite(t)

	err := db.SaveDeviceSnapshot(DeviceSnapshot{Kind: "wind", DeviceID: "D1", State: "lost", UpdatedAt: time.Now()})
	if err == nil {
		t.Error("expected check constraint violation")
	}
}
