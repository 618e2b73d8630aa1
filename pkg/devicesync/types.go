package devicesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/denwilliams/go-device-sync/pkg/topics"
)

var (
	ErrInvalidKey    = errors.New("invalid device key")
	ErrNilHandler    = errors.New("notification handler is nil")
	ErrWatchReleased = errors.New("watch already released")
	ErrDeviceWatched = errors.New("device has active watchers")
	ErrUnknownDevice = errors.New("unknown device")
	ErrTrackerClosed = errors.New("tracker closed")
)

// State is the synchronisation state of one device.
type State string

const (
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
)

// Reason says why a notification was sent.
type Reason string

const (
	ReasonPublished    Reason = "published"
	ReasonAcknowledged Reason = "acknowledged"
	ReasonTimeout      Reason = "timeout"
	ReasonRestored     Reason = "restored"
)

// Key identifies a device by kind and id.
type Key struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (k Key) String() string {
	return k.Kind + "/" + k.ID
}

func (k Key) Validate() error {
	for _, part := range []string{k.Kind, k.ID} {
		if part == "" || strings.ContainsAny(part, "/+#") {
			return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
		}
	}
	return nil
}

// ParseKey parses the "<kind>/<id>" form.
func ParseKey(s string) (Key, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	key := Key{Kind: kind, ID: id}
	return key, key.Validate()
}

// Notification is delivered to the watchers of a device.
type Notification struct {
	Key        Key       `json:"device"`
	State      State     `json:"state"`
	Generation uint64    `json:"generation"`
	Reason     Reason    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// Handler receives notifications. It runs on the delivery goroutine and must
// not block.
type Handler func(Notification)

// Snapshot is the latest known state of a device.
type Snapshot struct {
	Key         Key       `json:"device"`
	State       State     `json:"state"`
	Generation  uint64    `json:"generation"`
	LastCommand string    `json:"last_command,omitempty"`
	Watchers    int       `json:"watchers"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Publisher is the broker connection as seen by the tracker.
type Publisher interface {
	EnsureConnected(ctx context.Context) error
	Publish(topic string, payload []byte) error
}

// ListenerRegistry is the topic multiplexer as seen by the tracker.
type ListenerRegistry interface {
	AddListener(topic string, cb topics.Callback) (*topics.Listener, error)
}

// AckMatcher decides whether a status payload acknowledges a command.
type AckMatcher interface {
	Match(kind, topic string, payload []byte) (bool, error)
}

// SnapshotStore persists snapshots. Both calls must return without waiting on
// I/O.
type SnapshotStore interface {
	SaveSnapshot(snapshot Snapshot)
	DeleteSnapshot(key Key)
}
