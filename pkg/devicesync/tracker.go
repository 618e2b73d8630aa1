// Package devicesync publishes configuration commands to devices and tracks
// whether each device has acknowledged the latest one.
package devicesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/denwilliams/go-device-sync/pkg/command"
	"github.com/denwilliams/go-device-sync/pkg/metrics"
	"github.com/denwilliams/go-device-sync/pkg/mqtt"
	"github.com/denwilliams/go-device-sync/pkg/topics"
)

const defaultConnectWait = 2 * time.Second

type Options struct {
	Publisher Publisher
	Listeners ListenerRegistry
	Topics    topics.TopicBuilder
	Matcher   AckMatcher
	Snapshots SnapshotStore

	// AckTimeout, when positive, raises a timeout notification for a command
	// that is still unacknowledged after this long. The state stays syncing.
	AckTimeout time.Duration

	// ConnectWait bounds how long Watch waits for the broker connection.
	ConnectWait time.Duration

	Logger *zap.Logger
}

type device struct {
	key Key

	mutex       sync.Mutex
	machine     *stateMachine
	generation  uint64
	lastCommand string
	updatedAt   time.Time
	timer       *time.Timer
	watchers    map[uint64]Handler

	// listener is held while the device is syncing or watched.
	listener *topics.Listener
	// forgotten is set once Forget has dropped the device from the map.
	forgotten bool
}

// Tracker owns the per-device sync state.
type Tracker struct {
	publisher   Publisher
	listeners   ListenerRegistry
	topics      topics.TopicBuilder
	matcher     AckMatcher
	snapshots   SnapshotStore
	ackTimeout  time.Duration
	connectWait time.Duration
	logger      *zap.Logger

	devices map[Key]*device
	mutex   sync.RWMutex
	closed  atomic.Bool

	nextWatchID atomic.Uint64
	syncing     atomic.Int64
}

func NewTracker(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	connectWait := opts.ConnectWait
	if connectWait <= 0 {
		connectWait = defaultConnectWait
	}

	return &Tracker{
		publisher:   opts.Publisher,
		listeners:   opts.Listeners,
		topics:      opts.Topics,
		matcher:     opts.Matcher,
		snapshots:   opts.Snapshots,
		ackTimeout:  opts.AckTimeout,
		connectWait: connectWait,
		logger:      logger.Named("devicesync"),
		devices:     make(map[Key]*device),
	}
}

// PublishCommand encodes req, publishes it to the device's command topic and
// resets the device to syncing. The publish and the reset happen under the
// device lock, so an ack being processed concurrently lands either before
// both or after both. The status listener is in place before the lock is
// released, so the ack to this command cannot be missed.
func (t *Tracker) PublishCommand(ctx context.Context, key Key, req command.Request) (Snapshot, error) {
	if err := key.Validate(); err != nil {
		return Snapshot{}, err
	}

	if err := t.publisher.EnsureConnected(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("connect for %s: %w", key, err)
	}

	d, err := t.device(key)
	if err != nil {
		return Snapshot{}, err
	}

	payload := command.Encode(req)
	topic := t.topics.Command(key.Kind, key.ID)

	spare, err := t.lockListening(d)
	if err != nil {
		return Snapshot{}, err
	}

	if err := t.publisher.Publish(topic, []byte(payload)); err != nil {
		idle := t.takeIdleListener(d)
		d.mutex.Unlock()
		releaseListeners(spare, idle)
		return Snapshot{}, fmt.Errorf("publish to %s: %w", topic, err)
	}

	changed, err := d.machine.publish(ctx)
	if err != nil {
		idle := t.takeIdleListener(d)
		d.mutex.Unlock()
		releaseListeners(spare, idle)
		return Snapshot{}, fmt.Errorf("sync state for %s: %w", key, err)
	}

	d.generation++
	d.lastCommand = payload
	d.updatedAt = time.Now()
	t.armTimer(d, d.generation)

	notification := d.notification(ReasonPublished)
	watchers := d.watcherList()
	snapshot := d.snapshot()
	d.mutex.Unlock()
	releaseListeners(spare)

	if changed {
		metrics.SetDevicesSyncing(int(t.syncing.Add(1)))
	}

	t.logger.Info("Command published",
		zap.String("device", key.String()),
		zap.String("topic", topic),
		zap.Uint64("generation", snapshot.Generation),
	)

	t.save(snapshot)
	t.notify(watchers, notification)
	return snapshot, nil
}

// OnAck feeds one status payload for key into the state machine. Payloads
// that are not acknowledgements, or arrive while the device is already
// synced, are ignored.
func (t *Tracker) OnAck(key Key, payload []byte) {
	d := t.lookup(key)
	if d == nil {
		metrics.RecordAckIgnored(key.Kind, "untracked")
		return
	}

	topic := t.topics.Status(key.Kind, key.ID)
	acked, err := t.matcher.Match(key.Kind, topic, payload)
	if err != nil {
		metrics.RecordAckIgnored(key.Kind, "malformed")
		t.logger.Debug("Ignoring malformed status payload",
			zap.String("device", key.String()),
			zap.ByteString("payload", payload),
			zap.Error(err),
		)
		return
	}
	if !acked {
		metrics.RecordAckIgnored(key.Kind, "not_ack")
		return
	}

	d.mutex.Lock()
	changed, err := d.machine.ack(context.Background())
	if err != nil || !changed {
		d.mutex.Unlock()
		metrics.RecordAckIgnored(key.Kind, "already_synced")
		if err != nil {
			t.logger.Warn("Ack transition failed", zap.String("device", key.String()), zap.Error(err))
		}
		return
	}

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.updatedAt = time.Now()
	idle := t.takeIdleListener(d)

	notification := d.notification(ReasonAcknowledged)
	watchers := d.watcherList()
	snapshot := d.snapshot()
	d.mutex.Unlock()

	metrics.SetDevicesSyncing(int(t.syncing.Add(-1)))
	t.logger.Info("Device synced", zap.String("device", key.String()), zap.Uint64("generation", snapshot.Generation))

	releaseListeners(idle)
	t.save(snapshot)
	t.notify(watchers, notification)
}

// Watch registers fn for the device's notifications. All watchers of a device
// share the tracker's status listener. The returned handle must be released
// exactly once.
func (t *Tracker) Watch(ctx context.Context, key Key, fn Handler) (*Watch, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrNilHandler
	}

	t.connect(ctx)

	for {
		d, err := t.device(key)
		if err != nil {
			return nil, err
		}

		spare, err := t.lockListening(d)
		if errors.Is(err, ErrUnknownDevice) {
			// Forgotten in between; the next lookup starts a fresh device
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("watch %s: %w", key, err)
		}

		id := t.nextWatchID.Add(1)
		d.watchers[id] = fn
		d.mutex.Unlock()
		releaseListeners(spare)

		t.logger.Debug("Watch added", zap.String("device", key.String()), zap.Uint64("watch_id", id))
		return &Watch{tracker: t, device: d, id: id}, nil
	}
}

// State returns the snapshot of one tracked device.
func (t *Tracker) State(key Key) (Snapshot, bool) {
	d := t.lookup(key)
	if d == nil {
		return Snapshot{}, false
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.snapshot(), true
}

// Devices returns every tracked device ordered by key.
func (t *Tracker) Devices() []Snapshot {
	t.mutex.RLock()
	devices := make([]*device, 0, len(t.devices))
	for _, d := range t.devices {
		devices = append(devices, d)
	}
	t.mutex.RUnlock()

	result := make([]Snapshot, 0, len(devices))
	for _, d := range devices {
		d.mutex.Lock()
		result = append(result, d.snapshot())
		d.mutex.Unlock()
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Key.String() < result[j].Key.String() })
	return result
}

// Restore loads persisted snapshots. Devices restored as syncing listen for
// their acknowledgement again.
func (t *Tracker) Restore(snapshots []Snapshot) {
	for _, s := range snapshots {
		if err := s.Key.Validate(); err != nil {
			t.logger.Warn("Skipping invalid snapshot", zap.Error(err))
			continue
		}
		if s.State != StateSyncing && s.State != StateSynced {
			t.logger.Warn("Skipping snapshot with unknown state", zap.String("device", s.Key.String()), zap.String("state", string(s.State)))
			continue
		}

		d, err := t.device(s.Key)
		if err != nil {
			return
		}

		var spare *topics.Listener
		if s.State == StateSyncing {
			spare, err = t.lockListening(d)
			if err != nil {
				t.logger.Warn("Skipping snapshot", zap.String("device", s.Key.String()), zap.Error(err))
				continue
			}
		} else {
			d.mutex.Lock()
		}

		wasSyncing := d.machine.State() == StateSyncing
		d.machine.restore(s.State)
		d.generation = s.Generation
		d.lastCommand = s.LastCommand
		d.updatedAt = s.UpdatedAt
		idle := t.takeIdleListener(d)
		notification := d.notification(ReasonRestored)
		watchers := d.watcherList()
		d.mutex.Unlock()
		releaseListeners(spare, idle)

		switch {
		case s.State == StateSyncing && !wasSyncing:
			metrics.SetDevicesSyncing(int(t.syncing.Add(1)))
		case s.State == StateSynced && wasSyncing:
			metrics.SetDevicesSyncing(int(t.syncing.Add(-1)))
		}

		t.notify(watchers, notification)
	}

	t.logger.Info("Restored device snapshots", zap.Int("count", len(snapshots)))
}

// Forget stops tracking a device and deletes its snapshot. Watched devices
// cannot be forgotten.
func (t *Tracker) Forget(key Key) error {
	t.mutex.Lock()
	d, ok := t.devices[key]
	if !ok {
		t.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, key)
	}

	d.mutex.Lock()
	if len(d.watchers) > 0 {
		d.mutex.Unlock()
		t.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceWatched, key)
	}
	delete(t.devices, key)
	d.forgotten = true

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	listener := d.listener
	d.listener = nil
	wasSyncing := d.machine.State() == StateSyncing
	d.mutex.Unlock()
	t.mutex.Unlock()

	if wasSyncing {
		metrics.SetDevicesSyncing(int(t.syncing.Add(-1)))
	}
	releaseListeners(listener)
	if t.snapshots != nil {
		t.snapshots.DeleteSnapshot(key)
	}

	t.logger.Info("Device forgotten", zap.String("device", key.String()))
	return nil
}

// Close stops every timer and releases the status listeners of unwatched
// devices. Watches stay valid until their owners release them.
func (t *Tracker) Close() {
	t.mutex.Lock()
	t.closed.Store(true)
	devices := make([]*device, 0, len(t.devices))
	for _, d := range t.devices {
		devices = append(devices, d)
	}
	t.mutex.Unlock()

	for _, d := range devices {
		d.mutex.Lock()
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		idle := t.takeIdleListener(d)
		d.mutex.Unlock()

		releaseListeners(idle)
	}
}

func (t *Tracker) device(key Key) (*device, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed.Load() {
		return nil, ErrTrackerClosed
	}

	if d, ok := t.devices[key]; ok {
		return d, nil
	}

	// Devices nobody has commanded yet are considered in sync
	d := &device{
		key:       key,
		machine:   newStateMachine(key.Kind, StateSynced),
		updatedAt: time.Now(),
		watchers:  make(map[uint64]Handler),
	}
	t.devices[key] = d
	return d, nil
}

func (t *Tracker) lookup(key Key) *device {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.devices[key]
}

func (t *Tracker) connect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, t.connectWait)
	defer cancel()

	// Listeners registered before the broker answers are resubscribed on connect
	if err := t.publisher.EnsureConnected(ctx); err != nil {
		t.logger.Debug("Broker not connected yet", zap.Error(err))
	}
}

// lockListening returns with d.mutex held and the device's status listener
// installed. A listener added here but not needed is returned for the caller
// to release once the lock is dropped.
func (t *Tracker) lockListening(d *device) (*topics.Listener, error) {
	var spare *topics.Listener
	for {
		d.mutex.Lock()
		if d.forgotten {
			d.mutex.Unlock()
			releaseListeners(spare)
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, d.key)
		}
		if d.listener == nil && spare != nil {
			d.listener, spare = spare, nil
		}
		if d.listener != nil {
			return spare, nil
		}
		d.mutex.Unlock()

		// Subscribing can wait on the broker, so it happens unlocked
		listener, err := t.listen(d.key)
		if err != nil {
			return nil, fmt.Errorf("listen for %s: %w", d.key, err)
		}
		spare = listener
	}
}

// takeIdleListener detaches the status listener once the device is neither
// syncing nor watched. Must be called with d.mutex held; the caller releases
// the result after unlocking.
func (t *Tracker) takeIdleListener(d *device) *topics.Listener {
	if d.listener == nil || len(d.watchers) > 0 {
		return nil
	}
	if d.machine.State() == StateSyncing && !t.closed.Load() {
		return nil
	}

	listener := d.listener
	d.listener = nil
	return listener
}

func (t *Tracker) listen(key Key) (*topics.Listener, error) {
	return t.listeners.AddListener(t.topics.Status(key.Kind, key.ID), t.statusHandler(key))
}

// statusHandler feeds messages on key's status topic to OnAck. Anything that
// does not parse as that topic is dropped.
func (t *Tracker) statusHandler(key Key) topics.Callback {
	return func(event mqtt.Event) {
		kind, id, ok := t.topics.ParseStatus(event.Topic)
		if !ok || kind != key.Kind || id != key.ID {
			metrics.RecordAckIgnored(key.Kind, "foreign_topic")
			t.logger.Debug("Ignoring message on unexpected topic",
				zap.String("device", key.String()),
				zap.String("topic", event.Topic),
			)
			return
		}
		t.OnAck(key, event.Payload)
	}
}

func releaseListeners(listeners ...*topics.Listener) {
	for _, l := range listeners {
		if l != nil {
			_ = l.Release()
		}
	}
}

// armTimer must be called with d.mutex held.
func (t *Tracker) armTimer(d *device, generation uint64) {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if t.ackTimeout <= 0 {
		return
	}

	d.timer = time.AfterFunc(t.ackTimeout, func() {
		t.onAckTimeout(d, generation)
	})
}

func (t *Tracker) onAckTimeout(d *device, generation uint64) {
	d.mutex.Lock()
	if d.generation != generation || d.machine.State() != StateSyncing {
		d.mutex.Unlock()
		return
	}
	d.timer = nil
	notification := d.notification(ReasonTimeout)
	watchers := d.watcherList()
	d.mutex.Unlock()

	metrics.RecordAckTimeout(d.key.Kind)
	t.logger.Warn("Command not acknowledged",
		zap.String("device", d.key.String()),
		zap.Uint64("generation", generation),
		zap.Duration("timeout", t.ackTimeout),
	)
	t.notify(watchers, notification)
}

func (t *Tracker) save(snapshot Snapshot) {
	if t.snapshots != nil {
		t.snapshots.SaveSnapshot(snapshot)
	}
}

func (t *Tracker) notify(watchers []Handler, n Notification) {
	for _, fn := range watchers {
		t.deliver(fn, n)
	}
}

func (t *Tracker) deliver(fn Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Notification handler panic recovered",
				zap.String("device", n.Key.String()),
				zap.Any("panic", r),
			)
		}
	}()
	fn(n)
}

func (t *Tracker) removeWatcher(d *device, id uint64) *topics.Listener {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	delete(d.watchers, id)
	return t.takeIdleListener(d)
}

// The helpers below must be called with d.mutex held.

func (d *device) notification(reason Reason) Notification {
	return Notification{
		Key:        d.key,
		State:      d.machine.State(),
		Generation: d.generation,
		Reason:     reason,
		Timestamp:  time.Now(),
	}
}

func (d *device) watcherList() []Handler {
	ids := make([]uint64, 0, len(d.watchers))
	for id := range d.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, d.watchers[id])
	}
	return handlers
}

func (d *device) snapshot() Snapshot {
	return Snapshot{
		Key:         d.key,
		State:       d.machine.State(),
		Generation:  d.generation,
		LastCommand: d.lastCommand,
		Watchers:    len(d.watchers),
		UpdatedAt:   d.updatedAt,
	}
}

// Watch is the handle returned by Tracker.Watch.
type Watch struct {
	tracker  *Tracker
	device   *device
	id       uint64
	released atomic.Bool
}

func (w *Watch) Key() Key {
	return w.device.key
}

// Release removes the watcher. The last watcher of a device that is not
// syncing also drops the status listener. Later calls return ErrWatchReleased.
func (w *Watch) Release() error {
	if !w.released.CompareAndSwap(false, true) {
		return ErrWatchReleased
	}

	listener := w.tracker.removeWatcher(w.device, w.id)
	if listener == nil {
		return nil
	}
	if err := listener.Release(); err != nil {
		return fmt.Errorf("release listener for %s: %w", w.device.key, err)
	}
	return nil
}
