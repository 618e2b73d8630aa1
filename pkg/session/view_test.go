package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denwilliams/go-device-sync/pkg/command"
	"github.com/denwilliams/go-device-sync/pkg/devicesync"
	"github.com/denwilliams/go-device-sync/pkg/mqtt"
	"github.com/denwilliams/go-device-sync/pkg/strategy"
	"github.com/denwilliams/go-device-sync/pkg/topics"
)

type countingHandle struct {
	releases atomic.Int32
	err      error
}

func (h *countingHandle) Release() error {
	h.releases.Add(1)
	return h.err
}

type nopPublisher struct{}

func (nopPublisher) EnsureConnected(context.Context) error { return nil }
func (nopPublisher) Publish(string, []byte) error          { return nil }

type nopTransport struct{}

func (nopTransport) SubscribeRaw(string) error   { return nil }
func (nopTransport) UnsubscribeRaw(string) error { return nil }

func newTracker() (*devicesync.Tracker, *topics.Multiplexer) {
	mux := topics.NewMultiplexer(nopTransport{}, nil)
	tracker := devicesync.NewTracker(devicesync.Options{
		Publisher: nopPublisher{},
		Listeners: mux,
		Topics:    topics.NewTopicBuilder(""),
		Matcher:   strategy.NewEngine(nil, nil),
	})
	return tracker, mux
}

func TestViewHasUniqueID(t *testing.T) {
	a := NewView(nil, nil)
	b := NewView(nil, nil)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestCloseReleasesEachHandleOnce(t *testing.T) {
	view := NewView(nil, nil)
	handles := []*countingHandle{{}, {}, {}}
	for _, h := range handles {
		require.NoError(t, view.Track(h))
	}
	assert.Equal(t, 3, view.Len())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = view.Close()
		}()
	}
	wg.Wait()
	require.NoError(t, view.Close())

	for i, h := range handles {
		assert.Equal(t, int32(1), h.releases.Load(), "handle %d", i)
	}
	assert.Equal(t, 0, view.Len())
}

func TestCloseReportsReleaseErrors(t *testing.T) {
	view := NewView(nil, nil)
	failing := &countingHandle{err: errors.New("already gone")}
	ok := &countingHandle{}
	require.NoError(t, view.Track(failing))
	require.NoError(t, view.Track(ok))

	err := view.Close()
	assert.Error(t, err)
	assert.Equal(t, int32(1), ok.releases.Load(), "one failure does not stop the rest")
}

func TestClosedViewRejectsHandles(t *testing.T) {
	tracker, mux := newTracker()
	view := NewView(tracker, nil)
	require.NoError(t, view.Close())

	assert.ErrorIs(t, view.Track(&countingHandle{}), ErrViewClosed)

	key := devicesync.Key{Kind: "wind", ID: "D1"}
	err := view.Watch(context.Background(), key, func(devicesync.Notification) {})
	assert.ErrorIs(t, err, ErrViewClosed)
	assert.Equal(t, 0, mux.RefCount("device/scmd/wind/D1"))
}

func TestRemountDoesNotDuplicateDelivery(t *testing.T) {
	tracker, mux := newTracker()
	defer tracker.Close()
	key := devicesync.Key{Kind: "wind", ID: "D1"}

	var first, second atomic.Int32
	old := NewView(tracker, nil)
	require.NoError(t, old.Watch(context.Background(), key, func(devicesync.Notification) { first.Add(1) }))

	// The replacement view mounts before the old one is torn down
	replacement := NewView(tracker, nil)
	require.NoError(t, replacement.Watch(context.Background(), key, func(devicesync.Notification) { second.Add(1) }))
	assert.Equal(t, 1, mux.RefCount("device/scmd/wind/D1"), "both views share the device's status listener")

	require.NoError(t, old.Close())
	assert.Equal(t, 1, mux.RefCount("device/scmd/wind/D1"))

	_, err := tracker.PublishCommand(context.Background(), key, command.NewRequest(command.String("NAME", "North Bridge")))
	require.NoError(t, err)
	mux.HandleMQTTMessage(mqtt.Event{Topic: "device/scmd/wind/D1", Payload: []byte("true"), Timestamp: time.Now()})

	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(2), second.Load())

	require.NoError(t, replacement.Close())
	assert.Equal(t, 0, mux.RefCount("device/scmd/wind/D1"))
}
