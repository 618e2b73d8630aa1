// Package session scopes device watches to the lifetime of one dashboard
// view, so every exit path releases what the view acquired.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denwilliams/go-device-sync/pkg/devicesync"
)

var ErrViewClosed = errors.New("view closed")

// Handle is anything a view has to release on teardown.
type Handle interface {
	Release() error
}

// Watcher hands out device watches.
type Watcher interface {
	Watch(ctx context.Context, key devicesync.Key, fn devicesync.Handler) (*devicesync.Watch, error)
}

// View collects the handles acquired on behalf of one client.
type View struct {
	id      string
	watcher Watcher
	logger  *zap.Logger

	mutex   sync.Mutex
	handles []Handle
	closed  bool
}

func NewView(watcher Watcher, logger *zap.Logger) *View {
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	return &View{
		id:      id,
		watcher: watcher,
		logger:  logger.Named("session").With(zap.String("view_id", id)),
	}
}

func (v *View) ID() string {
	return v.id
}

// Watch starts watching key and ties the watch to the view.
func (v *View) Watch(ctx context.Context, key devicesync.Key, fn devicesync.Handler) error {
	if v.isClosed() {
		return ErrViewClosed
	}

	watch, err := v.watcher.Watch(ctx, key, fn)
	if err != nil {
		return err
	}

	if err := v.Track(watch); err != nil {
		_ = watch.Release()
		return err
	}

	v.logger.Debug("Watching device", zap.String("device", key.String()))
	return nil
}

// Track ties an already acquired handle to the view. A closed view rejects it
// and the caller keeps ownership.
func (v *View) Track(h Handle) error {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	if v.closed {
		return ErrViewClosed
	}
	v.handles = append(v.handles, h)
	return nil
}

// Len returns the number of handles the view holds.
func (v *View) Len() int {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return len(v.handles)
}

// Close releases every handle exactly once. It is safe to call repeatedly and
// concurrently; only the first call does any work.
func (v *View) Close() error {
	v.mutex.Lock()
	if v.closed {
		v.mutex.Unlock()
		return nil
	}
	v.closed = true
	handles := v.handles
	v.handles = nil
	v.mutex.Unlock()

	var errs []error
	for i := len(handles) - 1; i >= 0; i-- {
		if err := handles[i].Release(); err != nil {
			errs = append(errs, err)
		}
	}

	v.logger.Debug("View closed", zap.Int("released", len(handles)))
	if len(errs) > 0 {
		return fmt.Errorf("close view %s: %w", v.id, errors.Join(errs...))
	}
	return nil
}

func (v *View) isClosed() bool {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.closed
}
