package topics

import (
	"errors"
	"sync/atomic"

	"github.com/denwilliams/go-device-sync/pkg/mqtt"
)

var (
	ErrListenerReleased = errors.New("listener already released")
	ErrInvalidTopic     = errors.New("invalid topic")
	ErrNilCallback      = errors.New("listener callback is nil")
)

// Transport is the part of the broker connection the multiplexer drives.
type Transport interface {
	SubscribeRaw(topic string) error
	UnsubscribeRaw(topic string) error
}

// Callback receives one inbound message. It runs on the transport's delivery
// goroutine and must return quickly.
type Callback func(event mqtt.Event)

// Listener is the handle returned by AddListener.
//
// Once Release returns, no dispatch that starts afterwards calls the
// listener's callback. A dispatch already running may still call it once,
// concurrently with or shortly after Release; callbacks that must not run
// after their owner is gone need their own guard.
type Listener struct {
	topic string
	seq   uint64
	cb    Callback
	live  atomic.Bool
	mux   *Multiplexer
}

func (l *Listener) Topic() string {
	return l.topic
}

// Live reports whether the listener can still receive messages.
func (l *Listener) Live() bool {
	return l.live.Load()
}

// Release detaches the listener. Only the first call has an effect.
func (l *Listener) Release() error {
	return l.mux.RemoveListener(l)
}

// SubscriptionInfo describes one topic held on the shared connection.
type SubscriptionInfo struct {
	Topic     string `json:"topic"`
	Listeners int    `json:"listeners"`
	Wildcard  bool   `json:"wildcard"`
}
