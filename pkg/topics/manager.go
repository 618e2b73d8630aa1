// Package topics multiplexes many logical listeners onto the single broker
// connection and derives the per-device topic names.
package topics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/denwilliams/go-device-sync/pkg/metrics"
	"github.com/denwilliams/go-device-sync/pkg/mqtt"
)

// subscription is the per-topic entry. mutex serialises the physical
// subscribe/unsubscribe for the topic, listenerMutex guards the listener slice
// so dispatch never waits on a broker round trip.
type subscription struct {
	topic    string
	wildcard bool

	mutex sync.Mutex
	refs  atomic.Int64

	listenerMutex sync.RWMutex
	listeners     []*Listener

	// users counts goroutines currently inside mutex; guarded by Multiplexer.mutex.
	users int
}

// Multiplexer reference-counts topic subscriptions on a shared Transport and
// fans inbound messages out to the registered listeners.
type Multiplexer struct {
	transport Transport
	logger    *zap.Logger

	subscriptions map[string]*subscription
	mutex         sync.RWMutex

	nextSeq   atomic.Uint64
	listeners atomic.Int64
}

func NewMultiplexer(transport Transport, logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Multiplexer{
		transport:     transport,
		logger:        logger.Named("topics"),
		subscriptions: make(map[string]*subscription),
	}
}

// AddListener registers cb for topic, which may contain MQTT wildcards.
//
// The first listener for a topic subscribes it on the transport. A failed
// physical subscribe is logged and the listener stays registered; Resubscribe
// retries it on the next connect.
func (m *Multiplexer) AddListener(topic string, cb Callback) (*Listener, error) {
	if topic == "" || strings.ContainsRune(topic, 0) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if cb == nil {
		return nil, ErrNilCallback
	}

	sub := m.acquire(topic)
	defer m.release(sub)

	listener := &Listener{
		topic: topic,
		seq:   m.nextSeq.Add(1),
		cb:    cb,
		mux:   m,
	}
	listener.live.Store(true)

	sub.mutex.Lock()
	if sub.refs.Add(1) == 1 {
		m.subscribe(topic)
	}
	sub.listenerMutex.Lock()
	sub.listeners = append(sub.listeners, listener)
	sub.listenerMutex.Unlock()
	sub.mutex.Unlock()

	metrics.SetActiveListeners(int(m.listeners.Add(1)))
	m.logger.Debug("Listener added", zap.String("topic", topic), zap.Int64("refs", sub.refs.Load()))
	return listener, nil
}

// RemoveListener detaches l. The listener is flagged dead before anything
// else so a dispatch that has not reached it yet skips it. The last listener of a
// topic unsubscribes it on the transport.
func (m *Multiplexer) RemoveListener(l *Listener) error {
	if l == nil || l.mux != m {
		return ErrListenerReleased
	}
	if !l.live.CompareAndSwap(true, false) {
		return ErrListenerReleased
	}

	sub := m.acquire(l.topic)
	defer m.release(sub)

	sub.mutex.Lock()
	sub.listenerMutex.Lock()
	for i, candidate := range sub.listeners {
		if candidate == l {
			sub.listeners = append(sub.listeners[:i], sub.listeners[i+1:]...)
			break
		}
	}
	sub.listenerMutex.Unlock()

	if sub.refs.Add(-1) == 0 {
		m.unsubscribe(l.topic)
	}
	sub.mutex.Unlock()

	metrics.SetActiveListeners(int(m.listeners.Add(-1)))
	m.logger.Debug("Listener removed", zap.String("topic", l.topic))
	return nil
}

// HandleMQTTMessage dispatches one inbound message to every live listener
// whose topic or pattern matches, in registration order.
func (m *Multiplexer) HandleMQTTMessage(event mqtt.Event) {
	targets := m.matchingListeners(event.Topic)

	delivered := false
	for _, listener := range targets {
		// Released after the snapshot was taken
		if !listener.Live() {
			continue
		}
		m.invoke(listener, event)
		delivered = true
	}

	metrics.RecordMQTTReceive(delivered)
	if !delivered {
		m.logger.Debug("Dropping message without listeners", zap.String("topic", event.Topic))
	}
}

func (m *Multiplexer) matchingListeners(topic string) []*Listener {
	m.mutex.RLock()
	matched := make([]*subscription, 0, 1)
	if sub, ok := m.subscriptions[topic]; ok {
		matched = append(matched, sub)
	}
	for pattern, sub := range m.subscriptions {
		if sub.wildcard && pattern != topic && mqtt.TopicMatches(pattern, topic) {
			matched = append(matched, sub)
		}
	}
	m.mutex.RUnlock()

	var targets []*Listener
	for _, sub := range matched {
		sub.listenerMutex.RLock()
		targets = append(targets, sub.listeners...)
		sub.listenerMutex.RUnlock()
	}

	if len(matched) > 1 {
		sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })
	}
	return targets
}

func (m *Multiplexer) invoke(listener *Listener, event mqtt.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordListenerPanic()
			m.logger.Error("Listener panic recovered",
				zap.String("topic", event.Topic),
				zap.String("listener_topic", listener.topic),
				zap.Any("panic", r),
			)
		}
	}()

	listener.cb(event)
}

// Resubscribe re-issues the physical subscribe of every topic that still has
// listeners. Clean sessions lose their subscriptions on reconnect.
func (m *Multiplexer) Resubscribe() {
	m.mutex.RLock()
	topics := make([]string, 0, len(m.subscriptions))
	for topic := range m.subscriptions {
		topics = append(topics, topic)
	}
	m.mutex.RUnlock()
	sort.Strings(topics)

	restored := 0
	for _, topic := range topics {
		sub := m.acquire(topic)
		sub.mutex.Lock()
		if sub.refs.Load() > 0 {
			m.subscribe(topic)
			restored++
		}
		sub.mutex.Unlock()
		m.release(sub)
	}

	m.logger.Info("Resubscribed topics", zap.Int("count", restored))
}

// Subscriptions returns a snapshot of the topics held on the connection.
func (m *Multiplexer) Subscriptions() []SubscriptionInfo {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]SubscriptionInfo, 0, len(m.subscriptions))
	for topic, sub := range m.subscriptions {
		refs := sub.refs.Load()
		if refs == 0 {
			continue
		}
		result = append(result, SubscriptionInfo{
			Topic:     topic,
			Listeners: int(refs),
			Wildcard:  sub.wildcard,
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

// RefCount returns the number of listeners registered for topic.
func (m *Multiplexer) RefCount(topic string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if sub, ok := m.subscriptions[topic]; ok {
		return int(sub.refs.Load())
	}
	return 0
}

func (m *Multiplexer) subscribe(topic string) {
	err := m.transport.SubscribeRaw(topic)
	metrics.RecordSubscriptionOp("subscribe", err)
	if err != nil {
		m.logger.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(err))
	}
}

func (m *Multiplexer) unsubscribe(topic string) {
	err := m.transport.UnsubscribeRaw(topic)
	metrics.RecordSubscriptionOp("unsubscribe", err)
	if err != nil {
		m.logger.Error("Failed to unsubscribe", zap.String("topic", topic), zap.Error(err))
	}
}

// acquire returns the entry for topic, creating it if needed, and pins it so
// it is not discarded while the caller works on it.
func (m *Multiplexer) acquire(topic string) *subscription {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	sub, ok := m.subscriptions[topic]
	if !ok {
		sub = &subscription{topic: topic, wildcard: mqtt.IsWildcard(topic)}
		m.subscriptions[topic] = sub
	}
	sub.users++
	return sub
}

// release unpins the entry and discards it once nobody holds it and no
// listener remains.
func (m *Multiplexer) release(sub *subscription) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	sub.users--
	if sub.users == 0 && sub.refs.Load() == 0 {
		delete(m.subscriptions, sub.topic)
	}
	metrics.SetActiveSubscriptions(m.activeCountLocked())
}

func (m *Multiplexer) activeCountLocked() int {
	count := 0
	for _, sub := range m.subscriptions {
		if sub.refs.Load() > 0 {
			count++
		}
	}
	return count
}
