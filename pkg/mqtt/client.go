// Package mqtt owns the single broker connection shared by the whole service.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/denwilliams/go-device-sync/pkg/config"
	"github.com/denwilliams/go-device-sync/pkg/metrics"
)

// Client is the process-wide broker connection.
//
// It is constructed once at startup and passed to every consumer. The physical
// connection is created lazily by the first EnsureConnected call and lives until
// Close; paho's auto-reconnect keeps it alive in between.
type Client struct {
	config config.MQTTConfig
	logger *zap.Logger

	initOnce     sync.Once
	client       pahomqtt.Client
	connectToken pahomqtt.Token

	state      ConnectionState
	stateMutex sync.RWMutex

	topicManager TopicManager
	onConnected  func()
	hookMutex    sync.RWMutex
}

// TopicManager receives every inbound message.
type TopicManager interface {
	HandleMQTTMessage(event Event)
}

func NewClient(cfg config.MQTTConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config: cfg,
		logger: logger.Named("mqtt"),
		state:  ConnectionStateDisconnected,
	}
}

func (c *Client) SetTopicManager(manager TopicManager) {
	c.hookMutex.Lock()
	c.topicManager = manager
	c.hookMutex.Unlock()
}

// SetOnConnect registers a hook run after every successful (re)connect.
func (c *Client) SetOnConnect(fn func()) {
	c.hookMutex.Lock()
	c.onConnected = fn
	c.hookMutex.Unlock()
}

// EnsureConnected starts the connection on first use and waits for it.
//
// Concurrent and repeated calls share the same connection attempt; once the
// broker has accepted the connection every later call returns nil at once.
// The context only bounds the caller's wait, the attempt keeps retrying.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.initOnce.Do(c.start)

	token := c.getConnectToken()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			c.setState(ConnectionStateError)
			c.logger.Error("MQTT connection failed", zap.String("broker", c.config.Broker), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) start() {
	c.setState(ConnectionStateConnecting)
	c.logger.Info("Connecting to MQTT broker",
		zap.String("broker", c.config.Broker),
		zap.String("client_id", c.config.ClientID),
		zap.Duration("keep_alive", c.config.KeepAlive),
	)

	client := pahomqtt.NewClient(c.buildClientOptions())

	c.stateMutex.Lock()
	c.client = client
	c.stateMutex.Unlock()

	token := client.Connect()

	c.stateMutex.Lock()
	c.connectToken = token
	c.stateMutex.Unlock()
}

// Close disconnects from the broker. Only used at process shutdown.
func (c *Client) Close() {
	client := c.pahoClient()
	if client == nil {
		return
	}

	c.logger.Info("Disconnecting from MQTT broker")
	client.Disconnect(defaultDisconnectQuiesce)

	c.setState(ConnectionStateDisconnected)
	metrics.SetMQTTConnectionState(c.config.Broker, false)
}

// Publish hands a message to the connection and returns without waiting for
// delivery. Delivery failures are logged and counted, never returned.
func (c *Client) Publish(topic string, payload []byte) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}

	client := c.pahoClient()
	if client == nil {
		return ErrNotInitialized
	}

	qos := c.config.QoS
	startTime := time.Now()
	token := client.Publish(topic, qos, false, payload)

	go c.awaitPublish(token, topic, qos, startTime)
	return nil
}

func (c *Client) awaitPublish(token pahomqtt.Token, topic string, qos byte, startTime time.Time) {
	if !token.WaitTimeout(defaultPublishTimeout) {
		metrics.RecordMQTTPublishError(qos)
		c.logger.Warn("MQTT publish not confirmed", zap.String("topic", topic), zap.Duration("timeout", defaultPublishTimeout))
		return
	}
	if err := token.Error(); err != nil {
		metrics.RecordMQTTPublishError(qos)
		c.logger.Error("MQTT publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}

	metrics.RecordMQTTPublish(qos, time.Since(startTime).Seconds())
	c.logger.Debug("Published", zap.String("topic", topic))
}

// SubscribeRaw issues a physical subscribe for topic.
func (c *Client) SubscribeRaw(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	client := c.pahoClient()
	if client == nil {
		return ErrNotInitialized
	}

	// No per-topic callback: overlapping subscriptions would each route the
	// message again. Everything arrives through the default publish handler.
	token := client.Subscribe(topic, c.config.QoS, nil)
	if !token.WaitTimeout(defaultSubscribeTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrSubscribeFailed, topic, defaultSubscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}

	c.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return nil
}

// UnsubscribeRaw issues a physical unsubscribe for topic.
func (c *Client) UnsubscribeRaw(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	client := c.pahoClient()
	if client == nil {
		return ErrNotInitialized
	}

	token := client.Unsubscribe(topic)
	if !token.WaitTimeout(defaultSubscribeTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrUnsubscribeFailed, topic, defaultSubscribeTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, topic, err)
	}

	c.logger.Debug("Unsubscribed from topic", zap.String("topic", topic))
	return nil
}

func (c *Client) IsConnected() bool {
	return c.State() == ConnectionStateConnected
}

func (c *Client) State() ConnectionState {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

func (c *Client) setState(state ConnectionState) {
	c.stateMutex.Lock()
	c.state = state
	c.stateMutex.Unlock()
}

func (c *Client) pahoClient() pahomqtt.Client {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.client
}

func (c *Client) getConnectToken() pahomqtt.Token {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.connectToken
}

func (c *Client) onConnect(_ pahomqtt.Client) {
	c.setState(ConnectionStateConnected)
	metrics.SetMQTTConnectionState(c.config.Broker, true)
	c.logger.Info("MQTT connected", zap.String("broker", c.config.Broker))

	c.hookMutex.RLock()
	hook := c.onConnected
	c.hookMutex.RUnlock()

	if hook != nil {
		hook()
	}
}

func (c *Client) onConnectionLost(_ pahomqtt.Client, err error) {
	c.setState(ConnectionStateError)
	metrics.SetMQTTConnectionState(c.config.Broker, false)
	c.logger.Error("MQTT connection lost", zap.String("broker", c.config.Broker), zap.Error(err))
}

func (c *Client) onReconnecting(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
	c.setState(ConnectionStateConnecting)
	c.logger.Info("Reconnecting to MQTT broker", zap.String("broker", c.config.Broker))
}

func (c *Client) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	event := Event{
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		Timestamp: time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("MQTT message handler panic recovered",
				zap.String("topic", event.Topic),
				zap.Any("panic", r),
			)
		}
	}()

	c.hookMutex.RLock()
	manager := c.topicManager
	c.hookMutex.RUnlock()

	if manager == nil {
		c.logger.Debug("Dropping message, no topic manager", zap.String("topic", event.Topic))
		return
	}

	manager.HandleMQTTMessage(event)
}

// TopicMatches checks if a topic matches a pattern with MQTT wildcards
// Supports:
// + (single-level wildcard): matches exactly one level
// # (multi-level wildcard): matches zero or more levels (only at end)
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	return matchSegments(strings.Split(pattern, "/"), strings.Split(topic, "/"))
}

// IsWildcard reports whether pattern contains an MQTT wildcard.
func IsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "+#")
}

func matchSegments(patternSegments, topicSegments []string) bool {
	patternLen := len(patternSegments)
	topicLen := len(topicSegments)

	if patternLen == 0 || topicLen == 0 {
		return patternLen == 0 && topicLen == 0
	}

	// Handle multi-level wildcard (#) - must be last segment
	if patternSegments[patternLen-1] == "#" {
		if patternLen == 1 {
			return true
		}
		// "a/#" also matches the parent level "a"
		if topicLen < patternLen-1 {
			return false
		}
		for i := 0; i < patternLen-1; i++ {
			if patternSegments[i] != "+" && patternSegments[i] != topicSegments[i] {
				return false
			}
		}
		return true
	}

	if patternLen != topicLen {
		return false
	}

	for i := 0; i < patternLen; i++ {
		if patternSegments[i] != "+" && patternSegments[i] != topicSegments[i] {
			return false
		}
	}

	return true
}
