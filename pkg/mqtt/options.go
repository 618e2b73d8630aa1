package mqtt

import (
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// defaultPublishTimeout bounds the background wait on a publish token.
	defaultPublishTimeout = 5 * time.Second

	// defaultSubscribeTimeout bounds the wait for SUBACK/UNSUBACK.
	defaultSubscribeTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending work on disconnect (ms).
	defaultDisconnectQuiesce = 250

	defaultPingTimeout = 10 * time.Second

	defaultConnectRetryInterval = 5 * time.Second

	maxReconnectInterval = 5 * time.Minute

	// maxPayloadSize matches typical broker limits (1MB).
	maxPayloadSize = 1 << 20
)

// buildClientOptions maps the MQTT section of the configuration onto paho options.
//
// Reconnection is delegated to paho: ConnectRetry keeps the first connect alive
// until the broker answers, AutoReconnect restores dropped connections.
// Message callbacks run unordered so a listener may subscribe or unsubscribe
// from inside its own callback without stalling the delivery goroutine.
func (c *Client) buildClientOptions() *pahomqtt.ClientOptions {
	cfg := c.config

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetPingTimeout(defaultPingTimeout)
	opts.SetConnectTimeout(cfg.ConnectTimeout)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultConnectRetryInterval)
	opts.SetMaxReconnectInterval(maxReconnectInterval)

	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)
	opts.SetDefaultPublishHandler(c.onMessage)

	return opts
}

