package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQTT metrics
	MQTTMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_sync_mqtt_messages_published_total",
			Help: "Total number of MQTT messages handed to the broker connection",
		},
		[]string{"qos"},
	)

	MQTTPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_sync_mqtt_publish_errors_total",
			Help: "Total number of MQTT publishes that failed after hand-off",
		},
		[]string{"qos"},
	)

	MQTTPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "device_sync_mqtt_publish_duration_seconds",
			Help:    "Time until the broker connection completed a publish token",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"qos"},
	)

	MQTTMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_sync_mqtt_messages_received_total",
			Help: "Total number of inbound MQTT messages",
		},
		[]string{"delivered"}, // true when at least one listener received it
	)

	MQTTConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "device_sync_mqtt_connection_state",
			Help: "MQTT connection state (1=connected, 0=disconnected)",
		},
		[]string{"broker"},
	)

	MQTTSubscriptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_sync_mqtt_subscription_ops_total",
			Help: "Physical subscribe/unsubscribe requests issued to the broker",
		},
		[]string{"op", "result"},
	)

	// Multiplexer metrics
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "device_sync_active_subscriptions",
			Help: "Topics currently subscribed on the shared connection",
		},
	)

	ActiveListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "device_sync_active_listeners",
			Help: "Listeners currently registered with the multiplexer",
		},
	)

	ListenerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "device_sync_listener_panics_total",
			Help: "Listener callbacks that panicked during dispatch",
		},
	)

	// Sync state metrics
	SyncTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_sync_transitions_total",
			Help: "Sync state transitions per device kind",
		},
		[]string{"device_kind", "state"},
	)

	AcksIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_sync_acks_ignored_total",
			Help: "Status messages that did not change sync state",
		},
		[]string{"device_kind", "reason"},
	)

	AckTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_sync_ack_timeouts_total",
			Help: "Commands that were not acknowledged within the configured timeout",
		},
		[]string{"device_kind"},
	)

	DevicesSyncing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "device_sync_devices_syncing",
			Help: "Tracked devices waiting for an acknowledgement",
		},
	)

	// Database metrics
	DatabaseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_sync_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "mode"}, // mode: read, write
	)

	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "device_sync_database_query_duration_seconds",
			Help:    "Time taken for database queries",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
		},
		[]string{"operation", "mode"},
	)

	DatabaseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_sync_database_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"operation"},
	)

	SnapshotsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "device_sync_snapshots_dropped_total",
			Help: "Snapshots dropped because the writer queue was full",
		},
	)
)

// RecordMQTTPublish records a completed publish
func RecordMQTTPublish(qos byte, duration float64) {
	label := strconv.Itoa(int(qos))
	MQTTMessagesPublished.WithLabelValues(label).Inc()
	MQTTPublishDuration.WithLabelValues(label).Observe(duration)
}

// RecordMQTTPublishError records a failed publish
func RecordMQTTPublishError(qos byte) {
	MQTTPublishErrors.WithLabelValues(strconv.Itoa(int(qos))).Inc()
}

// RecordMQTTReceive records an inbound message
func RecordMQTTReceive(delivered bool) {
	label := "false"
	if delivered {
		label = "true"
	}
	MQTTMessagesReceived.WithLabelValues(label).Inc()
}

// SetMQTTConnectionState sets the MQTT connection state
func SetMQTTConnectionState(broker string, connected bool) {
	state := 0.0
	if connected {
		state = 1.0
	}
	MQTTConnectionState.WithLabelValues(broker).Set(state)
}

// RecordSubscriptionOp records a physical subscribe or unsubscribe
func RecordSubscriptionOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	MQTTSubscriptionOps.WithLabelValues(op, result).Inc()
}

// SetActiveSubscriptions sets the number of physically subscribed topics
func SetActiveSubscriptions(count int) {
	ActiveSubscriptions.Set(float64(count))
}

// SetActiveListeners sets the number of registered listeners
func SetActiveListeners(count int) {
	ActiveListeners.Set(float64(count))
}

// RecordListenerPanic records a recovered listener panic
func RecordListenerPanic() {
	ListenerPanics.Inc()
}

// RecordSyncTransition records a sync state change
func RecordSyncTransition(kind, state string) {
	SyncTransitions.WithLabelValues(kind, state).Inc()
}

// RecordAckIgnored records a status message that left the state unchanged
func RecordAckIgnored(kind, reason string) {
	AcksIgnored.WithLabelValues(kind, reason).Inc()
}

// RecordAckTimeout records an unacknowledged command
func RecordAckTimeout(kind string) {
	AckTimeouts.WithLabelValues(kind).Inc()
}

// SetDevicesSyncing sets the number of devices waiting for an ack
func SetDevicesSyncing(count int) {
	DevicesSyncing.Set(float64(count))
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(operation, mode string, duration float64) {
	DatabaseQueries.WithLabelValues(operation, mode).Inc()
	DatabaseQueryDuration.WithLabelValues(operation, mode).Observe(duration)
}

// RecordDatabaseError records a database error
func RecordDatabaseError(operation string) {
	DatabaseErrors.WithLabelValues(operation).Inc()
}

// RecordSnapshotDropped records a snapshot that could not be queued
func RecordSnapshotDropped() {
	SnapshotsDropped.Inc()
}
