package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denwilliams/go-device-sync/pkg/config"
	"github.com/denwilliams/go-device-sync/pkg/devicesync"
	"github.com/denwilliams/go-device-sync/pkg/mqtt"
	"github.com/denwilliams/go-device-sync/pkg/strategy"
	"github.com/denwilliams/go-device-sync/pkg/topics"
)

const windStatusTopic = "device/scmd/wind/D1"

// Mock publisher for testing
type mockPublisher struct {
	mutex      sync.Mutex
	payloads   []string
	publishErr error
}

func (m *mockPublisher) EnsureConnected(context.Context) error { return nil }

func (m *mockPublisher) Publish(topic string, payload []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.payloads = append(m.payloads, topic+" "+string(payload))
	return nil
}

func (m *mockPublisher) sent() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string(nil), m.payloads...)
}

type nopTransport struct{}

func (nopTransport) SubscribeRaw(string) error   { return nil }
func (nopTransport) UnsubscribeRaw(string) error { return nil }

type fakeConnection struct {
	state mqtt.ConnectionState
}

func (f fakeConnection) State() mqtt.ConnectionState { return f.state }

type fixture struct {
	publisher *mockPublisher
	mux       *topics.Multiplexer
	tracker   *devicesync.Tracker
	server    *Server
	http      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	publisher := &mockPublisher{}
	mux := topics.NewMultiplexer(nopTransport{}, nil)
	engine, err := strategy.NewEngineFromConfig(strategy.RuleSet{
		AckToken: "true",
		Scripts: map[string]string{
			"water": "function isAck(m) { return m.json !== null && m.json.ok === true; }",
		},
	}, nil)
	require.NoError(t, err)

	tracker := devicesync.NewTracker(devicesync.Options{
		Publisher: publisher,
		Listeners: mux,
		Topics:    topics.NewTopicBuilder(""),
		Matcher:   engine,
	})

	server := NewServer(&config.Config{}, Dependencies{
		Tracker:       tracker,
		Subscriptions: mux,
		AckRules:      engine,
		Connection:    fakeConnection{state: mqtt.ConnectionStateConnected},
		DatabaseType:  "sqlite",
		Version:       "test",
	}, nil)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		_ = server.Shutdown(context.Background())
		ts.Close()
		tracker.Close()
	})

	return &fixture{publisher: publisher, mux: mux, tracker: tracker, server: server, http: ts}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()

	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

const windBody = `{"location":"North Bridge","readingInterval":30,"dangerSpeed":45,"calibration":2,"dangerInterval":15}`

func TestCommandPublishesEncodedRequest(t *testing.T) {
	f := newFixture(t)

	status, env := f.do(t, http.MethodPost, "/api/devices/wind/D1/commands", windBody)
	require.Equal(t, http.StatusAccepted, status)
	require.True(t, env.Success)

	var resp CommandResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, devicesync.StateSyncing, resp.Device.State)
	assert.Equal(t, uint64(1), resp.Device.Generation)
	assert.Equal(t, "device/cmd/wind/D1", resp.Topic)

	want := "multi_set NAME -s North Bridge; interval -f 30; danger_speed -f 45; calibration -f 2; danger_interval -f 15;"
	assert.Equal(t, want, resp.Payload)
	assert.Equal(t, []string{"device/cmd/wind/D1 " + want}, f.publisher.sent())
}

func TestCommandValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown kind", "/api/devices/rail/R1/commands", windBody, http.StatusNotFound, "UNKNOWN_KIND"},
		{"bad json", "/api/devices/wind/D1/commands", "{", http.StatusBadRequest, "INVALID_JSON"},
		{"missing field", "/api/devices/wind/D1/commands", `{"location":"x"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"wrong type", "/api/devices/wind/D1/commands", strings.Replace(windBody, "30", `"thirty"`, 1), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"invalid id", "/api/devices/wind/D%2B1/commands", windBody, http.StatusBadRequest, "INVALID_DEVICE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}

	assert.Empty(t, f.publisher.sent())
	assert.Empty(t, f.tracker.Devices())
}

func TestCommandPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.publisher.publishErr = errors.New("broker gone")

	status, env := f.do(t, http.MethodPost, "/api/devices/wind/D1/commands", windBody)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "PUBLISH_FAILED", env.Error.Code)
}

func TestDeviceSyncAndList(t *testing.T) {
	f := newFixture(t)

	status, env := f.do(t, http.MethodGet, "/api/devices/wind/D1/sync", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	status, _ = f.do(t, http.MethodPost, "/api/devices/wind/D1/commands", windBody)
	require.Equal(t, http.StatusAccepted, status)

	status, env = f.do(t, http.MethodGet, "/api/devices/wind/D1/sync", "")
	require.Equal(t, http.StatusOK, status)
	var snapshot devicesync.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snapshot))
	assert.Equal(t, devicesync.StateSyncing, snapshot.State)

	f.mux.HandleMQTTMessage(mqtt.Event{Topic: windStatusTopic, Payload: []byte("true")})

	status, env = f.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, status)
	var list DeviceListResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Devices, 1)
	assert.Equal(t, devicesync.StateSynced, list.Devices[0].State)
	assert.Equal(t, DeviceCounts{Total: 1, Synced: 1}, list.Counts)
}

func TestForgetDevice(t *testing.T) {
	f := newFixture(t)

	status, env := f.do(t, http.MethodDelete, "/api/devices/wind/D1", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	f.do(t, http.MethodPost, "/api/devices/wind/D1/commands", windBody)

	status, env = f.do(t, http.MethodDelete, "/api/devices/wind/D1", "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
	assert.Empty(t, f.tracker.Devices())
	assert.Equal(t, 0, f.mux.RefCount(windStatusTopic))
}

func TestHealthAndSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/devices/wind/D1/commands", windBody)

	status, env := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, status)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "connected", health.MQTT)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "sqlite", health.DatabaseType)
	assert.Equal(t, DeviceCounts{Total: 1, Syncing: 1}, health.Devices)
	assert.Equal(t, 1, health.Subscriptions)

	status, env = f.do(t, http.MethodGet, "/api/subscriptions", "")
	require.Equal(t, http.StatusOK, status)
	var subs SubscriptionListResponse
	require.NoError(t, json.Unmarshal(env.Data, &subs))
	assert.Equal(t, []topics.SubscriptionInfo{{Topic: windStatusTopic, Listeners: 1}}, subs.Subscriptions)
}

func TestHealthDegradedWhenDisconnected(t *testing.T) {
	f := newFixture(t)
	f.server.connection = fakeConnection{state: mqtt.ConnectionStateConnecting}

	_, env := f.do(t, http.MethodGet, "/api/health", "")
	var health HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "connecting", health.MQTT)
}

func TestSchemas(t *testing.T) {
	f := newFixture(t)

	status, env := f.do(t, http.MethodGet, "/api/schemas", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"kind":"wind"`)
	assert.Contains(t, string(env.Data), `"key":"readingInterval"`)
}

func TestAckRules(t *testing.T) {
	f := newFixture(t)

	_, env := f.do(t, http.MethodGet, "/api/ack-rules", "")
	var rules AckRulesResponse
	require.NoError(t, json.Unmarshal(env.Data, &rules))
	assert.Equal(t, map[string]string{"*": "token:true", "water": "javascript"}, rules.Rules)

	tests := []struct {
		body  string
		isAck bool
	}{
		{`{"kind":"wind","payload":"true"}`, true},
		{`{"kind":"wind","payload":"false"}`, false},
		{`{"kind":"water","id":"W1","payload":"{\"ok\":true}"}`, true},
		{`{"kind":"water","id":"W1","payload":"true"}`, false},
	}
	for _, tt := range tests {
		status, env := f.do(t, http.MethodPost, "/api/ack-rules/test", tt.body)
		require.Equal(t, http.StatusOK, status, tt.body)
		var resp AckTestResponse
		require.NoError(t, json.Unmarshal(env.Data, &resp))
		assert.Equal(t, tt.isAck, resp.IsAck, tt.body)
	}

	status, env := f.do(t, http.MethodPost, "/api/ack-rules/test", `{"kind":"","payload":"true"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestAckScriptValidate(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/api/ack-rules/validate", `{"script":"function isAck(m) { return true; }"}`)
	assert.Equal(t, http.StatusOK, status)

	status, env := f.do(t, http.MethodPost, "/api/ack-rules/validate", `{"script":"function nope() {}"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_SCRIPT", env.Error.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/api/devices", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dialWatch(t *testing.T, f *fixture, kind, id string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/devices/" + kind + "/" + id + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWatchStreamsNotifications(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/devices/wind/D1/commands", windBody)

	conn := dialWatch(t, f, "wind", "D1")

	first := readFrame(t, conn)
	require.Equal(t, WatchMessageSnapshot, first.Type)
	var snapshot devicesync.Snapshot
	require.NoError(t, json.Unmarshal(first.Data, &snapshot))
	assert.Equal(t, devicesync.StateSyncing, snapshot.State)
	assert.Equal(t, 1, snapshot.Watchers)

	// One status listener serves both the pending command and the view
	assert.Equal(t, 1, f.mux.RefCount(windStatusTopic))

	f.mux.HandleMQTTMessage(mqtt.Event{Topic: windStatusTopic, Payload: []byte("true")})

	second := readFrame(t, conn)
	require.Equal(t, WatchMessageNotification, second.Type)
	var n devicesync.Notification
	require.NoError(t, json.Unmarshal(second.Data, &n))
	assert.Equal(t, devicesync.StateSynced, n.State)
	assert.Equal(t, devicesync.ReasonAcknowledged, n.Reason)
	assert.Equal(t, devicesync.Key{Kind: "wind", ID: "D1"}, n.Key)

	// Forgetting a watched device is refused.
	status, env := f.do(t, http.MethodDelete, "/api/devices/wind/D1", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "DEVICE_WATCHED", env.Error.Code)
}

func TestWatchReleasedOnDisconnect(t *testing.T) {
	f := newFixture(t)

	conn := dialWatch(t, f, "wind", "D1")
	require.Eventually(t, func() bool {
		return f.mux.RefCount(windStatusTopic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool {
		return f.mux.RefCount(windStatusTopic) == 0
	}, 2*time.Second, 10*time.Millisecond)

	status, _ := f.do(t, http.MethodDelete, "/api/devices/wind/D1", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestWatchClosedOnShutdown(t *testing.T) {
	f := newFixture(t)
	conn := dialWatch(t, f, "wind", "D1")

	require.Eventually(t, func() bool {
		return f.mux.RefCount(windStatusTopic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	first := readFrame(t, conn)
	require.Equal(t, WatchMessageSnapshot, first.Type)

	require.NoError(t, f.server.Shutdown(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.Eventually(t, func() bool {
		return f.mux.RefCount(windStatusTopic) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchRejectsInvalidKey(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/devices/wind/D%23/watch"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, f.mux.RefCount("device/scmd/wind/D#"))
}
