// Package web exposes the device sync service over HTTP: a JSON API for
// commands and state, and a WebSocket per dashboard view for live updates.
package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/denwilliams/go-device-sync/pkg/command"
	"github.com/denwilliams/go-device-sync/pkg/config"
	"github.com/denwilliams/go-device-sync/pkg/devicesync"
	"github.com/denwilliams/go-device-sync/pkg/mqtt"
	"github.com/denwilliams/go-device-sync/pkg/session"
	"github.com/denwilliams/go-device-sync/pkg/topics"
)

const defaultPublishTimeout = 5 * time.Second

// DeviceTracker is the part of devicesync.Tracker the API needs.
type DeviceTracker interface {
	session.Watcher
	PublishCommand(ctx context.Context, key devicesync.Key, req command.Request) (devicesync.Snapshot, error)
	State(key devicesync.Key) (devicesync.Snapshot, bool)
	Devices() []devicesync.Snapshot
	Forget(key devicesync.Key) error
}

type SubscriptionLister interface {
	Subscriptions() []topics.SubscriptionInfo
}

type AckRules interface {
	Rules() map[string]string
	Match(kind, topic string, payload []byte) (bool, error)
}

type ConnectionStatus interface {
	State() mqtt.ConnectionState
}

// Dependencies groups the components the server reads from.
type Dependencies struct {
	Tracker       DeviceTracker
	Subscriptions SubscriptionLister
	AckRules      AckRules
	Connection    ConnectionStatus
	DatabaseType  string
	Version       string
}

type Server struct {
	config        *config.Config
	tracker       DeviceTracker
	subscriptions SubscriptionLister
	ackRules      AckRules
	connection    ConnectionStatus
	databaseType  string
	version       string
	topics        topics.TopicBuilder
	logger        *zap.Logger

	startTime      time.Time
	publishTimeout time.Duration
	upgrader       websocket.Upgrader
	mux            *http.ServeMux
	server         *http.Server

	// closing is closed by Shutdown so hijacked watch sockets end too.
	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	publishTimeout := cfg.MQTT.ConnectTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}

	version := deps.Version
	if version == "" {
		version = "dev"
	}

	server := &Server{
		config:         cfg,
		tracker:        deps.Tracker,
		subscriptions:  deps.Subscriptions,
		ackRules:       deps.AckRules,
		connection:     deps.Connection,
		databaseType:   deps.DatabaseType,
		version:        version,
		topics:         topics.NewTopicBuilder(cfg.Topics.Root),
		logger:         logger.Named("web"),
		startTime:      time.Now(),
		publishTimeout: publishTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		mux:     http.NewServeMux(),
		closing: make(chan struct{}),
	}

	server.setupRoutes()
	return server
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Start() error {
	address := s.config.GetAddress()
	s.logger.Info("Starting web server", zap.String("address", address))

	s.server = &http.Server{
		Addr:              address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	if s.server != nil {
		s.logger.Info("Shutting down web server")
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleAPIHealth)
	s.mux.HandleFunc("GET /api/subscriptions", s.handleAPISubscriptions)
	s.mux.HandleFunc("GET /api/schemas", s.handleAPISchemas)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIDevices)
	s.mux.HandleFunc("GET /api/devices/{kind}/{id}/sync", s.handleAPIDeviceSync)
	s.mux.HandleFunc("POST /api/devices/{kind}/{id}/commands", s.handleAPIDeviceCommand)
	s.mux.HandleFunc("DELETE /api/devices/{kind}/{id}", s.handleAPIDeviceForget)
	s.mux.HandleFunc("GET /api/devices/{kind}/{id}/watch", s.handleDeviceWatch)

	s.mux.HandleFunc("GET /api/ack-rules", s.handleAPIAckRules)
	s.mux.HandleFunc("POST /api/ack-rules/test", s.handleAPIAckTest)
	s.mux.HandleFunc("POST /api/ack-rules/validate", s.handleAPIAckValidate)

	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.logger.Debug("Web server routes configured")
}
