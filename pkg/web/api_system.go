package web

import (
	"net/http"
	"time"

	"github.com/denwilliams/go-device-sync/pkg/command"
	"github.com/denwilliams/go-device-sync/pkg/mqtt"
)

// System API handlers

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	connection := mqtt.ConnectionStateDisconnected
	if s.connection != nil {
		connection = s.connection.State()
	}

	status := "ok"
	if connection != mqtt.ConnectionStateConnected {
		status = "degraded"
	}

	subscriptions := 0
	if s.subscriptions != nil {
		subscriptions = len(s.subscriptions.Subscriptions())
	}

	writeAPIResponse(w, HealthResponse{
		Status:        status,
		Version:       s.version,
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		MQTT:          connection.String(),
		DatabaseType:  s.databaseType,
		Devices:       countDevices(s.tracker.Devices()),
		Subscriptions: subscriptions,
		StartedAt:     s.startTime,
	})
}

func (s *Server) handleAPISubscriptions(w http.ResponseWriter, r *http.Request) {
	response := SubscriptionListResponse{}
	if s.subscriptions != nil {
		response.Subscriptions = s.subscriptions.Subscriptions()
	}
	response.Total = len(response.Subscriptions)

	writeAPIResponse(w, response)
}

func (s *Server) handleAPISchemas(w http.ResponseWriter, r *http.Request) {
	kinds := command.Kinds()
	response := SchemaListResponse{Schemas: make([]command.Schema, 0, len(kinds))}
	for _, kind := range kinds {
		schema, _ := command.Lookup(kind)
		response.Schemas = append(response.Schemas, schema)
	}

	writeAPIResponse(w, response)
}
