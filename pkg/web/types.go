package web

import (
	"time"

	"github.com/denwilliams/go-device-sync/pkg/command"
	"github.com/denwilliams/go-device-sync/pkg/devicesync"
	"github.com/denwilliams/go-device-sync/pkg/topics"
)

// API Response structures
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Health structures
type HealthResponse struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	Uptime        string       `json:"uptime"`
	MQTT          string       `json:"mqtt"`
	DatabaseType  string       `json:"database_type"`
	Devices       DeviceCounts `json:"devices"`
	Subscriptions int          `json:"subscriptions"`
	StartedAt     time.Time    `json:"started_at"`
}

type DeviceCounts struct {
	Total   int `json:"total"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
}

// Device structures
type DeviceListResponse struct {
	Devices []devicesync.Snapshot `json:"devices"`
	Counts  DeviceCounts          `json:"counts"`
}

type CommandResponse struct {
	Device  devicesync.Snapshot `json:"device"`
	Topic   string              `json:"topic"`
	Payload string              `json:"payload"`
}

type SubscriptionListResponse struct {
	Subscriptions []topics.SubscriptionInfo `json:"subscriptions"`
	Total         int                       `json:"total"`
}

type SchemaListResponse struct {
	Schemas []command.Schema `json:"schemas"`
}

// Ack rule structures
type AckRulesResponse struct {
	Rules map[string]string `json:"rules"`
}

type AckTestRequest struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

type AckTestResponse struct {
	Topic string `json:"topic"`
	IsAck bool   `json:"is_ack"`
	Error string `json:"error,omitempty"`
}

type AckValidateRequest struct {
	Script string `json:"script"`
}

// WatchMessage is one frame written to a watch socket.
type WatchMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	WatchMessageSnapshot     = "snapshot"
	WatchMessageNotification = "notification"
)
