package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/denwilliams/go-device-sync/pkg/command"
	"github.com/denwilliams/go-device-sync/pkg/devicesync"
)

const maxRequestBody = 64 << 10

// Helper functions
func writeAPIResponse(w http.ResponseWriter, data interface{}) {
	writeAPIResponseStatus(w, http.StatusOK, data)
}

func writeAPIResponseStatus(w http.ResponseWriter, status int, data interface{}) {
	response := APIResponse{
		Success: true,
		Data:    data,
	}
	writeJSONResponse(w, status, response)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
	writeJSONResponse(w, status, response)
}

func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// deviceKey reads {kind}/{id} from the path and writes a 400 when invalid.
func deviceKey(w http.ResponseWriter, r *http.Request) (devicesync.Key, bool) {
	key := devicesync.Key{Kind: r.PathValue("kind"), ID: r.PathValue("id")}
	if err := key.Validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_DEVICE", err.Error(), nil)
		return devicesync.Key{}, false
	}
	return key, true
}

func countDevices(devices []devicesync.Snapshot) DeviceCounts {
	counts := DeviceCounts{Total: len(devices)}
	for _, d := range devices {
		switch d.State {
		case devicesync.StateSyncing:
			counts.Syncing++
		case devicesync.StateSynced:
			counts.Synced++
		}
	}
	return counts
}

// API Handlers

func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.tracker.Devices()

	writeAPIResponse(w, DeviceListResponse{
		Devices: devices,
		Counts:  countDevices(devices),
	})
}

func (s *Server) handleAPIDeviceSync(w http.ResponseWriter, r *http.Request) {
	key, ok := deviceKey(w, r)
	if !ok {
		return
	}

	snapshot, ok := s.tracker.State(key)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "Device not found", nil)
		return
	}

	writeAPIResponse(w, snapshot)
}

func (s *Server) handleAPIDeviceCommand(w http.ResponseWriter, r *http.Request) {
	key, ok := deviceKey(w, r)
	if !ok {
		return
	}

	schema, ok := command.Lookup(key.Kind)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "UNKNOWN_KIND", "No command schema for device kind", map[string]interface{}{
			"kind":  key.Kind,
			"kinds": command.Kinds(),
		})
		return
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.UseNumber()

	var values map[string]interface{}
	if err := decoder.Decode(&values); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body", nil)
		return
	}

	req, err := schema.Build(values)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), schema)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.publishTimeout)
	defer cancel()

	snapshot, err := s.tracker.PublishCommand(ctx, key, req)
	if err != nil {
		s.logger.Warn("Command failed", zap.String("device", key.String()), zap.Error(err))
		switch {
		case errors.Is(err, devicesync.ErrTrackerClosed):
			writeAPIError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down", nil)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			writeAPIError(w, http.StatusServiceUnavailable, "BROKER_UNAVAILABLE", err.Error(), nil)
		default:
			writeAPIError(w, http.StatusBadGateway, "PUBLISH_FAILED", err.Error(), nil)
		}
		return
	}

	writeAPIResponseStatus(w, http.StatusAccepted, CommandResponse{
		Device:  snapshot,
		Topic:   s.topics.Command(key.Kind, key.ID),
		Payload: snapshot.LastCommand,
	})
}

func (s *Server) handleAPIDeviceForget(w http.ResponseWriter, r *http.Request) {
	key, ok := deviceKey(w, r)
	if !ok {
		return
	}

	if err := s.tracker.Forget(key); err != nil {
		switch {
		case errors.Is(err, devicesync.ErrUnknownDevice):
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "Device not found", nil)
		case errors.Is(err, devicesync.ErrDeviceWatched):
			writeAPIError(w, http.StatusConflict, "DEVICE_WATCHED", "Device is being watched", nil)
		default:
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
		}
		return
	}

	writeAPIResponse(w, map[string]string{"message": "Device forgotten"})
}
