package web

import (
	"encoding/json"
	"net/http"

	"github.com/denwilliams/go-device-sync/pkg/devicesync"
	"github.com/denwilliams/go-device-sync/pkg/strategy"
)

// Ack rule API handlers

func (s *Server) handleAPIAckRules(w http.ResponseWriter, r *http.Request) {
	writeAPIResponse(w, AckRulesResponse{Rules: s.ackRules.Rules()})
}

// handleAPIAckTest runs a payload through the matcher configured for a kind,
// without touching any device state.
func (s *Server) handleAPIAckTest(w http.ResponseWriter, r *http.Request) {
	var req AckTestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body", nil)
		return
	}

	if req.ID == "" {
		req.ID = "test"
	}
	key := devicesync.Key{Kind: req.Kind, ID: req.ID}
	if err := key.Validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	topic := s.topics.Status(key.Kind, key.ID)
	isAck, err := s.ackRules.Match(key.Kind, topic, []byte(req.Payload))

	response := AckTestResponse{Topic: topic, IsAck: isAck}
	if err != nil {
		response.Error = err.Error()
		writeAPIError(w, http.StatusUnprocessableEntity, "MATCHER_ERROR", "Ack matcher failed", response)
		return
	}

	writeAPIResponse(w, response)
}

func (s *Server) handleAPIAckValidate(w http.ResponseWriter, r *http.Request) {
	var req AckValidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON in request body", nil)
		return
	}

	if err := strategy.ValidateAckScript(req.Script); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_SCRIPT", err.Error(), nil)
		return
	}

	writeAPIResponse(w, map[string]bool{"valid": true})
}
