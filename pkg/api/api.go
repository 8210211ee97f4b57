// Copyright 2024 The myiot-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the operator-facing REST surface: device
// provisioning and the same telemetry/attribute read/write contracts the
// MQTT path uses.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/psxbox/myiot-go/pkg/attributes"
	"github.com/psxbox/myiot-go/pkg/device"
	"github.com/psxbox/myiot-go/pkg/telemetry"
)

// Server serves the REST API.
type Server struct {
	devices    device.Store
	telemetry  *telemetry.Service
	attributes *attributes.Service
}

// NewServer creates an API server.
func NewServer(devices device.Store, tel *telemetry.Service, attrs *attributes.Service) *Server {
	return &Server{
		devices:    devices,
		telemetry:  tel,
		attributes: attrs,
	}
}

// Handler returns the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/devices", s.handleCreateDevice)
	mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/v1/devices/{id}", s.handleGetDevice)
	mux.HandleFunc("POST /api/v1/devices/{id}/telemetry", s.handleSaveTelemetry)
	mux.HandleFunc("GET /api/v1/devices/{id}/telemetry/latest", s.handleLatestTelemetry)
	mux.HandleFunc("GET /api/v1/devices/{id}/telemetry/history", s.handleTelemetryHistory)
	mux.HandleFunc("POST /api/v1/devices/{id}/attributes", s.handleSaveAttributes)
	mux.HandleFunc("GET /api/v1/devices/{id}/attributes", s.handleGetAttributes)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type createDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	token, err := device.NewAccessToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate access token")
		return
	}

	d := &device.Device{
		ID:          uuid.New(),
		Name:        req.Name,
		AccessToken: token,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.devices.Create(r.Context(), d); err != nil {
		log.Printf("[ERROR] Device create failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}

	log.Printf("[INFO] Device created: %s (%s)", d.ID, d.Name)
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		log.Printf("[ERROR] Device list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	// The access token is only revealed once, at creation time.
	out := make([]device.Device, len(devices))
	for i, d := range devices {
		d.AccessToken = ""
		out[i] = d
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	d, err := s.devices.GetByID(r.Context(), id)
	if errors.Is(err, device.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		log.Printf("[ERROR] Device lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	d.AccessToken = ""
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSaveTelemetry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	var values map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a flat object of numeric values")
		return
	}
	if len(values) == 0 {
		writeError(w, http.StatusBadRequest, "telemetry values cannot be empty")
		return
	}

	if err := s.telemetry.Save(r.Context(), id, values); err != nil {
		log.Printf("[ERROR] Telemetry save failed for device %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to save telemetry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "telemetry saved",
		"count":   len(values),
	})
}

func (s *Server) handleLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	samples, err := s.telemetry.GetLatest(r.Context(), id)
	if err != nil {
		log.Printf("[ERROR] Latest telemetry read failed for device %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load latest telemetry")
		return
	}
	if samples == nil {
		samples = []telemetry.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleTelemetryHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'key' is required")
		return
	}
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter 'from' must be RFC3339")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter 'to' must be RFC3339")
		return
	}

	samples, err := s.telemetry.GetHistory(r.Context(), id, key, from, to)
	if err != nil {
		log.Printf("[ERROR] Telemetry history read failed for device %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load telemetry history")
		return
	}
	if samples == nil {
		samples = []telemetry.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":         key,
		"data_points": samples,
	})
}

func (s *Server) handleSaveAttributes(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	scope := attributes.ScopeServer
	if scopeStr := r.URL.Query().Get("scope"); scopeStr != "" {
		parsed, err := attributes.ParseScope(scopeStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		scope = parsed
	}

	var values map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a flat JSON object")
		return
	}
	if len(values) == 0 {
		writeError(w, http.StatusBadRequest, "attribute values cannot be empty")
		return
	}

	if err := s.attributes.Save(r.Context(), id, values, scope); err != nil {
		log.Printf("[ERROR] Attribute save failed for device %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to save attributes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "attributes saved",
		"count":   len(values),
		"scope":   scope.String(),
	})
}

func (s *Server) handleGetAttributes(w http.ResponseWriter, r *http.Request) {
	id, ok := parseDeviceID(w, r)
	if !ok {
		return
	}
	var scope *attributes.Scope
	if scopeStr := r.URL.Query().Get("scope"); scopeStr != "" {
		parsed, err := attributes.ParseScope(scopeStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		scope = &parsed
	}

	records, err := s.attributes.GetByDevice(r.Context(), id, scope)
	if err != nil {
		log.Printf("[ERROR] Attribute read failed for device %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load attributes")
		return
	}
	if records == nil {
		records = []attributes.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func parseDeviceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe runs the API server until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	log.Printf("HTTP API listening on %s", addr)
	return fmt.Errorf("http server stopped: %w", http.ListenAndServe(addr, s.Handler()))
}
