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

// Package attributes implements device attribute storage: at most one value
// per (device, key, scope) tuple, last write wins.
package attributes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Scope identifies which party owns an attribute value. Its textual encoding
// is part of the storage uniqueness key and must never change.
type Scope int

const (
	// ScopeClient marks attributes reported by the device itself. Every
	// attribute arriving over MQTT is client-scoped.
	ScopeClient Scope = iota
	// ScopeServer marks attributes set by the platform.
	ScopeServer
	// ScopeShared marks attributes shared between platform and device.
	ScopeShared
)

// String returns the stable textual encoding of a Scope.
func (s Scope) String() string {
	switch s {
	case ScopeClient:
		return "client"
	case ScopeServer:
		return "server"
	case ScopeShared:
		return "shared"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the scope using its stable textual form.
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the stable textual form.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseScope(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseScope decodes the textual encoding produced by String.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "client":
		return ScopeClient, nil
	case "server":
		return ScopeServer, nil
	case "shared":
		return ScopeShared, nil
	default:
		return 0, fmt.Errorf("unknown attribute scope: %q", s)
	}
}

// ErrEmptyBatch is returned when a save is attempted with no values.
var ErrEmptyBatch = errors.New("attribute batch is empty")

// Record is one stored attribute. Value holds the canonical JSON encoding of
// the reported value.
type Record struct {
	ID        uuid.UUID `json:"-"`
	DeviceID  uuid.UUID `json:"device_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Scope     Scope     `json:"scope"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable attribute store.
type Store interface {
	// UpsertBatch applies each record independently: insert when the
	// (device, key, scope) tuple is new, overwrite otherwise. Records for
	// different tuples never block each other; concurrent writers of the
	// same tuple serialize at the row, so the stored value is always one
	// write in full.
	UpsertBatch(ctx context.Context, records []Record) error
	// GetByDevice returns a device's attributes ordered by key ascending,
	// optionally filtered to one scope.
	GetByDevice(ctx context.Context, deviceID uuid.UUID, scope *Scope) ([]Record, error)
}

// Service is the attribute upsert engine. The same contract serves the MQTT
// ingestion path (always ScopeClient) and the HTTP API (any scope).
type Service struct {
	store Store
}

// NewService creates an attribute Service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Save canonicalizes each value and upserts the batch. Keys are stored
// exactly as provided.
func (s *Service) Save(ctx context.Context, deviceID uuid.UUID, values map[string]json.RawMessage, scope Scope) error {
	if len(values) == 0 {
		return ErrEmptyBatch
	}

	now := time.Now().UTC()
	records := make([]Record, 0, len(values))
	for key, raw := range values {
		encoded, err := canonicalize(raw)
		if err != nil {
			return fmt.Errorf("failed to encode attribute %q: %w", key, err)
		}
		records = append(records, Record{
			ID:        uuid.New(),
			DeviceID:  deviceID,
			Key:       key,
			Value:     encoded,
			Scope:     scope,
			UpdatedAt: now,
		})
	}

	if err := s.store.UpsertBatch(ctx, records); err != nil {
		return err
	}

	log.Printf("[INFO] Attributes saved: %d keys for device %s (scope=%s)", len(records), deviceID, scope)
	return nil
}

// GetByDevice returns a device's attributes, optionally filtered to one
// scope, ordered by key ascending.
func (s *Service) GetByDevice(ctx context.Context, deviceID uuid.UUID, scope *Scope) ([]Record, error) {
	return s.store.GetByDevice(ctx, deviceID, scope)
}

// canonicalize produces the stable textual encoding of a JSON value: compact
// form with no insignificant whitespace. The encoding participates in the
// stored-value comparison on read paths, so the same logical value must
// always yield the same text.
func canonicalize(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}
