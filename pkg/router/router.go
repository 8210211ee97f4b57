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

// Package router dispatches inbound MQTT publishes to the telemetry and
// attribute write paths. The ingestion point is a terminal sink: messages
// are never relayed to other subscribers, and a failure in one message never
// affects the connection or other messages.
package router

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/psxbox/myiot-go/pkg/attributes"
	"github.com/psxbox/myiot-go/pkg/metrics"
	"github.com/psxbox/myiot-go/pkg/session"
)

// Topics devices publish to. Exact-match only; anything else is dropped as
// unknown.
const (
	TopicTelemetry  = "v1/devices/me/telemetry"
	TopicAttributes = "v1/devices/me/attributes"
)

// Outcome describes what happened to one inbound message. Dropped outcomes
// are informational: the sender is never notified (publish-and-forget), but
// operators see them in logs and metrics.
type Outcome int

const (
	// Processed indicates the message reached its write path successfully.
	Processed Outcome = iota
	// DroppedNoSession indicates the publishing connection had no binding,
	// e.g. a message arriving after disconnect.
	DroppedNoSession
	// DroppedMalformed indicates an undecodable or empty payload.
	DroppedMalformed
	// DroppedUnknownTopic indicates a topic outside the ingestion set.
	DroppedUnknownTopic
	// DroppedStoreError indicates the durable store rejected the write.
	DroppedStoreError
	// DroppedInternal indicates a handler fault that was contained.
	DroppedInternal
)

// String returns the string representation of an Outcome.
func (o Outcome) String() string {
	switch o {
	case Processed:
		return "processed"
	case DroppedNoSession:
		return "no_session"
	case DroppedMalformed:
		return "malformed_payload"
	case DroppedUnknownTopic:
		return "unknown_topic"
	case DroppedStoreError:
		return "store_error"
	case DroppedInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// TelemetrySink is the telemetry write path consumed by the router.
type TelemetrySink interface {
	Save(ctx context.Context, deviceID uuid.UUID, values map[string]float64) error
}

// AttributeSink is the attribute write path consumed by the router.
type AttributeSink interface {
	Save(ctx context.Context, deviceID uuid.UUID, values map[string]json.RawMessage, scope attributes.Scope) error
}

// Router resolves the publishing connection to a device and dispatches by
// topic.
type Router struct {
	registry   *session.Registry
	telemetry  TelemetrySink
	attributes AttributeSink
}

// New creates a Router.
func New(registry *session.Registry, telemetry TelemetrySink, attrs AttributeSink) *Router {
	return &Router{
		registry:   registry,
		telemetry:  telemetry,
		attributes: attrs,
	}
}

// Route processes one inbound publish. The session binding is resolved once,
// here; if the connection disconnects while the message is still being
// handled, processing completes with the identity captured now. Route never
// panics: handler faults are contained and reported as DroppedInternal.
func (r *Router) Route(ctx context.Context, connID, topic string, payload []byte) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[ERROR] Handler fault on topic %q (conn=%s): %v", topic, connID, rec)
			out = DroppedInternal
		}
		if out == Processed {
			metrics.MessagesRoutedTotal.WithLabelValues(topic).Inc()
		} else {
			metrics.MessagesDroppedTotal.WithLabelValues(out.String()).Inc()
		}
	}()

	deviceID, ok := r.registry.Lookup(connID)
	if !ok {
		log.Printf("[WARN] Publish from unknown connection %s, dropping message", connID)
		return DroppedNoSession
	}

	switch topic {
	case TopicTelemetry:
		return r.handleTelemetry(ctx, deviceID, payload)
	case TopicAttributes:
		return r.handleAttributes(ctx, deviceID, payload)
	default:
		log.Printf("[INFO] Unknown topic %q from device %s, dropping message", topic, deviceID)
		return DroppedUnknownTopic
	}
}

// handleTelemetry decodes a flat key->number mapping and hands the batch to
// the telemetry writer, which stamps all keys with one shared timestamp.
func (r *Router) handleTelemetry(ctx context.Context, deviceID uuid.UUID, payload []byte) Outcome {
	var values map[string]float64
	if err := json.Unmarshal(payload, &values); err != nil {
		log.Printf("[WARN] Malformed telemetry payload from device %s: %v", deviceID, err)
		return DroppedMalformed
	}
	if len(values) == 0 {
		log.Printf("[WARN] Empty telemetry payload from device %s", deviceID)
		return DroppedMalformed
	}

	if err := r.telemetry.Save(ctx, deviceID, values); err != nil {
		log.Printf("[ERROR] Telemetry write failed for device %s: %v", deviceID, err)
		return DroppedStoreError
	}
	return Processed
}

// handleAttributes decodes a flat key->value mapping (any JSON value) and
// upserts the batch as client-scoped attributes. Keys are stored as
// provided.
func (r *Router) handleAttributes(ctx context.Context, deviceID uuid.UUID, payload []byte) Outcome {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(payload, &values); err != nil {
		log.Printf("[WARN] Malformed attributes payload from device %s: %v", deviceID, err)
		return DroppedMalformed
	}
	if len(values) == 0 {
		log.Printf("[WARN] Empty attributes payload from device %s", deviceID)
		return DroppedMalformed
	}

	if err := r.attributes.Save(ctx, deviceID, values, attributes.ScopeClient); err != nil {
		log.Printf("[ERROR] Attribute write failed for device %s: %v", deviceID, err)
		return DroppedStoreError
	}
	return Processed
}
