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

// Package telemetry implements the telemetry write and read paths: durable
// append-only samples in PostgreSQL, mirrored into the latest-value cache.
package telemetry

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/psxbox/myiot-go/pkg/cache"
	"github.com/psxbox/myiot-go/pkg/metrics"
)

// ErrEmptyBatch is returned when a save is attempted with no values.
var ErrEmptyBatch = errors.New("telemetry batch is empty")

// Sample is one telemetry data point. Samples are append-only; a duplicate
// (device, key, timestamp) is a new row, not a merge.
type Sample struct {
	DeviceID  uuid.UUID `json:"device_id"`
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the durable telemetry store.
type Store interface {
	// InsertBatch writes all samples or none of them. A partial failure is
	// reported as a single batch error.
	InsertBatch(ctx context.Context, samples []Sample) error
	// QueryLatest returns, for every key ever recorded for the device, the
	// row with the maximum timestamp (deterministic tie-break by insertion
	// order).
	QueryLatest(ctx context.Context, deviceID uuid.UUID) ([]Sample, error)
	// QueryHistory returns rows for one key within inclusive bounds,
	// ordered by ascending timestamp.
	QueryHistory(ctx context.Context, deviceID uuid.UUID, key string, from, to time.Time) ([]Sample, error)
}

// Service is the telemetry writer/reader. The same contract serves both the
// MQTT ingestion path and the HTTP API.
type Service struct {
	store Store
	cache cache.LatestCache
}

// NewService creates a telemetry Service.
func NewService(store Store, latest cache.LatestCache) *Service {
	return &Service{store: store, cache: latest}
}

// Save stamps every key in the batch with a single wall-clock timestamp,
// writes the batch durably, then updates the latest-value cache. The durable
// write happens before any cache mutation; a cache failure is logged and
// absorbed because the cache is never the system of record.
func (s *Service) Save(ctx context.Context, deviceID uuid.UUID, values map[string]float64) error {
	if len(values) == 0 {
		return ErrEmptyBatch
	}

	now := time.Now().UTC()
	samples := make([]Sample, 0, len(values))
	for key, value := range values {
		samples = append(samples, Sample{
			DeviceID:  deviceID,
			Key:       key,
			Value:     value,
			Timestamp: now,
		})
	}

	if err := s.store.InsertBatch(ctx, samples); err != nil {
		return err
	}
	metrics.TelemetryPointsTotal.Add(float64(len(samples)))

	for _, sample := range samples {
		err := s.cache.SetLatest(ctx, deviceID, sample.Key, cache.Entry{
			Value:     sample.Value,
			Timestamp: sample.Timestamp,
		})
		if err != nil {
			metrics.CacheErrorsTotal.Inc()
			log.Printf("[WARN] Cache update failed for device %s key %q: %v", deviceID, sample.Key, err)
		}
	}

	log.Printf("[INFO] Telemetry saved: %d keys for device %s", len(samples), deviceID)
	return nil
}

// GetLatest returns the most recent value per key for a device. A non-empty
// cache result is authoritative for the whole device and is never merged
// with the durable store; only an empty (or failing) cache read falls back.
func (s *Service) GetLatest(ctx context.Context, deviceID uuid.UUID) ([]Sample, error) {
	entries, err := s.cache.GetAllLatest(ctx, deviceID)
	if err != nil {
		metrics.CacheErrorsTotal.Inc()
		log.Printf("[WARN] Cache read failed for device %s, falling back to durable store: %v", deviceID, err)
	} else if len(entries) > 0 {
		samples := make([]Sample, 0, len(entries))
		for key, e := range entries {
			samples = append(samples, Sample{
				DeviceID:  deviceID,
				Key:       key,
				Value:     e.Value,
				Timestamp: e.Timestamp,
			})
		}
		sort.Slice(samples, func(i, j int) bool { return samples[i].Key < samples[j].Key })
		return samples, nil
	}

	metrics.CacheFallbacksTotal.Inc()
	return s.store.QueryLatest(ctx, deviceID)
}

// GetHistory returns samples for one key within inclusive time bounds,
// oldest first. History reads always hit the durable store.
func (s *Service) GetHistory(ctx context.Context, deviceID uuid.UUID, key string, from, to time.Time) ([]Sample, error) {
	return s.store.QueryHistory(ctx, deviceID, key, from, to)
}
