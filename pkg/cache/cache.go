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

// Package cache defines the latest-value cache contract and its Redis and
// in-memory implementations. The cache is volatile and best-effort: it is
// never the system of record, and an empty result always means "fall back to
// the durable store", never "the device has never reported".
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Entry is the most recent value seen for one telemetry key.
type Entry struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// LatestCache stores the most recent telemetry sample per device and key.
//
// Eviction is whole-device only. A per-key eviction would leave a non-empty
// entry that silently hides the evicted keys from readers (a non-empty cache
// result is authoritative for the whole device), so partial eviction is not
// part of the contract.
type LatestCache interface {
	// SetLatest records the latest value for one key of a device.
	SetLatest(ctx context.Context, deviceID uuid.UUID, key string, e Entry) error
	// GetAllLatest returns every cached key for a device. An empty map and a
	// nil error means the cache holds nothing for the device.
	GetAllLatest(ctx context.Context, deviceID uuid.UUID) (map[string]Entry, error)
	// Evict drops the whole cache entry for a device.
	Evict(ctx context.Context, deviceID uuid.UUID) error
}
