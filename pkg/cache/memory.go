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

package cache

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process LatestCache. It is the default when no Redis is
// configured, and the implementation tests run against.
type Memory struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]map[string]Entry
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[uuid.UUID]map[string]Entry),
	}
}

// SetLatest implements LatestCache.
func (m *Memory) SetLatest(_ context.Context, deviceID uuid.UUID, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	device, ok := m.entries[deviceID]
	if !ok {
		device = make(map[string]Entry)
		m.entries[deviceID] = device
	}
	device[key] = e
	return nil
}

// GetAllLatest implements LatestCache. The returned map is a copy; callers
// may mutate it freely.
func (m *Memory) GetAllLatest(_ context.Context, deviceID uuid.UUID) (map[string]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device := m.entries[deviceID]
	out := make(map[string]Entry, len(device))
	for key, e := range device {
		out[key] = e
	}
	return out, nil
}

// Evict implements LatestCache.
func (m *Memory) Evict(_ context.Context, deviceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, deviceID)
	return nil
}
