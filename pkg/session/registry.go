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

// Package session tracks which device identity is bound to each live
// transport connection. The registry is the only piece of mutable shared
// state in the ingestion pipeline: the authenticator inserts a binding on a
// successful CONNECT and the gateway removes it on disconnect. Everything
// else only reads.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Registry is a concurrent map from connection ID to the device ID
// authenticated on that connection. It is safe for simultaneous Bind,
// Lookup and Unbind from independent connections.
//
// The registry is keyed by connection ID, not device ID, so the same device
// may hold several live connections at once; each binding lives and dies
// with its own connection.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]uuid.UUID
}

// NewRegistry creates an empty registry. A fresh instance is created at
// service start and cleared at service stop.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]uuid.UUID),
	}
}

// Bind associates a connection with a device identity. It is called exactly
// once per successful authentication.
func (r *Registry) Bind(connID string, deviceID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[connID] = deviceID
}

// Lookup returns the device bound to a connection. A miss is a normal,
// frequent condition (a message can arrive after its connection was torn
// down) and is reported through the second return value, never an error.
func (r *Registry) Lookup(connID string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	deviceID, ok := r.bindings[connID]
	return deviceID, ok
}

// Unbind removes a connection's binding. Removing an absent binding is a
// no-op.
func (r *Registry) Unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, connID)
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Clear drops all bindings. Used at service shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = make(map[string]uuid.UUID)
}
