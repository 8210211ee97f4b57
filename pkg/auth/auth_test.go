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

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/psxbox/myiot-go/pkg/device"
	"github.com/psxbox/myiot-go/pkg/session"
)

// fakeStore is an in-memory identity store that counts lookups.
type fakeStore struct {
	devices map[string]*device.Device
	lookups int
	err     error
}

func (f *fakeStore) FindByToken(_ context.Context, token string) (*device.Device, error) {
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.devices[token]
	if !ok {
		return nil, device.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) GetByID(context.Context, uuid.UUID) (*device.Device, error) {
	return nil, device.ErrNotFound
}

func (f *fakeStore) Create(context.Context, *device.Device) error { return nil }

func (f *fakeStore) List(context.Context) ([]device.Device, error) { return nil, nil }

func TestAuthenticateValidToken(t *testing.T) {
	deviceID := uuid.New()
	store := &fakeStore{devices: map[string]*device.Device{
		"valid-token": {ID: deviceID, Name: "sensor-1"},
	}}
	registry := session.NewRegistry()
	a := New(store, registry)

	decision := a.Authenticate(context.Background(), "conn-1", "valid-token")
	assert.Equal(t, Accepted, decision)

	// A lookup immediately after authentication observes the binding.
	got, ok := registry.Lookup("conn-1")
	assert.True(t, ok)
	assert.Equal(t, deviceID, got)
}

func TestAuthenticateEmptyToken(t *testing.T) {
	testCases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "whitespace", token: "   "},
		{name: "tab and newline", token: "\t\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{devices: map[string]*device.Device{}}
			registry := session.NewRegistry()
			a := New(store, registry)

			decision := a.Authenticate(context.Background(), "conn-1", tc.token)
			assert.Equal(t, RejectedBadCredentials, decision)

			// The decision is made before any store lookup.
			assert.Equal(t, 0, store.lookups)
			assert.Equal(t, 0, registry.Len())
		})
	}
}

func TestAuthenticateUnknownToken(t *testing.T) {
	store := &fakeStore{devices: map[string]*device.Device{}}
	registry := session.NewRegistry()
	a := New(store, registry)

	decision := a.Authenticate(context.Background(), "conn-1", "no-such-token")
	assert.Equal(t, RejectedBadCredentials, decision)
	assert.Equal(t, 1, store.lookups)
	assert.Equal(t, 0, registry.Len())
}

func TestAuthenticateStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	registry := session.NewRegistry()
	a := New(store, registry)

	decision := a.Authenticate(context.Background(), "conn-1", "valid-token")
	assert.Equal(t, RejectedServerError, decision)

	// A failed authentication never leaves a partial registry entry.
	assert.Equal(t, 0, registry.Len())
}

func TestAuthenticateReconnectionCoexists(t *testing.T) {
	deviceID := uuid.New()
	store := &fakeStore{devices: map[string]*device.Device{
		"valid-token": {ID: deviceID, Name: "sensor-1"},
	}}
	registry := session.NewRegistry()
	a := New(store, registry)

	// A new connection with the same credential does not evict the stale
	// binding: the registry is keyed by connection, not device.
	assert.Equal(t, Accepted, a.Authenticate(context.Background(), "conn-old", "valid-token"))
	assert.Equal(t, Accepted, a.Authenticate(context.Background(), "conn-new", "valid-token"))
	assert.Equal(t, 2, registry.Len())
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "bad_credentials", RejectedBadCredentials.String())
	assert.Equal(t, "server_error", RejectedServerError.String())
	assert.Equal(t, "unknown", Decision(99).String())
}
