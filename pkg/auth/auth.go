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

// Package auth authenticates MQTT connections. A device presents its access
// token as the MQTT username; the authenticator resolves it against the
// identity store and, on success, binds the connection to the device in the
// session registry.
package auth

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/psxbox/myiot-go/pkg/device"
	"github.com/psxbox/myiot-go/pkg/metrics"
	"github.com/psxbox/myiot-go/pkg/session"
)

// Decision is the outcome of one authentication attempt.
type Decision int

const (
	// Accepted indicates the credential matched a device and the session
	// binding was created.
	Accepted Decision = iota
	// RejectedBadCredentials indicates a missing or unknown access token.
	RejectedBadCredentials
	// RejectedServerError indicates the identity store could not be
	// consulted. The connection is rejected without revealing whether the
	// token was valid.
	RejectedServerError
)

// String returns the string representation of a Decision.
func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case RejectedBadCredentials:
		return "bad_credentials"
	case RejectedServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Authenticator validates connection credentials against the identity store
// and maintains session bindings. It never mutates the registry on a
// rejected attempt.
type Authenticator struct {
	devices  device.Store
	registry *session.Registry
}

// New creates an Authenticator.
func New(devices device.Store, registry *session.Registry) *Authenticator {
	return &Authenticator{
		devices:  devices,
		registry: registry,
	}
}

// Authenticate resolves an access token to a device and, on success, binds
// connID to the device's ID. An empty or all-whitespace token is rejected
// before any store lookup.
func (a *Authenticator) Authenticate(ctx context.Context, connID, token string) Decision {
	if strings.TrimSpace(token) == "" {
		log.Printf("[WARN] Connection rejected: no access token provided (conn=%s)", connID)
		metrics.AuthRejectionsTotal.WithLabelValues(RejectedBadCredentials.String()).Inc()
		return RejectedBadCredentials
	}

	dev, err := a.devices.FindByToken(ctx, token)
	if errors.Is(err, device.ErrNotFound) {
		log.Printf("[WARN] Connection rejected: invalid access token (conn=%s)", connID)
		metrics.AuthRejectionsTotal.WithLabelValues(RejectedBadCredentials.String()).Inc()
		return RejectedBadCredentials
	}
	if err != nil {
		log.Printf("[ERROR] Identity store lookup failed (conn=%s): %v", connID, err)
		metrics.AuthRejectionsTotal.WithLabelValues(RejectedServerError.String()).Inc()
		return RejectedServerError
	}

	a.registry.Bind(connID, dev.ID)
	log.Printf("[INFO] Connection authenticated: %s -> device %s (%s)", connID, dev.ID, dev.Name)
	return Accepted
}
