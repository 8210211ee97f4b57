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

// Package device holds the device identity model and the PostgreSQL-backed
// identity store. The ingestion pipeline only reads devices (lookup by
// access token); creation happens through the HTTP API.
package device

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no device matches the requested identifier
// or access token.
var ErrNotFound = errors.New("device not found")

// Device is an identity record. The access token is unique, immutable once
// assigned, and is the sole authentication secret for transport connections.
type Device struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	AccessToken string    `json:"access_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewAccessToken generates a cryptographically random access token
// (20 bytes, base64url without padding).
func NewAccessToken() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
