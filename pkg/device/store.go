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

package device

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Store is the identity store consumed by the connection authenticator and
// the HTTP API. FindByToken is the hot path: it is called once per MQTT
// CONNECT.
type Store interface {
	// FindByToken looks a device up by its access token (case-sensitive,
	// byte-exact match). Returns ErrNotFound when no device has the token.
	FindByToken(ctx context.Context, token string) (*Device, error)
	// GetByID returns a device by its identifier, or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Device, error)
	// Create persists a new device.
	Create(ctx context.Context, d *Device) error
	// List returns all devices, newest first.
	List(ctx context.Context) ([]Device, error)
}

// SQLStore is the PostgreSQL implementation of Store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// FindByToken implements Store.
func (s *SQLStore) FindByToken(ctx context.Context, token string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, access_token, created_at
		FROM devices
		WHERE access_token = $1`, token)
	return scanDevice(row)
}

// GetByID implements Store.
func (s *SQLStore) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, access_token, created_at
		FROM devices
		WHERE id = $1`, id)
	return scanDevice(row)
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, access_token, created_at)
		VALUES ($1, $2, $3, $4)`,
		d.ID, d.Name, d.AccessToken, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert device: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, access_token, created_at
		FROM devices
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Name, &d.AccessToken, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func scanDevice(row *sql.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.Name, &d.AccessToken, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	return &d, nil
}
