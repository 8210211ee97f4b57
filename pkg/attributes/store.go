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

package attributes

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// SQLStore is the PostgreSQL implementation of Store.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// UpsertBatch implements Store. Each record is a single conditional
// insert-or-update; rows are deliberately not wrapped in one transaction so
// concurrent upserts to different tuples never block each other. Same-tuple
// writers serialize on the row via the primary key.
func (s *SQLStore) UpsertBatch(ctx context.Context, records []Record) error {
	for _, r := range records {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO device_attributes (id, device_id, key, scope, value, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (device_id, key, scope)
			DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			r.ID, r.DeviceID, r.Key, r.Scope.String(), r.Value, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert attribute %q: %w", r.Key, err)
		}
	}
	return nil
}

// GetByDevice implements Store.
func (s *SQLStore) GetByDevice(ctx context.Context, deviceID uuid.UUID, scope *Scope) ([]Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if scope != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, device_id, key, scope, value, updated_at
			FROM device_attributes
			WHERE device_id = $1 AND scope = $2
			ORDER BY key ASC`, deviceID, scope.String())
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, device_id, key, scope, value, updated_at
			FROM device_attributes
			WHERE device_id = $1
			ORDER BY key ASC`, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query attributes: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r        Record
			scopeStr string
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Key, &scopeStr, &r.Value, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attribute row: %w", err)
		}
		r.Scope, err = ParseScope(scopeStr)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
