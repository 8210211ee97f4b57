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

package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

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

// InsertBatch writes the batch inside one transaction with a prepared
// statement. Any row failure rolls the whole batch back.
func (s *SQLStore) InsertBatch(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin telemetry batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO telemetry (device_id, key, value, ts)
		VALUES ($1, $2, $3, $4)`)
	if err != nil {
		return fmt.Errorf("failed to prepare telemetry insert: %w", err)
	}
	defer stmt.Close()

	for _, sample := range samples {
		if _, err := stmt.ExecContext(ctx, sample.DeviceID, sample.Key, sample.Value, sample.Timestamp); err != nil {
			return fmt.Errorf("failed to insert telemetry row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit telemetry batch: %w", err)
	}
	return nil
}

// QueryLatest implements Store. The serial row id breaks timestamp ties so
// the result is deterministic.
func (s *SQLStore) QueryLatest(ctx context.Context, deviceID uuid.UUID) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (key) device_id, key, value, ts
		FROM telemetry
		WHERE device_id = $1
		ORDER BY key, ts DESC, id DESC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest telemetry: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// QueryHistory implements Store. Bounds are inclusive.
func (s *SQLStore) QueryHistory(ctx context.Context, deviceID uuid.UUID, key string, from, to time.Time) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, key, value, ts
		FROM telemetry
		WHERE device_id = $1
		  AND key = $2
		  AND ts >= $3
		  AND ts <= $4
		ORDER BY ts ASC`, deviceID, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry history: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

func scanSamples(rows *sql.Rows) ([]Sample, error) {
	var samples []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.DeviceID, &s.Key, &s.Value, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry row: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
