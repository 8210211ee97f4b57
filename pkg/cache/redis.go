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
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis client settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Database int    `yaml:"database" json:"database"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// Redis stores each device's latest values in one hash at
// telemetry:latest:<deviceID>, field = telemetry key, value = JSON entry.
// Deleting the hash evicts the whole device atomically.
type Redis struct {
	client redis.Cmdable
}

// NewRedis creates a Redis-backed latest-value cache and verifies
// connectivity with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{client: client}, nil
}

func redisKey(deviceID uuid.UUID) string {
	return fmt.Sprintf("telemetry:latest:%s", deviceID)
}

// SetLatest implements LatestCache.
func (r *Redis) SetLatest(ctx context.Context, deviceID uuid.UUID, key string, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := r.client.HSet(ctx, redisKey(deviceID), key, payload).Err(); err != nil {
		return fmt.Errorf("redis HSET failed: %w", err)
	}
	return nil
}

// GetAllLatest implements LatestCache. Fields that fail to decode are
// skipped with a warning so one corrupt entry cannot poison the read.
func (r *Redis) GetAllLatest(ctx context.Context, deviceID uuid.UUID) (map[string]Entry, error) {
	fields, err := r.client.HGetAll(ctx, redisKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL failed: %w", err)
	}

	entries := make(map[string]Entry, len(fields))
	for key, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			log.Printf("[WARN] Skipping unparseable cache entry for device %s key %q: %v", deviceID, key, err)
			continue
		}
		entries[key] = e
	}
	return entries, nil
}

// Evict implements LatestCache.
func (r *Redis) Evict(ctx context.Context, deviceID uuid.UUID) error {
	if err := r.client.Del(ctx, redisKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}
