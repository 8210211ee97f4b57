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

// Package config provides configuration management for the service: listen
// addresses, PostgreSQL settings and the latest-value cache backend.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/psxbox/myiot-go/pkg/cache"
	"github.com/psxbox/myiot-go/pkg/storage"
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	MQTTAddr    string `yaml:"mqtt_addr" json:"mqtt_addr"`
	HTTPAddr    string `yaml:"http_addr" json:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// CacheConfig selects and configures the latest-value cache backend.
type CacheConfig struct {
	Backend string            `yaml:"backend" json:"backend"`
	Redis   cache.RedisConfig `yaml:"redis" json:"redis"`
}

// Config holds the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Postgres storage.Config `yaml:"postgres" json:"postgres"`
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
}

// DefaultConfig returns a configuration suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			MQTTAddr:    ":1883",
			HTTPAddr:    ":8080",
			MetricsAddr: ":8082",
		},
		Postgres: storage.Config{
			Host:            "localhost",
			Port:            5432,
			Username:        "postgres",
			Password:        "",
			Database:        "myiot",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 1 * time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Cache: CacheConfig{
			Backend: CacheBackendMemory,
			Redis: cache.RedisConfig{
				Addr:     "localhost:6379",
				Database: 0,
				PoolSize: 10,
			},
		},
	}
}

// LoadConfig loads configuration from a file. An empty path yields the
// default configuration.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Server.MQTTAddr == "" {
		return fmt.Errorf("mqtt_addr cannot be empty")
	}
	if config.Server.HTTPAddr == "" {
		return fmt.Errorf("http_addr cannot be empty")
	}

	if config.Postgres.Host == "" {
		return fmt.Errorf("postgres host cannot be empty")
	}
	if config.Postgres.Database == "" {
		return fmt.Errorf("postgres database cannot be empty")
	}
	if config.Postgres.Username == "" {
		return fmt.Errorf("postgres username cannot be empty")
	}

	switch config.Cache.Backend {
	case CacheBackendMemory:
		// Nothing to validate.
	case CacheBackendRedis:
		if config.Cache.Redis.Addr == "" {
			return fmt.Errorf("redis addr cannot be empty")
		}
	default:
		return fmt.Errorf("unsupported cache backend: %s (supported: %s, %s)",
			config.Cache.Backend, CacheBackendMemory, CacheBackendRedis)
	}

	return nil
}
