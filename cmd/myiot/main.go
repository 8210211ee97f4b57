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

// package main is the entrypoint for the MyIOT ingestion service.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/psxbox/myiot-go/pkg/api"
	"github.com/psxbox/myiot-go/pkg/attributes"
	"github.com/psxbox/myiot-go/pkg/auth"
	"github.com/psxbox/myiot-go/pkg/cache"
	"github.com/psxbox/myiot-go/pkg/config"
	"github.com/psxbox/myiot-go/pkg/device"
	"github.com/psxbox/myiot-go/pkg/gateway"
	"github.com/psxbox/myiot-go/pkg/metrics"
	"github.com/psxbox/myiot-go/pkg/router"
	"github.com/psxbox/myiot-go/pkg/session"
	"github.com/psxbox/myiot-go/pkg/storage"
	"github.com/psxbox/myiot-go/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (.yaml or .json)")
	flag.Parse()

	log.Println("Starting MyIOT ingestion service...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Durable store ---
	db, err := storage.Open(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("Failed to open durable store: %v", err)
	}
	defer db.Close()
	if err := storage.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	// --- Latest-value cache ---
	var latest cache.LatestCache
	switch cfg.Cache.Backend {
	case config.CacheBackendRedis:
		latest, err = cache.NewRedis(ctx, cfg.Cache.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Printf("[INFO] Latest-value cache: redis (%s)", cfg.Cache.Redis.Addr)
	default:
		latest = cache.NewMemory()
		log.Println("[INFO] Latest-value cache: in-memory")
	}

	// --- Core pipeline ---
	devices := device.NewSQLStore(db)
	telemetrySvc := telemetry.NewService(telemetry.NewSQLStore(db), latest)
	attributeSvc := attributes.NewService(attributes.NewSQLStore(db))

	registry := session.NewRegistry()
	defer registry.Clear()
	authenticator := auth.New(devices, registry)
	msgRouter := router.New(registry, telemetrySvc, attributeSvc)
	gw := gateway.New(authenticator, msgRouter, registry)

	go func() {
		if err := gw.StartServer(ctx, cfg.Server.MQTTAddr); err != nil {
			log.Fatalf("MQTT gateway failed: %v", err)
		}
	}()

	// --- HTTP API ---
	apiServer := api.NewServer(devices, telemetrySvc, attributeSvc)
	go func() {
		if err := apiServer.ListenAndServe(cfg.Server.HTTPAddr); err != nil {
			log.Fatalf("HTTP API failed: %v", err)
		}
	}()

	// --- Metrics ---
	go metrics.Serve(cfg.Server.MetricsAddr)

	// --- Wait for shutdown signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("Shutdown signal received. Shutting down...")
}
