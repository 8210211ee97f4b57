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

// package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts MQTT connections accepted by the gateway
	// listener, successful or not.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myiot_connections_total",
		Help: "The total number of MQTT connections made to the gateway.",
	})

	// AuthRejectionsTotal counts rejected CONNECT attempts by reason.
	AuthRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "myiot_auth_rejections_total",
		Help: "The total number of rejected MQTT connection attempts.",
	},
		[]string{"reason"},
	)

	// MessagesRoutedTotal counts inbound publishes that reached a handler,
	// labelled by topic.
	MessagesRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "myiot_messages_routed_total",
		Help: "The total number of inbound messages dispatched to a handler.",
	},
		[]string{"topic"},
	)

	// MessagesDroppedTotal counts inbound publishes dropped before or during
	// handling, labelled by drop reason.
	MessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "myiot_messages_dropped_total",
		Help: "The total number of inbound messages dropped.",
	},
		[]string{"reason"},
	)

	// TelemetryPointsTotal counts durably written telemetry samples.
	TelemetryPointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myiot_telemetry_points_total",
		Help: "The total number of telemetry samples written to the durable store.",
	})

	// CacheFallbacksTotal counts latest-telemetry reads that fell back to
	// the durable store because the cache had no entries for the device.
	CacheFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myiot_cache_fallbacks_total",
		Help: "The total number of latest-value reads served from the durable store.",
	})

	// CacheErrorsTotal counts failed cache operations. Cache failures are
	// never fatal; this counter is how they stay visible.
	CacheErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "myiot_cache_errors_total",
		Help: "The total number of failed latest-value cache operations.",
	})
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
