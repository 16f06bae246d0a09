// Copyright 2025 UHDSlave
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

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uhdslave_requests_total",
			Help: "Total number of requests evaluated by the access pipeline",
		},
		[]string{"decision"},
	)
	promBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uhdslave_blocked_requests_total",
			Help: "Total number of denied requests by reason",
		},
		[]string{"reason"},
	)
	promPipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "uhdslave_pipeline_duration_milliseconds",
			Help:    "Access pipeline evaluation time in milliseconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 50, 100},
		},
	)
	promTelemetryDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uhdslave_telemetry_dropped_total",
			Help: "Telemetry entries lost to failed flushes",
		},
	)
	promLoopErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uhdslave_agent_loop_errors_total",
			Help: "Background loop iterations that ended in an error",
		},
		[]string{"loop"},
	)
	promActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "uhdslave_active_sessions",
			Help: "Active playback sessions observed at the last heartbeat scan",
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promBlockedTotal)
	prometheus.MustRegister(promPipelineDuration)
	prometheus.MustRegister(promTelemetryDropped)
	prometheus.MustRegister(promLoopErrors)
	prometheus.MustRegister(promActiveSessions)
}
