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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"uhdslave/platform/gateway/controlplane"
	"uhdslave/platform/store"
)

// Application readiness state for health checks. The health endpoint
// responds immediately while initialization happens.
var appReady atomic.Bool

// initServerImmediately starts the HTTP server with just /health so
// orchestration health checks pass during the potentially slow
// initialization phase (store connect, first config pull). All other
// routes are added after initialization completes; the server never shuts
// down, eliminating transition gaps.
func initServerImmediately(port string) *mux.Router {
	router := mux.NewRouter()

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	router.HandleFunc("/health", healthHandler).Methods("GET")

	go func() {
		handler := corsWrapper.Handler(router)
		log.Printf("🚀 UHDSlave gateway starting on port %s (status: starting)", port)
		if err := http.ListenAndServe(":"+port, handler); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Small delay so the listener accepts connections before init proceeds.
	time.Sleep(50 * time.Millisecond)
	return router
}

// healthHandler reports readiness-aware health.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "starting"
	if appReady.Load() {
		status = "healthy"
	}
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"service":   "uhdslave-gateway",
		"timestamp": time.Now().UTC(),
		"version":   AgentVersion,
	}); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}

// Run is the exported entry point for the gateway service. The upstream
// handler is the transport-layer reverse proxy supplied by the caller;
// the gateway wraps it with the access and log phases. Run blocks until
// SIGINT/SIGTERM and returns an error only on fatal bootstrap failure.
func Run(upstream http.Handler) error {
	settings, err := LoadSettings()
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	router := initServerImmediately(settings.Port)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.New(ctx, store.ConfigFromEnv())
	cancel()
	if err != nil {
		// Store authentication/connect failure on first use is fatal.
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	defer st.Close()

	configCache := NewConfigCache()
	telemetry := NewTelemetryQueue(0, 0)
	pipeline := NewPipeline(st, configCache, NewCounterCache(), telemetry)
	cp := controlplane.New(settings.AdminURL, settings.AppToken, AgentVersion)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/stats", statsHandler(configCache, telemetry)).Methods("GET")
	router.PathPrefix("/").Handler(pipeline.Middleware(upstream))

	// Exactly one worker owns the background agent; the rest run only the
	// inline pipeline.
	var agent *Agent
	if settings.WorkerID == 0 {
		agent = NewAgent(settings, st, cp, configCache, telemetry)
		agent.Start()
	} else {
		log.Printf("worker %d: agent loops owned by worker 0", settings.WorkerID)
	}

	appReady.Store(true)
	log.Printf("✅ UHDSlave gateway ready (worker %d, agent: %v)", settings.WorkerID, agent != nil)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down gateway...")
	if agent != nil {
		agent.Stop()
		flushOnShutdown(agent)
	}
	return nil
}

// flushOnShutdown gives buffered telemetry one bounded, best-effort
// delivery before exit. Whatever cannot be shipped in time is lost, the
// same as any other failed flush.
func flushOnShutdown(agent *Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := agent.flushTelemetry(ctx); err != nil {
		log.Printf("final telemetry flush incomplete: %v", err)
	}
}

// statsHandler exposes queue depths and the active config version.
func statsHandler(cfg *ConfigCache, telemetry *TelemetryQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"config_version": cfg.Version(),
			"telemetry":      telemetry.Stats(),
		}); err != nil {
			log.Printf("Error encoding stats response: %v", err)
		}
	}
}
