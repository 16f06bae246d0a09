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
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentVersion is reported in heartbeats and the control-plane User-Agent.
const AgentVersion = "1.4.2"

// Settings is the bootstrap configuration of one gateway instance. An
// optional YAML file (UHDSLAVE_CONFIG_FILE) can pre-seed values; the
// environment always wins.
type Settings struct {
	AdminURL string `yaml:"admin_url"`
	AppToken string `yaml:"app_token"`

	Port     string `yaml:"port"`
	WorkerID int    `yaml:"worker_id"`

	ConfigPullInterval       time.Duration `yaml:"-"`
	TelemetryFlushInterval   time.Duration `yaml:"-"`
	QuotaSyncInterval        time.Duration `yaml:"-"`
	HeartbeatInterval        time.Duration `yaml:"-"`
	SessionHeartbeatInterval time.Duration `yaml:"-"`
	TokenResolveInterval     time.Duration `yaml:"-"`

	EmbyServerURL string `yaml:"emby_server_url"`
	EmbyAPIKey    string `yaml:"emby_api_key"`

	// Raw interval seconds from the YAML file; env overrides apply after.
	ConfigPullSeconds       int `yaml:"config_pull_interval"`
	TelemetryFlushSeconds   int `yaml:"telemetry_flush_interval"`
	QuotaSyncSeconds        int `yaml:"quota_sync_interval"`
	HeartbeatSeconds        int `yaml:"heartbeat_interval"`
	SessionHeartbeatSeconds int `yaml:"session_heartbeat_interval"`
	TokenResolveSeconds     int `yaml:"token_resolve_interval"`
}

// LoadSettings builds Settings from the optional YAML bootstrap file and
// the environment. Missing UHDADMIN_URL or APP_TOKEN is a fatal bootstrap
// error per the deployment contract.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		Port:                    "8097",
		ConfigPullSeconds:       30,
		TelemetryFlushSeconds:   60,
		QuotaSyncSeconds:        300,
		HeartbeatSeconds:        60,
		SessionHeartbeatSeconds: 30,
		TokenResolveSeconds:     30,
	}

	if path := os.Getenv("UHDSLAVE_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	s.AdminURL = getEnv("UHDADMIN_URL", s.AdminURL)
	s.AppToken = getEnv("APP_TOKEN", s.AppToken)
	s.Port = getEnv("PORT", s.Port)
	s.WorkerID = getEnvInt("WORKER_ID", s.WorkerID)
	s.EmbyServerURL = getEnv("EMBY_SERVER_URL", s.EmbyServerURL)
	s.EmbyAPIKey = getEnv("EMBY_API_KEY", s.EmbyAPIKey)

	s.ConfigPullSeconds = getEnvInt("CONFIG_PULL_INTERVAL", s.ConfigPullSeconds)
	s.TelemetryFlushSeconds = getEnvInt("TELEMETRY_FLUSH_INTERVAL", s.TelemetryFlushSeconds)
	s.QuotaSyncSeconds = getEnvInt("QUOTA_SYNC_INTERVAL", s.QuotaSyncSeconds)
	s.HeartbeatSeconds = getEnvInt("HEARTBEAT_INTERVAL", s.HeartbeatSeconds)
	s.SessionHeartbeatSeconds = getEnvInt("SESSION_HEARTBEAT_INTERVAL", s.SessionHeartbeatSeconds)
	s.TokenResolveSeconds = getEnvInt("TOKEN_RESOLVE_INTERVAL", s.TokenResolveSeconds)

	if s.AdminURL == "" {
		return nil, fmt.Errorf("UHDADMIN_URL is required")
	}
	if s.AppToken == "" {
		return nil, fmt.Errorf("APP_TOKEN is required")
	}

	s.ConfigPullInterval = time.Duration(s.ConfigPullSeconds) * time.Second
	s.TelemetryFlushInterval = time.Duration(s.TelemetryFlushSeconds) * time.Second
	s.QuotaSyncInterval = time.Duration(s.QuotaSyncSeconds) * time.Second
	s.HeartbeatInterval = time.Duration(s.HeartbeatSeconds) * time.Second
	s.SessionHeartbeatInterval = time.Duration(s.SessionHeartbeatSeconds) * time.Second
	s.TokenResolveInterval = time.Duration(s.TokenResolveSeconds) * time.Second

	return s, nil
}

// TokenResolveEnabled reports whether the optional upstream session polling
// loop has the credentials it needs.
func (s *Settings) TokenResolveEnabled() bool {
	return s.EmbyServerURL != "" && s.EmbyAPIKey != ""
}

// getEnv returns the environment value or a fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt returns an integer environment value or a fallback
func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
