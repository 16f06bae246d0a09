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

package controlplane

import "encoding/json"

// ConfigVersionData is the /config/version response payload.
type ConfigVersionData struct {
	Version    int64  `json:"version"`
	HasUpdate  bool   `json:"has_update"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// ConfigPayload is the /config response payload. The policy sections stay
// raw here; the gateway decodes them into its own snapshot types.
type ConfigPayload struct {
	Version         int64           `json:"version"`
	ServiceType     string          `json:"service_type"`
	LuaConfig       json.RawMessage `json:"lua_config"`
	RateLimitConfig json.RawMessage `json:"rate_limit_config"`
}

// RateLimitsData is the /rate-limits response payload.
type RateLimitsData struct {
	Rules        json.RawMessage `json:"rules"`
	Enforcements json.RawMessage `json:"enforcements"`
}

// HeartbeatRequest reports agent liveness and local state counters.
type HeartbeatRequest struct {
	AgentVersion         string                 `json:"agent_version"`
	CurrentConfigVersion int64                  `json:"current_config_version"`
	Status               string                 `json:"status"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
}

// QuotaCounter is one absolute usage counter uploaded during quota sync.
type QuotaCounter struct {
	Kind      string `json:"kind"` // req or bw
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
	Period    string `json:"period"`
	PeriodKey string `json:"period_key"`
	Count     int64  `json:"count"`
}

// RemainingEntry is one recomputed remaining capacity from the control
// plane, mirrored into the store with a short TTL.
type RemainingEntry struct {
	Kind      string `json:"kind"`
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
	Period    string `json:"period"`
	Remaining int64  `json:"remaining"`
}

// QuotaSyncData is the quota-sync response payload.
type QuotaSyncData struct {
	Remaining    []RemainingEntry `json:"remaining"`
	Enforcements json.RawMessage  `json:"enforcements"`
}
