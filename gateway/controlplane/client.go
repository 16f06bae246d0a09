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

// Package controlplane is the typed HTTP client for the central control
// plane. It owns authentication headers, deadlines, and the endpoint
// paths; callers deal only in request/response structs.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Deadline for every control-plane call.
const requestTimeout = 10 * time.Second

// Client talks to the central control plane on behalf of one slave.
type Client struct {
	// slaveBase is <admin>/api/v1/media-slave, telemetryBase is the
	// canonical <admin>/api/v1/slave/telemetry. The upstream source
	// reached the latter through a literal "/../" segment; the intended
	// base is encoded directly here.
	slaveBase     string
	telemetryBase string
	appToken      string
	userAgent     string
	httpClient    *http.Client
}

// New creates a client for the given admin base URL and app token.
func New(adminURL, appToken, agentVersion string) *Client {
	adminURL = strings.TrimRight(adminURL, "/")
	return &Client{
		slaveBase:     adminURL + "/api/v1/media-slave",
		telemetryBase: adminURL + "/api/v1/slave/telemetry",
		appToken:      appToken,
		userAgent:     "UHDSlave/" + agentVersion,
		httpClient:    &http.Client{Timeout: requestTimeout},
	}
}

// doJSON performs one authenticated exchange. A non-2xx status is an
// error; when out is non-nil the response body is decoded into it.
func (c *Client) doJSON(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "App "+c.appToken)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control plane unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("control plane returned %d for %s: %s", resp.StatusCode, url, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", url, err)
		}
	}
	return nil
}

// ConfigVersion polls the current remote config version.
func (c *Client) ConfigVersion(ctx context.Context) (*ConfigVersionData, error) {
	var envelope struct {
		Data ConfigVersionData `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.slaveBase+"/config/version", nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

// FetchConfig downloads the full config snapshot payload.
func (c *Client) FetchConfig(ctx context.Context) (*ConfigPayload, error) {
	var envelope struct {
		Data ConfigPayload `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.slaveBase+"/config", nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

// Ack confirms a snapshot was applied.
func (c *Client) Ack(ctx context.Context, snapshotID, status string) error {
	body := map[string]string{"snapshot_id": snapshotID, "status": status}
	return c.doJSON(ctx, http.MethodPost, c.slaveBase+"/ack", body, nil)
}

// Heartbeat reports liveness and local state counters.
func (c *Client) Heartbeat(ctx context.Context, hb *HeartbeatRequest) error {
	return c.doJSON(ctx, http.MethodPost, c.slaveBase+"/heartbeat", hb, nil)
}

// RateLimits refreshes rules and enforcements out-of-band.
func (c *Client) RateLimits(ctx context.Context) (*RateLimitsData, error) {
	var envelope struct {
		Data RateLimitsData `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.slaveBase+"/rate-limits", nil, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

// PostAccessLogs ships one access-log batch.
func (c *Client) PostAccessLogs(ctx context.Context, entries interface{}) error {
	body := map[string]interface{}{"entries": entries}
	return c.doJSON(ctx, http.MethodPost, c.telemetryBase+"/access-logs", body, nil)
}

// PostBlockedRequests ships one blocked-requests batch.
func (c *Client) PostBlockedRequests(ctx context.Context, entries interface{}) error {
	body := map[string]interface{}{"entries": entries}
	return c.doJSON(ctx, http.MethodPost, c.telemetryBase+"/blocked-requests", body, nil)
}

// PostLoginEvent reports one captured login.
func (c *Client) PostLoginEvent(ctx context.Context, event interface{}) error {
	return c.doJSON(ctx, http.MethodPost, c.telemetryBase+"/login", event, nil)
}

// QuotaSync uploads absolute counters and returns the recomputed remaining
// capacities plus the current enforcement set.
func (c *Client) QuotaSync(ctx context.Context, counters []QuotaCounter) (*QuotaSyncData, error) {
	body := map[string]interface{}{"counters": counters}
	var envelope struct {
		Data QuotaSyncData `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.telemetryBase+"/quota-sync", body, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

// RealtimeHeartbeat posts the current active-session snapshot. Empty
// snapshots are sent too, to clear stale central state.
func (c *Client) RealtimeHeartbeat(ctx context.Context, sessions interface{}) error {
	body := map[string]interface{}{"sessions": sessions}
	return c.doJSON(ctx, http.MethodPost, c.telemetryBase+"/realtime/heartbeat", body, nil)
}
