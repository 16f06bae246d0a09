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
	"net/http"
	"strings"
	"time"
)

// upstreamClient serves the optional token-resolve loop with a tighter
// deadline than control-plane calls; the media server is on the local
// network and either answers fast or not at all.
var upstreamClient = &http.Client{Timeout: 5 * time.Second}

// upstreamSession is the slice of the media server's session document the
// resolver cares about.
type upstreamSession struct {
	UserID             string `json:"UserId"`
	UserName           string `json:"UserName"`
	DeviceID           string `json:"DeviceId"`
	DeviceName         string `json:"DeviceName"`
	Client             string `json:"Client"`
	ApplicationVersion string `json:"ApplicationVersion"`
}

// fetchUpstreamSessions lists the media server's current sessions using
// the configured API key.
func fetchUpstreamSessions(ctx context.Context, baseURL, apiKey string) ([]upstreamSession, error) {
	url := strings.TrimRight(baseURL, "/") + "/emby/Sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build sessions request: %w", err)
	}
	req.Header.Set("X-Emby-Token", apiKey)

	resp, err := upstreamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media server returned %d for /emby/Sessions", resp.StatusCode)
	}

	var sessions []upstreamSession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions response: %w", err)
	}
	return sessions, nil
}
