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
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"uhdslave/platform/store"
)

var loginPathRe = regexp.MustCompile(`(?i)/Users/(AuthenticateByName|AuthenticateWithQuickConnect)$`)

// isLoginRequest reports whether a request is an authentication attempt
// whose response carries a fresh access token.
func isLoginRequest(r *http.Request) bool {
	return r.Method == http.MethodPost && loginPathRe.MatchString(r.URL.Path)
}

// authResponse is the slice of the upstream authentication response the
// gateway learns from. Unknown fields pass through untouched — the
// response bytes themselves are never modified.
type authResponse struct {
	AccessToken string `json:"AccessToken"`
	User        struct {
		ID     string `json:"Id"`
		Name   string `json:"Name"`
		Policy struct {
			IsAdministrator bool `json:"IsAdministrator"`
		} `json:"Policy"`
	} `json:"User"`
	SessionInfo struct {
		DeviceID           string `json:"DeviceId"`
		DeviceName         string `json:"DeviceName"`
		Client             string `json:"Client"`
		ApplicationVersion string `json:"ApplicationVersion"`
		RemoteEndPoint     string `json:"RemoteEndPoint"`
	} `json:"SessionInfo"`
}

// CaptureLogin decodes a successful authentication response body, merges
// it with the request-side identity, and persists both the token mapping
// and a queued login report. Malformed bodies are logged and ignored.
func (p *Pipeline) CaptureLogin(ctx context.Context, fp *Fingerprint, body []byte) {
	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		p.log.Warn("unparseable login response body", map[string]interface{}{
			"uri": fp.URI, "bytes": len(body),
		})
		return
	}
	if resp.AccessToken == "" || resp.User.ID == "" {
		p.log.Warn("login response missing token or user", map[string]interface{}{"uri": fp.URI})
		return
	}

	// Response-side session info wins over header-derived identity; the
	// headers fill whatever the response omitted.
	rec := TokenRecord{
		UserID:        resp.User.ID,
		Username:      resp.User.Name,
		DeviceID:      firstOf(resp.SessionInfo.DeviceID, fp.DeviceID),
		DeviceName:    firstOf(resp.SessionInfo.DeviceName, fp.DeviceName),
		ClientName:    firstOf(resp.SessionInfo.Client, fp.ClientName),
		ClientVersion: firstOf(resp.SessionInfo.ApplicationVersion, fp.ClientVersion),
		ClientIP:      fp.ClientIP,
		LoginTime:     nowFunc(),
		IsAdmin:       resp.User.Policy.IsAdministrator,
	}

	if err := p.Store.SetJSON(ctx, store.TokenMapKey(resp.AccessToken), rec, store.TokenMapTTL); err != nil {
		p.log.ErrorWithErr("token map write failed", err, map[string]interface{}{"user_id": rec.UserID})
		return
	}

	report := TokenReport{
		EventType:     "login",
		EmbyUserID:    rec.UserID,
		EmbyUsername:  rec.Username,
		DeviceID:      rec.DeviceID,
		DeviceName:    rec.DeviceName,
		ClientName:    rec.ClientName,
		ClientVersion: rec.ClientVersion,
		ClientIP:      rec.ClientIP,
		Success:       true,
		Timestamp:     rec.LoginTime,
	}
	reportKey := store.TokenReportKey(rec.LoginTime, uuid.NewString()[:8])
	if err := p.Store.SetJSON(ctx, reportKey, report, store.TokenReportTTL); err != nil {
		p.log.ErrorWithErr("token report write failed", err, map[string]interface{}{"user_id": rec.UserID})
	}

	p.log.Debug("login captured", map[string]interface{}{
		"user_id": rec.UserID, "device_id": rec.DeviceID, "client": rec.ClientName,
	})
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
