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
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"uhdslave/platform/store"
)

// =============================================================================
// Header and query extraction
// =============================================================================

// Clients embed identity attributes in several places: the MediaBrowser
// authorization header (quoted key="value" pairs), dedicated X-Emby-*
// headers, query parameters, and the User-Agent. For each field the sources
// are tried in a fixed order and the first non-empty value wins.

var (
	authPairRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

	uaVersion3Re = regexp.MustCompile(`(\d+\.\d+\.\d+)`)
	uaVersion2Re = regexp.MustCompile(`(\d+\.\d+)`)
)

// authHeaderFields parses the quoted pairs of a MediaBrowser-style
// authorization header value into a lowercase-keyed map.
func authHeaderFields(header string) map[string]string {
	if header == "" {
		return nil
	}
	fields := make(map[string]string)
	for _, m := range authPairRe.FindAllStringSubmatch(header, -1) {
		fields[strings.ToLower(m[1])] = m[2]
	}
	return fields
}

// ExtractFingerprint builds the identity tuple for one request from
// headers, query parameters, and the User-Agent.
func ExtractFingerprint(r *http.Request) *Fingerprint {
	embyAuth := authHeaderFields(r.Header.Get("X-Emby-Authorization"))
	stdAuth := authHeaderFields(r.Header.Get("Authorization"))
	query := r.URL.Query()
	ua := r.Header.Get("User-Agent")

	fromAuth := func(key string) string {
		if v := embyAuth[key]; v != "" {
			return v
		}
		return stdAuth[key]
	}
	firstNonEmpty := func(vals ...string) string {
		for _, v := range vals {
			if v != "" {
				return v
			}
		}
		return ""
	}

	fp := &Fingerprint{
		ClientIP:  clientIP(r),
		URI:       r.URL.RequestURI(),
		Method:    r.Method,
		UserAgent: ua,
	}

	fp.ClientName = firstNonEmpty(
		fromAuth("client"),
		r.Header.Get("X-Emby-Client"),
		query.Get("X-Emby-Client"),
		uaClientName(ua),
	)
	fp.ClientVersion = firstNonEmpty(
		fromAuth("version"),
		r.Header.Get("X-Emby-Client-Version"),
		query.Get("X-Emby-Client-Version"),
		uaClientVersion(ua),
	)
	fp.DeviceID = firstNonEmpty(
		fromAuth("deviceid"),
		query.Get("DeviceId"),
		query.Get("deviceId"),
	)
	fp.DeviceName = fromAuth("device")
	fp.UserID = firstNonEmpty(
		fromAuth("userid"),
		query.Get("UserId"),
		query.Get("userId"),
	)
	fp.Token = firstNonEmpty(
		r.Header.Get("X-Emby-Token"),
		fromAuth("token"),
		query.Get("X-Emby-Token"),
		query.Get("api_key"),
	)
	fp.PlaySessionID = firstNonEmpty(
		query.Get("PlaySessionId"),
		query.Get("playSessionId"),
	)

	return fp
}

// uaClientName is the User-Agent product name before the first "/".
func uaClientName(ua string) string {
	if ua == "" {
		return ""
	}
	if i := strings.IndexByte(ua, '/'); i > 0 {
		return ua[:i]
	}
	return ""
}

// uaClientVersion extracts a numeric version from the User-Agent,
// preferring the three-component form.
func uaClientVersion(ua string) string {
	if m := uaVersion3Re.FindString(ua); m != "" {
		return m
	}
	return uaVersion2Re.FindString(ua)
}

// clientIP resolves the originating address, honoring the proxy headers the
// transport layer sets.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// =============================================================================
// Version comparison
// =============================================================================

var versionTokenRe = regexp.MustCompile(`\d+`)

// VersionSufficient reports whether current satisfies required. Versions
// are compared as sequences of decimal components; non-digit characters
// are separators, the shorter sequence is zero-padded, and comparison is
// element-wise numeric ("1.10.0" >= "1.9.9"). Missing inputs are never
// sufficient.
func VersionSufficient(current, required string) bool {
	if current == "" || required == "" {
		return false
	}
	cur := versionTokenRe.FindAllString(current, -1)
	req := versionTokenRe.FindAllString(required, -1)
	if len(cur) == 0 || len(req) == 0 {
		return false
	}

	n := len(cur)
	if len(req) > n {
		n = len(req)
	}
	for i := 0; i < n; i++ {
		c, r := 0, 0
		if i < len(cur) {
			c, _ = strconv.Atoi(cur[i])
		}
		if i < len(req) {
			r, _ = strconv.Atoi(req[i])
		}
		if c != r {
			return c > r
		}
	}
	return true
}

// =============================================================================
// Identity back-fill
// =============================================================================

// ResolveIdentity back-fills missing fingerprint fields from learned state:
// first the token mapping, then the device-to-user fallback. Store errors
// leave the fingerprint as-is; the pipeline never fails on resolution.
func (p *Pipeline) ResolveIdentity(ctx context.Context, fp *Fingerprint) {
	if fp.Token != "" {
		key := store.TokenMapKey(fp.Token)
		if fp.UserID == "" {
			var rec TokenRecord
			found, err := p.Store.GetJSON(ctx, key, &rec)
			if err != nil {
				p.log.ErrorWithErr("token map lookup failed", err, map[string]interface{}{"uri": fp.URI})
			} else if found && rec.UserID != "" {
				fp.UserID = rec.UserID
				if fp.DeviceID == "" {
					fp.DeviceID = rec.DeviceID
				}
				if fp.DeviceName == "" {
					fp.DeviceName = rec.DeviceName
				}
				if fp.ClientName == "" {
					fp.ClientName = rec.ClientName
				}
				if _, err := p.Store.Expire(ctx, key, store.TokenMapTTL); err != nil {
					p.log.ErrorWithErr("token map TTL refresh failed", err, nil)
				}
			}
		} else {
			// Known user carrying a token keeps the binding alive.
			if _, err := p.Store.Expire(ctx, key, store.TokenMapTTL); err != nil {
				p.log.ErrorWithErr("token map TTL refresh failed", err, nil)
			}
		}
	}

	if fp.UserID == "" && fp.DeviceID != "" {
		var rec DeviceUserRecord
		found, err := p.Store.GetJSON(ctx, store.DeviceUserKey(fp.DeviceID), &rec)
		if err != nil {
			p.log.ErrorWithErr("device user lookup failed", err, map[string]interface{}{"device_id": fp.DeviceID})
		} else if found && rec.UserID != "" {
			fp.UserID = rec.UserID
			if fp.DeviceName == "" {
				fp.DeviceName = rec.DeviceName
			}
		}
	}
}
