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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"uhdslave/platform/store"
)

func TestMiddlewareForwardsAndRecords(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{}})

	var seenFP *Fingerprint
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenFP = FingerprintFrom(r.Context())
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 2048))
	})

	handler := p.Middleware(upstream)
	r := httptest.NewRequest("GET", "/Videos/abc/stream", nil)
	r.Header.Set("X-Real-IP", "203.0.113.1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusPartialContent {
		t.Errorf("status = %d", w.Code)
	}
	if seenFP == nil || seenFP.ClientIP != "203.0.113.1" {
		t.Errorf("fingerprint not in upstream context: %+v", seenFP)
	}

	entries := p.Telemetry.DrainAccess(10)
	if len(entries) != 1 {
		t.Fatalf("access entries = %d", len(entries))
	}
	if entries[0].Status != http.StatusPartialContent || entries[0].BytesSent != 2048 {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestMiddlewareDenialHeaders(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{
		URIBlockRules: []URIRule{{Pattern: "/blocked", MatchType: MatchPrefix}},
	}})

	upstreamCalled := false
	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
	}))

	r := httptest.NewRequest("GET", "/blocked/thing", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if upstreamCalled {
		t.Error("denied request reached upstream")
	}
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d", w.Code)
	}
	if got := w.Header().Get("X-DetailPreload-Bytes"); got != "-1" {
		t.Errorf("X-DetailPreload-Bytes = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store, no-cache, must-revalidate" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := w.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Errorf("Content-Type = %q", got)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
}

func TestMiddlewareFakeCountsSkipsUpstream(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{FakeCountsEnabled: true, FakeCountsValue: 7}})

	upstreamCalled := false
	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
	}))

	r := httptest.NewRequest("GET", "/Items/Counts", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if upstreamCalled {
		t.Error("intercepted request reached upstream")
	}
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("response = %d %q", w.Code, w.Header().Get("Content-Type"))
	}
}

// Scenario: a successful login passing through the middleware is learned
// and the response bytes are untouched.
func TestMiddlewareLoginCapture(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{}})
	ctx := context.Background()

	respBody := `{"AccessToken":"T2","User":{"Id":"U2","Name":"alice"}}`
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respBody))
	})

	handler := p.Middleware(upstream)
	r := httptest.NewRequest("POST", "/Users/AuthenticateByName", nil)
	r.Header.Set("X-Emby-Authorization", `MediaBrowser DeviceId="D2", Device="iPhone"`)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Body.String() != respBody {
		t.Errorf("response body altered: %q", w.Body.String())
	}

	var rec TokenRecord
	found, err := p.Store.GetJSON(ctx, store.TokenMapKey("T2"), &rec)
	if err != nil || !found {
		t.Fatalf("token not learned: found=%v err=%v", found, err)
	}
	if rec.UserID != "U2" || rec.DeviceID != "D2" || rec.DeviceName != "iPhone" {
		t.Errorf("record = %+v", rec)
	}
}

func TestMiddlewareLoginCaptureSkipsFailures(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{}})
	ctx := context.Background()

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"AccessToken":"T9","User":{"Id":"U9"}}`))
	})

	handler := p.Middleware(upstream)
	r := httptest.NewRequest("POST", "/Users/AuthenticateByName", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	keys, _ := p.Store.ScanPattern(ctx, "token_map:*", 10)
	if len(keys) != 0 {
		t.Errorf("failed login learned a token: %v", keys)
	}
}

func TestMiddlewareThrottleRateInContext(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{}})
	ctx := context.Background()

	directive := Enforcement{
		Dimension: store.DimIP, DimensionValue: "203.0.113.2",
		Action: ActionThrottle, ThrottleRateBPS: 256000,
	}
	p.Store.SetJSON(ctx, store.EnforceKey(store.DimIP, "203.0.113.2"), directive, time.Minute)

	var seen int64
	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ThrottleRateFrom(r.Context())
	}))

	r := httptest.NewRequest("GET", "/Videos/x/stream", nil)
	r.Header.Set("X-Real-IP", "203.0.113.2")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if seen != 256000 {
		t.Errorf("throttle rate in context = %d, want 256000", seen)
	}
}
