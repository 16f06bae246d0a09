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
	"net/http/httptest"
	"testing"
	"time"

	"uhdslave/platform/store"
)

func TestPipelineAllowsWithoutSnapshot(t *testing.T) {
	p, _ := newTestPipeline(t)
	r := httptest.NewRequest("GET", "/Videos/abc/stream", nil)

	d, fp := p.Evaluate(r.Context(), r)
	if !d.Allow {
		t.Fatal("cold start must allow through")
	}
	if fp == nil || fp.URI != "/Videos/abc/stream" {
		t.Errorf("fingerprint = %+v", fp)
	}
}

func TestPipelineURISkipBypassesBlock(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{
		URISkipRules:  []URIRule{{Pattern: "/web/", MatchType: MatchPrefix}},
		URIBlockRules: []URIRule{{Pattern: "/web/", MatchType: MatchPrefix}},
	}})

	r := httptest.NewRequest("GET", "/web/index.html", nil)
	d, _ := p.Evaluate(r.Context(), r)
	if !d.Allow {
		t.Error("skip rule did not bypass the block list")
	}
}

func TestPipelineURIBlock(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{
		URIBlockRules:  []URIRule{{Pattern: `/Items/\w+/Delete`, MatchType: MatchRegex}},
		BlockedMessage: "denied by policy",
	}})

	r := httptest.NewRequest("POST", "/Items/abc/Delete", nil)
	d, _ := p.Evaluate(r.Context(), r)
	if d.Allow {
		t.Fatal("block rule ignored")
	}
	if d.Status != http.StatusForbidden || d.Reason != ReasonURIBlocked {
		t.Errorf("decision = %+v", d)
	}
	if string(d.Body) != "denied by policy" {
		t.Errorf("body = %q", d.Body)
	}

	blocked := p.Telemetry.DrainBlocked(10)
	if len(blocked) != 1 || blocked[0].Reason != ReasonURIBlocked || blocked[0].Pattern == "" {
		t.Errorf("blocked log = %+v", blocked)
	}
}

func TestPipelineEnforcementReject(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{}})
	ctx := context.Background()

	directive := Enforcement{
		Dimension: store.DimIP, DimensionValue: "192.0.2.1",
		Action: ActionReject, Reason: "abuse detected",
	}
	if err := p.Store.SetJSON(ctx, store.EnforceKey(store.DimIP, "192.0.2.1"), directive, time.Minute); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/Videos/x/stream", nil)
	r.Header.Set("X-Real-IP", "192.0.2.1")
	d, _ := p.Evaluate(r.Context(), r)
	if d.Allow {
		t.Fatal("enforcement reject ignored")
	}
	if d.Status != http.StatusForbidden || d.Reason != ReasonEnforcementReject {
		t.Errorf("decision = %+v", d)
	}
	if string(d.Body) != "abuse detected" {
		t.Errorf("body = %q, want the directive reason", d.Body)
	}
}

func TestPipelineEnforcementThrottle(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{}})
	ctx := context.Background()

	directive := Enforcement{
		Dimension: store.DimIP, DimensionValue: "192.0.2.2",
		Action: ActionThrottle, ThrottleRateBPS: 1048576,
	}
	if err := p.Store.SetJSON(ctx, store.EnforceKey(store.DimIP, "192.0.2.2"), directive, time.Minute); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/Videos/x/stream", nil)
	r.Header.Set("X-Real-IP", "192.0.2.2")
	d, _ := p.Evaluate(r.Context(), r)
	if !d.Allow {
		t.Fatal("throttle directive must not deny")
	}
	if d.ThrottleRateBPS != 1048576 {
		t.Errorf("throttle_rate_bps = %d", d.ThrottleRateBPS)
	}
}

func TestPipelineQuotaExhausted(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{}})
	ctx := context.Background()

	if err := p.Store.SetEX(ctx, store.RemainKey(store.QuotaRequests, store.DimIP, "192.0.2.3", store.PeriodDaily), "0", time.Minute); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/Videos/x/stream", nil)
	r.Header.Set("X-Real-IP", "192.0.2.3")
	d, _ := p.Evaluate(r.Context(), r)
	if d.Allow {
		t.Fatal("exhausted quota allowed")
	}
	if d.Status != http.StatusTooManyRequests || d.Reason != ReasonQuotaExhausted {
		t.Errorf("decision = %+v", d)
	}
}

func TestPipelineQuotaMinimumAcrossPeriods(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{}})
	ctx := context.Background()

	// Daily headroom remains but the monthly mirror is negative: the
	// per-axis minimum decides.
	p.Store.SetEX(ctx, store.RemainKey(store.QuotaRequests, store.DimIP, "192.0.2.4", store.PeriodDaily), "50", time.Minute)
	p.Store.SetEX(ctx, store.RemainKey(store.QuotaRequests, store.DimIP, "192.0.2.4", store.PeriodMonthly), "-3", time.Minute)

	r := httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Real-IP", "192.0.2.4")
	if d, _ := p.Evaluate(r.Context(), r); d.Allow {
		t.Error("negative monthly mirror must deny")
	}
}

func TestPipelineNoQuotaConfiguredAllows(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{}})

	r := httptest.NewRequest("GET", "/x", nil)
	if d, _ := p.Evaluate(r.Context(), r); !d.Allow {
		t.Error("absent remaining mirrors must allow")
	}
}

// Scenario: first stream admitted, session record written with the session
// TTL; a third concurrent stream for the same user is rejected.
func TestPipelineConcurrentStreamGate(t *testing.T) {
	p, mr := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{MaxStreams: 2}})
	ctx := context.Background()

	rec := TokenRecord{UserID: "U"}
	if err := p.Store.SetJSON(ctx, store.TokenMapKey("T"), rec, time.Hour); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "/Videos/abc/stream?PlaySessionId=P1&api_key=T", nil)
	d, fp := p.Evaluate(r.Context(), r)
	if !d.Allow {
		t.Fatalf("first stream denied: %+v", d)
	}
	if fp.UserID != "U" {
		t.Fatalf("token back-fill failed: %+v", fp)
	}

	key := store.ActiveSessionKey("U", "P1")
	if !mr.Exists(key) {
		t.Fatal("session record not written")
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > store.ActiveSessionTTL {
		t.Errorf("session TTL = %v, want ≈90s", ttl)
	}

	// Continuation of the same session never re-counts.
	if d, _ := p.Evaluate(r.Context(), r); !d.Allow {
		t.Error("continuation request denied")
	}

	// A second session fills the cap; a third play session is rejected.
	p.Store.SetJSON(ctx, store.ActiveSessionKey("U", "P2"), SessionRecord{}, time.Minute)
	r3 := httptest.NewRequest("GET", "/Videos/abc/stream?PlaySessionId=P3&api_key=T", nil)
	d3, _ := p.Evaluate(r3.Context(), r3)
	if d3.Allow {
		t.Fatal("stream beyond max_streams admitted")
	}
	if d3.Status != http.StatusTooManyRequests || d3.Reason != ReasonConcurrentStreams {
		t.Errorf("decision = %+v", d3)
	}

	blocked := p.Telemetry.DrainBlocked(10)
	if len(blocked) != 1 || blocked[0].Reason != ReasonConcurrentStreams {
		t.Errorf("blocked log = %+v", blocked)
	}
}

func TestPipelineWhitelistDeny(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{
		ClientWhitelist: []string{"Infuse", "Emby Web"},
	}})

	r := httptest.NewRequest("GET", "/anything", nil)
	r.Header.Set("User-Agent", "BadClient/1.0")
	d, _ := p.Evaluate(r.Context(), r)
	if d.Allow {
		t.Fatal("non-whitelisted client allowed")
	}
	if d.Status != http.StatusForbidden || d.Reason != ReasonNotWhitelisted {
		t.Errorf("decision = %+v", d)
	}
}

// Scenario: Infuse 7.8.1 against a 7.9.0 floor gets the localized upgrade
// message.
func TestPipelineMinVersionDeny(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{
		ClientWhitelist: []string{"Infuse"},
		MinVersions:     map[string]string{"Infuse": "7.9.0"},
	}})

	r := httptest.NewRequest("GET", "/anything", nil)
	r.Header.Set("User-Agent", "Infuse/7.8.1 CFNetwork")
	d, _ := p.Evaluate(r.Context(), r)
	if d.Allow {
		t.Fatal("outdated client allowed")
	}
	if d.Reason != ReasonVersionTooOld {
		t.Errorf("reason = %q", d.Reason)
	}
	want := "请使用 Infuse 7.9.0 或更高版本进行访问"
	if string(d.Body) != want {
		t.Errorf("body = %q, want %q", d.Body, want)
	}

	blocked := p.Telemetry.DrainBlocked(10)
	if len(blocked) != 1 || blocked[0].Reason != ReasonVersionTooOld {
		t.Errorf("blocked log = %+v", blocked)
	}
}

func TestPipelineMinVersionMissingVersionDenies(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{
		ClientWhitelist: []string{"Infuse"},
		MinVersions:     map[string]string{"Infuse": "7.9.0"},
	}})

	r := httptest.NewRequest("GET", "/anything", nil)
	r.Header.Set("X-Emby-Client", "Infuse")
	if d, _ := p.Evaluate(r.Context(), r); d.Allow {
		t.Error("client with unknown version allowed past a version floor")
	}
}

func TestPipelineMinVersionSufficientAllows(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{
		ClientWhitelist: []string{"Infuse"},
		MinVersions:     map[string]string{"Infuse": "7.9.0"},
	}})

	r := httptest.NewRequest("GET", "/anything", nil)
	r.Header.Set("User-Agent", "Infuse/7.10.1 CFNetwork")
	if d, _ := p.Evaluate(r.Context(), r); !d.Allow {
		t.Error("sufficient version denied")
	}
}

// Scenario: counts interception renders every field with the configured
// value and never reaches the upstream.
func TestPipelineFakeCounts(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{
		FakeCountsEnabled: true,
		FakeCountsValue:   42,
	}})

	r := httptest.NewRequest("GET", "/Items/Counts", nil)
	d, _ := p.Evaluate(r.Context(), r)
	if d.Allow || !d.Intercepted {
		t.Fatalf("counts URI not intercepted: %+v", d)
	}
	if d.Status != http.StatusOK || d.ContentType != "application/json" {
		t.Errorf("decision = %+v", d)
	}

	var counts map[string]int
	if err := json.Unmarshal(d.Body, &counts); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if len(counts) == 0 {
		t.Fatal("empty counts document")
	}
	for field, v := range counts {
		if v != 42 {
			t.Errorf("%s = %d, want 42", field, v)
		}
	}
}

func TestPipelineFakeCountsUserScopedURI(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{FakeCountsEnabled: true}})

	r := httptest.NewRequest("GET", "/Users/u-1/Items/Counts", nil)
	d, _ := p.Evaluate(r.Context(), r)
	if !d.Intercepted {
		t.Fatal("user-scoped counts URI not intercepted")
	}

	var counts map[string]int
	if err := json.Unmarshal(d.Body, &counts); err != nil {
		t.Fatal(err)
	}
	if counts["MovieCount"] != DefaultFakeCountsValue {
		t.Errorf("default value = %d, want %d", counts["MovieCount"], DefaultFakeCountsValue)
	}
}

func TestPipelineFakeCountsDisabled(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{}})

	r := httptest.NewRequest("GET", "/Items/Counts", nil)
	if d, _ := p.Evaluate(r.Context(), r); !d.Allow {
		t.Error("counts URI denied with interception disabled")
	}
}

// Scenario: after the burst is consumed, excess requests in the same
// second receive 429 until the bucket refills.
func TestPipelineRateLimitDeny(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{
		Lua: &LuaConfig{},
		RateLimit: &RateLimitConfig{Rules: []RateLimitRule{{
			ID: "r1", ApplyTo: store.DimIP, ApplyValue: "*",
			RatePerSecond: 10, RateBurst: 10, OverAction: ActionReject,
		}}},
	})

	r := httptest.NewRequest("GET", "/Videos/x/stream", nil)
	r.Header.Set("X-Real-IP", "198.51.100.9")

	for i := 0; i < 10; i++ {
		if d, _ := p.Evaluate(r.Context(), r); !d.Allow {
			t.Fatalf("request %d denied inside burst", i+1)
		}
	}
	d, _ := p.Evaluate(r.Context(), r)
	if d.Allow || d.Status != http.StatusTooManyRequests || d.Reason != ReasonRateLimitRPS {
		t.Errorf("decision = %+v, want rps 429", d)
	}

	blocked := p.Telemetry.DrainBlocked(20)
	if len(blocked) != 1 || blocked[0].Reason != ReasonRateLimitRPS || blocked[0].RuleID != "r1" {
		t.Errorf("blocked log = %+v", blocked)
	}
}

func TestPipelineStageOrderBlockBeforeEnforcement(t *testing.T) {
	p, _ := newTestPipeline(t)
	installSnapshot(t, p, &Snapshot{Lua: &LuaConfig{
		URIBlockRules: []URIRule{{Pattern: "/blocked", MatchType: MatchPrefix}},
	}})
	ctx := context.Background()

	// Both stage 2 and stage 4 would deny; only the earlier stage's
	// reason may appear.
	directive := Enforcement{Dimension: store.DimIP, DimensionValue: "192.0.2.9", Action: ActionReject}
	p.Store.SetJSON(ctx, store.EnforceKey(store.DimIP, "192.0.2.9"), directive, time.Minute)

	r := httptest.NewRequest("GET", "/blocked/path", nil)
	r.Header.Set("X-Real-IP", "192.0.2.9")
	d, _ := p.Evaluate(r.Context(), r)
	if d.Reason != ReasonURIBlocked {
		t.Errorf("reason = %q, want stage 2 to win", d.Reason)
	}
	if entries := p.Telemetry.DrainBlocked(10); len(entries) != 1 {
		t.Errorf("exactly one denial must be recorded, got %d", len(entries))
	}
}
