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

// Package gateway implements the access-control core that sits in front of
// an Emby/Jellyfin-compatible upstream: the per-request policy pipeline,
// identity resolution, telemetry buffering, and the background agent that
// keeps local state synchronized with the central control plane.
package gateway

import (
	"context"
	"time"

	"uhdslave/platform/store"
)

// =============================================================================
// Request fingerprint
// =============================================================================

// Fingerprint is the identity tuple extracted from a single request.
// UserID and DeviceID may be back-filled by identity resolution after the
// initial header/query extraction.
type Fingerprint struct {
	RequestID     string `json:"request_id"`
	ClientIP      string `json:"client_ip"`
	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	DeviceName    string `json:"device_name,omitempty"`
	UserID        string `json:"user_id,omitempty"`
	Token         string `json:"token,omitempty"`
	PlaySessionID string `json:"play_session_id,omitempty"`
	URI           string `json:"uri"`
	Method        string `json:"method"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// Dimensions returns the (dimension, value) pairs present on this
// fingerprint, in evaluation order. Missing values are omitted.
func (f *Fingerprint) Dimensions() []DimensionValue {
	out := []DimensionValue{{store.DimIP, f.ClientIP}}
	if f.UserID != "" {
		out = append(out, DimensionValue{store.DimUser, f.UserID})
	}
	if f.DeviceID != "" {
		out = append(out, DimensionValue{store.DimDevice, f.DeviceID})
	}
	return out
}

// DimensionValue pairs an axis with the request's value for it.
type DimensionValue struct {
	Dim   store.Dimension
	Value string
}

// =============================================================================
// Decisions
// =============================================================================

// Denial reasons emitted to the blocked log.
const (
	ReasonURIBlocked        = "uri_blocked"
	ReasonEnforcementReject = "enforcement_reject"
	ReasonRateLimitRPS      = "rate_limit_rps"
	ReasonRateLimitRPM      = "rate_limit_rpm"
	ReasonQuotaExhausted    = "quota_exhausted"
	ReasonConcurrentStreams = "concurrent_stream_limit"
	ReasonNotWhitelisted    = "client_not_whitelisted"
	ReasonVersionTooOld     = "version_too_old"
)

// Decision is the outcome of the access pipeline for one request.
// Exactly one of Allow/deny applies; a throttle directive can accompany an
// allowed decision.
type Decision struct {
	Allow           bool
	Status          int
	Reason          string
	Message         string
	ContentType     string
	Body            []byte
	ThrottleRateBPS int64
	Intercepted     bool // response fully rendered by the gateway (fake counts)
}

// allowDecision is the zero-cost pass-through outcome.
func allowDecision() *Decision {
	return &Decision{Allow: true}
}

// =============================================================================
// Config snapshot
// =============================================================================

// Snapshot is the versioned policy bundle replaced atomically by the agent.
// Readers must treat the whole value as immutable.
type Snapshot struct {
	Version     int64            `json:"version"`
	ServiceType string           `json:"service_type"`
	Lua         *LuaConfig       `json:"lua_config"`
	RateLimit   *RateLimitConfig `json:"rate_limit_config"`
}

// LuaConfig carries the request-policy half of the snapshot. The name is
// the control plane's; the payload is plain JSON.
type LuaConfig struct {
	URISkipRules  []URIRule `json:"uri_skip_rules"`
	URIBlockRules []URIRule `json:"uri_block_rules"`

	BlockedMessage string `json:"blocked_message"`

	ClientWhitelist      []string          `json:"client_whitelist"`
	MinVersions          map[string]string `json:"min_versions"`
	WhitelistDenyMessage string            `json:"whitelist_deny_message"`

	MaxStreams         int    `json:"max_streams"`
	StreamLimitMessage string `json:"stream_limit_message"`

	QuotaExhaustedMessage string `json:"quota_exhausted_message"`

	FakeCountsEnabled bool `json:"fake_counts_enabled"`
	FakeCountsValue   int  `json:"fake_counts_value"`
}

// URIRule is one ordered entry of a skip or block list.
type URIRule struct {
	Pattern   string `json:"pattern"`
	MatchType string `json:"match_type"` // regex, prefix, exact
}

// RateLimitConfig carries the L1 rules plus the enforcement directive set.
type RateLimitConfig struct {
	Rules        []RateLimitRule `json:"rules"`
	Enforcements []Enforcement   `json:"enforcements"`
}

// RateLimitRule is evaluated in declaration order; all applicable rules are
// checked, not first-match.
type RateLimitRule struct {
	ID              string          `json:"id"`
	ApplyTo         store.Dimension `json:"apply_to"`    // ip, user, device, global
	ApplyValue      string          `json:"apply_value"` // literal, "*", or empty (wildcard)
	RatePerSecond   int             `json:"rate_per_second,omitempty"`
	RateBurst       int             `json:"rate_burst,omitempty"`
	RatePerMinute   int             `json:"rate_per_minute,omitempty"`
	OverAction      string          `json:"over_action"` // reject, throttle
	ThrottleRateBPS int64           `json:"throttle_rate_bps,omitempty"`
}

// Enforcement actions.
const (
	ActionReject   = "reject"
	ActionThrottle = "throttle"
)

// Enforcement is a control-plane directive to reject or throttle one
// (dimension, value) target for a time window.
type Enforcement struct {
	Dimension       store.Dimension `json:"dimension"`
	DimensionValue  string          `json:"dimension_value"`
	Action          string          `json:"action"`
	Reason          string          `json:"reason,omitempty"`
	ThrottleRateBPS int64           `json:"throttle_rate_bps,omitempty"`
	EffectiveUntil  string          `json:"effective_until,omitempty"` // ISO-8601
}

// TTL derives the store expiry from EffectiveUntil; absent or unparseable
// timestamps fall back to the default window.
func (e *Enforcement) TTL(now time.Time) time.Duration {
	if e.EffectiveUntil == "" {
		return store.EnforceDefault
	}
	until, err := time.Parse(time.RFC3339, e.EffectiveUntil)
	if err != nil {
		return store.EnforceDefault
	}
	d := until.Sub(now)
	if d <= 0 {
		return store.EnforceDefault
	}
	return d
}

// =============================================================================
// Store record shapes
// =============================================================================

// TokenRecord is the token_map:<token> value. UserID is always non-empty
// when the record exists.
type TokenRecord struct {
	UserID        string    `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	DeviceName    string    `json:"device_name,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	LoginTime     time.Time `json:"login_time"`
	IsAdmin       bool      `json:"is_admin"`
}

// DeviceUserRecord is the device_user:<device_id> fallback populated by the
// active-session polling loop.
type DeviceUserRecord struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username,omitempty"`
	DeviceName    string `json:"device_name,omitempty"`
	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	ResolvedFrom  string `json:"resolved_from"`
}

// SessionRecord is the active_session:<user>:<psid> value, refreshed on
// every streaming request of the session.
type SessionRecord struct {
	DeviceID   string    `json:"device_id,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	ClientName string    `json:"client_name,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	LastSeen   time.Time `json:"last_seen"`
	BytesSent  int64     `json:"bytes_sent"`
}

// =============================================================================
// Telemetry entries
// =============================================================================

// AccessLogEntry is one drained access-phase record.
type AccessLogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	ClientIP      string    `json:"client_ip"`
	URI           string    `json:"uri"`
	Method        string    `json:"method"`
	Status        int       `json:"status"`
	BytesSent     int64     `json:"bytes_sent"`
	RequestTime   float64   `json:"request_time"`
	UpstreamTime  float64   `json:"upstream_time"`
	UserID        string    `json:"user_id,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	DeviceName    string    `json:"device_name,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
}

// BlockedLogEntry records one denial for the blocked-requests feed.
type BlockedLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	ClientIP   string    `json:"client_ip"`
	URI        string    `json:"uri"`
	Method     string    `json:"method"`
	Reason     string    `json:"reason"`
	Pattern    string    `json:"pattern,omitempty"`
	RuleID     string    `json:"rule_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	ClientName string    `json:"client_name,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// TokenReport is the queued login event awaiting upstream delivery.
type TokenReport struct {
	EventType     string    `json:"event_type"`
	EmbyUserID    string    `json:"emby_user_id"`
	EmbyUsername  string    `json:"emby_username,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	DeviceName    string    `json:"device_name,omitempty"`
	ClientName    string    `json:"client_name,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`
}

// =============================================================================
// Request context plumbing
// =============================================================================

type contextKey int

const (
	ctxKeyFingerprint contextKey = iota
	ctxKeyThrottle
)

// WithFingerprint stores the resolved fingerprint for the log phase.
func WithFingerprint(ctx context.Context, fp *Fingerprint) context.Context {
	return context.WithValue(ctx, ctxKeyFingerprint, fp)
}

// FingerprintFrom retrieves the fingerprint persisted by the access phase.
func FingerprintFrom(ctx context.Context) *Fingerprint {
	fp, _ := ctx.Value(ctxKeyFingerprint).(*Fingerprint)
	return fp
}

// WithThrottleRate stashes a bytes-per-second cap for the transport layer.
func WithThrottleRate(ctx context.Context, bps int64) context.Context {
	return context.WithValue(ctx, ctxKeyThrottle, bps)
}

// ThrottleRateFrom returns the stashed cap, 0 when none applies.
func ThrottleRateFrom(ctx context.Context) int64 {
	bps, _ := ctx.Value(ctxKeyThrottle).(int64)
	return bps
}
