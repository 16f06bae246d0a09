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
	"strings"
	"sync"
	"time"

	"uhdslave/platform/gateway/controlplane"
	"uhdslave/platform/shared/logger"
	"uhdslave/platform/store"
)

// Per-flush batch caps.
const (
	flushAccessMax  = 500
	flushBlockedMax = 200
	flushReportsMax = 100
)

// Agent runs the periodic synchronization loops. Exactly one worker per
// deployment owns an Agent; the others run only the inline pipeline.
type Agent struct {
	Settings  *Settings
	Store     *store.Client
	CP        *controlplane.Client
	Config    *ConfigCache
	Telemetry *TelemetryQueue

	log  *logger.Logger
	stop chan struct{}
	wg   sync.WaitGroup

	mu             sync.Mutex
	lastSnapshotID string
}

// NewAgent wires the agent to its collaborators.
func NewAgent(settings *Settings, st *store.Client, cp *controlplane.Client, cfg *ConfigCache, telemetry *TelemetryQueue) *Agent {
	return &Agent{
		Settings:  settings,
		Store:     st,
		CP:        cp,
		Config:    cfg,
		Telemetry: telemetry,
		log:       logger.New("agent"),
		stop:      make(chan struct{}),
	}
}

// Start launches every loop with its staggered initial delay. Each loop
// re-arms its own timer on every exit path, so one failed iteration never
// stalls the schedule.
func (a *Agent) Start() {
	a.spawn("config_pull", 1*time.Second, a.Settings.ConfigPullInterval, a.pullConfig)
	a.spawn("heartbeat", 3*time.Second, a.Settings.HeartbeatInterval, a.sendHeartbeat)
	a.spawn("telemetry_flush", 5*time.Second, a.Settings.TelemetryFlushInterval, a.flushTelemetry)
	a.spawn("session_heartbeat", 8*time.Second, a.Settings.SessionHeartbeatInterval, a.sendSessionHeartbeat)
	a.spawn("quota_sync", 10*time.Second, a.Settings.QuotaSyncInterval, a.syncQuota)
	if a.Settings.TokenResolveEnabled() {
		a.spawn("token_resolve", 7*time.Second, a.Settings.TokenResolveInterval, a.resolveTokens)
	}
	a.log.Info("agent loops started", map[string]interface{}{
		"token_resolve": a.Settings.TokenResolveEnabled(),
	})
}

// Stop signals every loop and waits for in-flight iterations to finish.
func (a *Agent) Stop() {
	close(a.stop)
	a.wg.Wait()
}

// spawn runs one loop: fire after initial delay, then re-arm with the
// interval regardless of the iteration's outcome.
func (a *Agent) spawn(name string, initial, interval time.Duration, body func(ctx context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		timer := time.NewTimer(initial)
		defer timer.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-timer.C:
			}
			a.runOnce(name, body)
			timer.Reset(interval)
		}
	}()
}

// runOnce executes one iteration with panic isolation: a loop error or
// panic is logged and counted, never propagated to other loops.
func (a *Agent) runOnce(name string, body func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			promLoopErrors.WithLabelValues(name).Inc()
			a.log.Error("loop panicked", map[string]interface{}{"loop": name, "panic": fmt.Sprint(r)})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := body(ctx); err != nil {
		promLoopErrors.WithLabelValues(name).Inc()
		a.log.ErrorWithErr("loop iteration failed", err, map[string]interface{}{"loop": name})
	}
}

// =============================================================================
// Config pull
// =============================================================================

// pullConfig polls the remote version and applies a new snapshot when one
// exists. No update and no version advance means a full no-op: no store
// writes, no ACK.
func (a *Agent) pullConfig(ctx context.Context) error {
	ver, err := a.CP.ConfigVersion(ctx)
	if err != nil {
		return err
	}
	local := a.Config.Version()
	if !ver.HasUpdate && ver.Version <= local {
		return nil
	}

	payload, err := a.CP.FetchConfig(ctx)
	if err != nil {
		return err
	}
	snap, err := decodeSnapshot(payload)
	if err != nil {
		// A bad payload leaves the previous snapshot in place.
		a.log.Warn("unparseable config payload", map[string]interface{}{"version": payload.Version})
		return nil
	}

	if !a.Config.Replace(snap) {
		return nil
	}
	a.log.Info("config applied", map[string]interface{}{
		"version": snap.Version, "service_type": snap.ServiceType,
	})

	if snap.RateLimit != nil {
		if err := replaceEnforcements(ctx, a.Store, snap.RateLimit.Enforcements); err != nil {
			a.log.ErrorWithErr("enforcement set replace failed", err, nil)
		}
	}

	if ver.SnapshotID != "" {
		a.mu.Lock()
		a.lastSnapshotID = ver.SnapshotID
		a.mu.Unlock()
		if err := a.CP.Ack(ctx, ver.SnapshotID, "applied"); err != nil {
			a.log.ErrorWithErr("config ack failed", err, map[string]interface{}{"snapshot_id": ver.SnapshotID})
		}
	}
	return nil
}

// decodeSnapshot turns the raw control-plane payload into an immutable
// snapshot. Sections are applied only when present.
func decodeSnapshot(payload *controlplane.ConfigPayload) (*Snapshot, error) {
	snap := &Snapshot{
		Version:     payload.Version,
		ServiceType: payload.ServiceType,
	}
	if len(payload.LuaConfig) > 0 && string(payload.LuaConfig) != "null" {
		var lua LuaConfig
		if err := json.Unmarshal(payload.LuaConfig, &lua); err != nil {
			return nil, fmt.Errorf("bad lua_config: %w", err)
		}
		snap.Lua = &lua
	}
	if len(payload.RateLimitConfig) > 0 && string(payload.RateLimitConfig) != "null" {
		var rl RateLimitConfig
		if err := json.Unmarshal(payload.RateLimitConfig, &rl); err != nil {
			return nil, fmt.Errorf("bad rate_limit_config: %w", err)
		}
		snap.RateLimit = &rl
	}
	return snap, nil
}

// =============================================================================
// Telemetry flush
// =============================================================================

// flushTelemetry drains the buffers and ships each batch. Entries in a
// failed batch are lost by design; the loss is logged and counted.
func (a *Agent) flushTelemetry(ctx context.Context) error {
	var firstErr error

	if entries := a.Telemetry.DrainAccess(flushAccessMax); len(entries) > 0 {
		if err := a.CP.PostAccessLogs(ctx, entries); err != nil {
			promTelemetryDropped.Add(float64(len(entries)))
			a.log.ErrorWithErr("access-log batch lost", err, map[string]interface{}{"count": len(entries)})
			firstErr = err
		}
	}

	if entries := a.Telemetry.DrainBlocked(flushBlockedMax); len(entries) > 0 {
		if err := a.CP.PostBlockedRequests(ctx, entries); err != nil {
			promTelemetryDropped.Add(float64(len(entries)))
			a.log.ErrorWithErr("blocked-log batch lost", err, map[string]interface{}{"count": len(entries)})
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := a.flushTokenReports(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushTokenReports drains queued login reports from the store. Reports
// are deleted after one delivery attempt; a failed POST is logged as lost.
func (a *Agent) flushTokenReports(ctx context.Context) error {
	keys, err := a.Store.ScanPattern(ctx, store.TokenReportPattern, flushReportsMax)
	if err != nil {
		return err
	}
	var firstErr error
	for _, key := range keys {
		var report TokenReport
		found, err := a.Store.GetJSON(ctx, key, &report)
		if err != nil || !found {
			_ = a.Store.Del(ctx, key)
			continue
		}
		if err := a.CP.PostLoginEvent(ctx, report); err != nil {
			a.log.ErrorWithErr("login report lost", err, map[string]interface{}{"key": key})
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := a.Store.Del(ctx, key); err != nil {
			a.log.ErrorWithErr("login report delete failed", err, map[string]interface{}{"key": key})
		}
	}
	return firstErr
}

// =============================================================================
// Quota sync
// =============================================================================

// syncQuota uploads absolute counters and applies the control plane's
// recomputed remaining capacities and enforcement set. Counters are
// absolute, so a repeated sync is idempotent. The out-of-band rate-limit
// poll rides the same tick.
func (a *Agent) syncQuota(ctx context.Context) error {
	counters, err := a.collectCounters(ctx)
	if err != nil {
		return err
	}

	data, err := a.CP.QuotaSync(ctx, counters)
	if err != nil {
		return err
	}
	a.applyRemaining(ctx, data.Remaining)
	a.applyRawEnforcements(ctx, data.Enforcements)

	if rl, err := a.CP.RateLimits(ctx); err != nil {
		a.log.ErrorWithErr("rate-limits poll failed", err, nil)
	} else {
		a.applyRateLimits(ctx, rl)
	}
	return nil
}

// collectCounters scans the local usage counters and pairs each request
// counter with its bandwidth counterpart. A missing counterpart reads as
// zero; the scan-then-read window makes torn pairs possible and tolerated.
func (a *Agent) collectCounters(ctx context.Context) ([]controlplane.QuotaCounter, error) {
	reqKeys, err := a.Store.ScanPattern(ctx, store.QuotaPattern(store.QuotaRequests), 0)
	if err != nil {
		return nil, err
	}

	counters := make([]controlplane.QuotaCounter, 0, len(reqKeys)*2)
	for _, key := range reqKeys {
		parsed, ok := parseQuotaKey(key)
		if !ok {
			continue
		}
		reqVal, _, err := a.Store.GetInt(ctx, key)
		if err != nil {
			continue
		}
		counters = append(counters, controlplane.QuotaCounter{
			Kind: string(store.QuotaRequests), Dimension: parsed.dim, Value: parsed.value,
			Period: parsed.period, PeriodKey: parsed.periodKey, Count: reqVal,
		})

		bwKey := store.QuotaKey(store.QuotaBandwidth, store.Dimension(parsed.dim), parsed.value, store.Period(parsed.period), parsed.periodKey)
		bwVal, found, err := a.Store.GetInt(ctx, bwKey)
		if err == nil && found {
			counters = append(counters, controlplane.QuotaCounter{
				Kind: string(store.QuotaBandwidth), Dimension: parsed.dim, Value: parsed.value,
				Period: parsed.period, PeriodKey: parsed.periodKey, Count: bwVal,
			})
		}
	}
	return counters, nil
}

type quotaKeyParts struct {
	dim       string
	value     string
	period    string
	periodKey string
}

// parseQuotaKey splits quota:req:<dim>:<val>:<period>:<period_key>. The
// value may itself contain colons (IPv6), so it is re-joined from the
// middle segments.
func parseQuotaKey(key string) (quotaKeyParts, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 6 || parts[0] != "quota" {
		return quotaKeyParts{}, false
	}
	return quotaKeyParts{
		dim:       parts[2],
		value:     strings.Join(parts[3:len(parts)-2], ":"),
		period:    parts[len(parts)-2],
		periodKey: parts[len(parts)-1],
	}, true
}

// applyRemaining mirrors the recomputed capacities into the store.
func (a *Agent) applyRemaining(ctx context.Context, remaining []controlplane.RemainingEntry) {
	entries := make(map[string]string, len(remaining))
	for _, r := range remaining {
		key := store.RemainKey(store.QuotaKind(r.Kind), store.Dimension(r.Dimension), r.Value, store.Period(r.Period))
		entries[key] = fmt.Sprintf("%d", r.Remaining)
	}
	if err := a.Store.SetEXBatch(ctx, entries, store.RemainTTL); err != nil {
		a.log.ErrorWithErr("remaining mirror write failed", err, map[string]interface{}{"count": len(entries)})
	}
}

// applyRawEnforcements decodes and installs an enforcement set. A bad
// payload leaves the current set untouched.
func (a *Agent) applyRawEnforcements(ctx context.Context, raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	var directives []Enforcement
	if err := json.Unmarshal(raw, &directives); err != nil {
		a.log.Warn("unparseable enforcement payload", nil)
		return
	}
	if err := replaceEnforcements(ctx, a.Store, directives); err != nil {
		a.log.ErrorWithErr("enforcement set replace failed", err, nil)
	}
}

// applyRateLimits folds an out-of-band rules refresh into the current
// snapshot at the same version.
func (a *Agent) applyRateLimits(ctx context.Context, data *controlplane.RateLimitsData) {
	current := a.Config.Current()
	if current == nil {
		return
	}

	var rules []RateLimitRule
	if len(data.Rules) > 0 && string(data.Rules) != "null" {
		if err := json.Unmarshal(data.Rules, &rules); err != nil {
			a.log.Warn("unparseable rate-limit rules", nil)
			return
		}
	}
	var directives []Enforcement
	if len(data.Enforcements) > 0 && string(data.Enforcements) != "null" {
		if err := json.Unmarshal(data.Enforcements, &directives); err != nil {
			a.log.Warn("unparseable rate-limit enforcements", nil)
			return
		}
	}

	next := *current
	next.RateLimit = &RateLimitConfig{Rules: rules, Enforcements: directives}
	a.Config.Replace(&next)

	if err := replaceEnforcements(ctx, a.Store, directives); err != nil {
		a.log.ErrorWithErr("enforcement set replace failed", err, nil)
	}
}

// =============================================================================
// Heartbeats
// =============================================================================

// sendHeartbeat reports liveness plus local state counters.
func (a *Agent) sendHeartbeat(ctx context.Context) error {
	sessions, err := a.Store.CountPattern(ctx, "active_session:*")
	if err != nil {
		sessions = 0
	}
	promActiveSessions.Set(float64(sessions))

	a.mu.Lock()
	snapshotID := a.lastSnapshotID
	a.mu.Unlock()

	return a.CP.Heartbeat(ctx, &controlplane.HeartbeatRequest{
		AgentVersion:         AgentVersion,
		CurrentConfigVersion: a.Config.Version(),
		Status:               "ok",
		Metadata: map[string]interface{}{
			"telemetry":        a.Telemetry.Stats(),
			"active_sessions":  sessions,
			"last_snapshot_id": snapshotID,
		},
	})
}

// realtimeSession is one entry of the realtime session snapshot.
type realtimeSession struct {
	UserID        string `json:"user_id"`
	PlaySessionID string `json:"play_session_id"`
	SessionRecord
}

// sendSessionHeartbeat posts the full active-session snapshot. An empty
// snapshot is still sent so the control plane can clear stale state.
func (a *Agent) sendSessionHeartbeat(ctx context.Context) error {
	keys, err := a.Store.ScanPattern(ctx, "active_session:*", 0)
	if err != nil {
		return err
	}

	sessions := make([]realtimeSession, 0, len(keys))
	for _, key := range keys {
		userID, psID, ok := splitSessionKey(key)
		if !ok {
			continue
		}
		var rec SessionRecord
		found, err := a.Store.GetJSON(ctx, key, &rec)
		if err != nil || !found {
			continue
		}
		sessions = append(sessions, realtimeSession{UserID: userID, PlaySessionID: psID, SessionRecord: rec})
	}

	return a.CP.RealtimeHeartbeat(ctx, sessions)
}

// splitSessionKey parses active_session:<user>:<psid>.
func splitSessionKey(key string) (string, string, bool) {
	const prefix = "active_session:"
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// =============================================================================
// Token resolve (optional)
// =============================================================================

// resolveTokens polls the upstream media server's session list and fills
// the device-to-user fallback for devices with no learned binding yet.
func (a *Agent) resolveTokens(ctx context.Context) error {
	sessions, err := fetchUpstreamSessions(ctx, a.Settings.EmbyServerURL, a.Settings.EmbyAPIKey)
	if err != nil {
		return err
	}

	for _, s := range sessions {
		if s.UserID == "" || s.DeviceID == "" {
			continue
		}
		key := store.DeviceUserKey(s.DeviceID)
		exists, err := a.Store.Exists(ctx, key)
		if err != nil || exists {
			continue
		}
		rec := DeviceUserRecord{
			UserID:        s.UserID,
			Username:      s.UserName,
			DeviceName:    s.DeviceName,
			ClientName:    s.Client,
			ClientVersion: s.ApplicationVersion,
			ResolvedFrom:  "sessions_poll",
		}
		if err := a.Store.SetJSON(ctx, key, rec, store.DeviceUserTTL); err != nil {
			a.log.ErrorWithErr("device user write failed", err, map[string]interface{}{"device_id": s.DeviceID})
		}
	}
	return nil
}
