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
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"uhdslave/platform/shared/logger"
	"uhdslave/platform/store"
)

// nowFunc is swapped in tests that need a fixed clock.
var nowFunc = time.Now

// Default denial messages, overridable per snapshot.
const (
	defaultBlockedMessage   = "请求被拒绝"
	defaultWhitelistMessage = "当前客户端不被允许访问"
	defaultStreamMessage    = "并发播放数量已达上限，请停止其他播放后重试"
	defaultQuotaMessage     = "配额已用尽，请稍后再试"
	versionUpgradeFormat    = "请使用 %s %s 或更高版本进行访问"
)

// Pipeline is the per-request access decision engine. One instance serves
// all requests; all mutable state lives in the store, the config cache,
// and the counter cache.
type Pipeline struct {
	Store     *store.Client
	Config    *ConfigCache
	Counters  *CounterCache
	Telemetry *TelemetryQueue

	log *logger.Logger
}

// NewPipeline wires the engine to its collaborators.
func NewPipeline(st *store.Client, cfg *ConfigCache, counters *CounterCache, telemetry *TelemetryQueue) *Pipeline {
	return &Pipeline{
		Store:     st,
		Config:    cfg,
		Counters:  counters,
		Telemetry: telemetry,
		log:       logger.New("policy"),
	}
}

// Evaluate runs the access pipeline for one request and returns the
// decision plus the resolved fingerprint for the log phase. Stages run
// strictly in order; at most one stage denies. With no snapshot loaded the
// engine fails open.
func (p *Pipeline) Evaluate(ctx context.Context, r *http.Request) (*Decision, *Fingerprint) {
	started := time.Now()
	defer func() {
		promPipelineDuration.Observe(float64(time.Since(started).Microseconds()) / 1000.0)
	}()

	fp := ExtractFingerprint(r)
	fp.RequestID = uuid.NewString()

	snap := p.Config.Current()
	if snap == nil {
		// Cold start: no policy yet, allow through.
		promRequestsTotal.WithLabelValues("allow").Inc()
		return allowDecision(), fp
	}
	lua := snap.Lua
	if lua == nil {
		lua = &LuaConfig{}
	}

	decision := p.evaluateStages(ctx, fp, snap, lua)
	if decision.Allow {
		promRequestsTotal.WithLabelValues("allow").Inc()
	} else {
		promRequestsTotal.WithLabelValues("deny").Inc()
		promBlockedTotal.WithLabelValues(decision.Reason).Inc()
	}
	return decision, fp
}

func (p *Pipeline) evaluateStages(ctx context.Context, fp *Fingerprint, snap *Snapshot, lua *LuaConfig) *Decision {
	// Stage 1: URI skip list — match means allow and bypass everything.
	if FirstMatch(lua.URISkipRules, fp.URI) != nil {
		return allowDecision()
	}

	// Stage 2: URI block list.
	if rule := FirstMatch(lua.URIBlockRules, fp.URI); rule != nil {
		msg := lua.BlockedMessage
		if msg == "" {
			msg = defaultBlockedMessage
		}
		p.recordBlocked(fp, ReasonURIBlocked, rule.Pattern, "", msg)
		return denyText(http.StatusForbidden, ReasonURIBlocked, msg)
	}

	// Stage 3: identity back-fill from learned state.
	p.ResolveIdentity(ctx, fp)

	// Stage 4: enforcement directives.
	var throttleBPS int64
	if directive, bps := p.checkEnforcement(ctx, fp); directive != nil {
		msg := directive.Reason
		if msg == "" {
			msg = defaultBlockedMessage
		}
		p.recordBlocked(fp, ReasonEnforcementReject, "", "", msg)
		return denyText(http.StatusForbidden, ReasonEnforcementReject, msg)
	} else if bps > 0 {
		throttleBPS = bps
	}

	// Stage 5: L1 rate limits. Overruns are reported to the blocked log
	// inside the evaluator, throttling overruns included.
	if snap.RateLimit != nil {
		out := p.evaluateRateLimits(snap.RateLimit.Rules, fp)
		if out.denied {
			return denyText(http.StatusTooManyRequests, out.reason, "请求过于频繁，请稍后再试")
		}
		if out.throttleRateBPS > 0 && (throttleBPS == 0 || out.throttleRateBPS < throttleBPS) {
			throttleBPS = out.throttleRateBPS
		}
	}

	// Stage 6: quota remaining mirrors.
	if !p.checkQuotaRemaining(ctx, fp) {
		msg := lua.QuotaExhaustedMessage
		if msg == "" {
			msg = defaultQuotaMessage
		}
		p.recordBlocked(fp, ReasonQuotaExhausted, "", "", msg)
		return denyText(http.StatusTooManyRequests, ReasonQuotaExhausted, msg)
	}

	// Stage 7: concurrent-stream gate.
	if !p.admitStream(ctx, fp, lua.MaxStreams) {
		msg := lua.StreamLimitMessage
		if msg == "" {
			msg = defaultStreamMessage
		}
		p.recordBlocked(fp, ReasonConcurrentStreams, "", "", msg)
		return denyText(http.StatusTooManyRequests, ReasonConcurrentStreams, msg)
	}

	// Stage 8: client whitelist and minimum versions.
	if deny := p.checkClientWhitelist(fp, lua); deny != nil {
		return deny
	}

	// Stage 9: fake counts interception.
	if lua.FakeCountsEnabled && isCountsURI(fp.URI) {
		value := lua.FakeCountsValue
		if value == 0 {
			value = DefaultFakeCountsValue
		}
		return &Decision{
			Allow:       false,
			Intercepted: true,
			Status:      http.StatusOK,
			ContentType: "application/json",
			Body:        fakeCountsBody(value),
		}
	}

	d := allowDecision()
	d.ThrottleRateBPS = throttleBPS
	return d
}

// checkClientWhitelist enforces the allowed-client list and per-client
// minimum versions. An empty whitelist disables the stage entirely.
func (p *Pipeline) checkClientWhitelist(fp *Fingerprint, lua *LuaConfig) *Decision {
	if len(lua.ClientWhitelist) == 0 {
		return nil
	}

	allowed := false
	for _, name := range lua.ClientWhitelist {
		if name == fp.ClientName {
			allowed = true
			break
		}
	}
	if !allowed {
		msg := lua.WhitelistDenyMessage
		if msg == "" {
			msg = defaultWhitelistMessage
		}
		p.recordBlocked(fp, ReasonNotWhitelisted, "", "", msg)
		return denyText(http.StatusForbidden, ReasonNotWhitelisted, msg)
	}

	if required, ok := lua.MinVersions[fp.ClientName]; ok && required != "" {
		if !VersionSufficient(fp.ClientVersion, required) {
			msg := fmt.Sprintf(versionUpgradeFormat, fp.ClientName, required)
			p.recordBlocked(fp, ReasonVersionTooOld, "", "", msg)
			return denyText(http.StatusForbidden, ReasonVersionTooOld, msg)
		}
	}
	return nil
}

// recordBlocked emits one blocked-log entry for a denial.
func (p *Pipeline) recordBlocked(fp *Fingerprint, reason, pattern, ruleID, message string) {
	p.Telemetry.PushBlocked(BlockedLogEntry{
		Timestamp:  nowFunc(),
		ClientIP:   fp.ClientIP,
		URI:        fp.URI,
		Method:     fp.Method,
		Reason:     reason,
		Pattern:    pattern,
		RuleID:     ruleID,
		UserID:     fp.UserID,
		DeviceID:   fp.DeviceID,
		ClientName: fp.ClientName,
		Message:    message,
	})
}

// denyText builds a plain-text denial decision.
func denyText(status int, reason, message string) *Decision {
	return &Decision{
		Allow:       false,
		Status:      status,
		Reason:      reason,
		Message:     message,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(message),
	}
}
