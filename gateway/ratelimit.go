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
	"fmt"
	"time"

	"uhdslave/platform/store"
)

// rateLimitOutcome is the result of evaluating all L1 rules for a request.
type rateLimitOutcome struct {
	denied          bool
	reason          string // rate_limit_rps or rate_limit_rpm
	rule            *RateLimitRule
	throttleRateBPS int64
}

// ruleDimensionValue returns the request's value for the rule's dimension,
// and whether the rule applies at all. A wildcard apply_value ("*" or
// empty) matches any non-empty value; a literal must equal it exactly.
// Global rules share one bucket across all requests.
func ruleDimensionValue(rule *RateLimitRule, fp *Fingerprint) (string, bool) {
	var val string
	switch rule.ApplyTo {
	case store.DimIP:
		val = fp.ClientIP
	case store.DimUser:
		val = fp.UserID
	case store.DimDevice:
		val = fp.DeviceID
	case store.DimGlobal:
		return "global", true
	default:
		return "", false
	}
	if val == "" {
		// Missing dimension value: the rule is skipped.
		return "", false
	}
	if rule.ApplyValue == "*" || rule.ApplyValue == "" {
		return val, true
	}
	if rule.ApplyValue == val {
		return val, true
	}
	return "", false
}

// evaluateRateLimits runs every configured rule in declaration order
// against the in-process counters. All applicable rules are checked; the
// first deny from a reject rule wins, while throttle rules accumulate the
// tightest bytes-per-second cap and never short-circuit. Every overrun,
// rejecting or throttling, is reported to the blocked log.
func (p *Pipeline) evaluateRateLimits(rules []RateLimitRule, fp *Fingerprint) rateLimitOutcome {
	var out rateLimitOutcome

	for i := range rules {
		rule := &rules[i]
		val, applies := ruleDimensionValue(rule, fp)
		if !applies {
			continue
		}

		if rule.RatePerSecond > 0 {
			burst := rule.RateBurst
			if burst <= 0 {
				burst = rule.RatePerSecond
			}
			key := fmt.Sprintf("rl:rps:%s:%s:%s", rule.ID, rule.ApplyTo, val)
			ttl := time.Second / time.Duration(rule.RatePerSecond)
			if remaining := p.Counters.TakeToken(key, int64(burst)-1, ttl); remaining < 0 {
				if overrun := p.applyOverAction(fp, rule, ReasonRateLimitRPS, &out); overrun {
					return out
				}
			}
		}

		if rule.RatePerMinute > 0 {
			key := fmt.Sprintf("rl:rpm:%s:%s:%s", rule.ID, rule.ApplyTo, val)
			if count := p.Counters.CountInWindow(key, 60*time.Second); count > int64(rule.RatePerMinute) {
				if overrun := p.applyOverAction(fp, rule, ReasonRateLimitRPM, &out); overrun {
					return out
				}
			}
		}
	}
	return out
}

// applyOverAction folds one exceeded rule into the outcome. Returns true
// when evaluation should stop (a rejecting rule fired).
func (p *Pipeline) applyOverAction(fp *Fingerprint, rule *RateLimitRule, reason string, out *rateLimitOutcome) bool {
	p.recordBlocked(fp, reason, "", rule.ID, "")

	if rule.OverAction == ActionThrottle {
		if rule.ThrottleRateBPS > 0 &&
			(out.throttleRateBPS == 0 || rule.ThrottleRateBPS < out.throttleRateBPS) {
			out.throttleRateBPS = rule.ThrottleRateBPS
		}
		// Throttled requests continue through the pipeline.
		return false
	}
	out.denied = true
	out.reason = reason
	out.rule = rule
	return true
}
