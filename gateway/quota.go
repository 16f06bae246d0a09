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

	"uhdslave/platform/store"
)

// checkQuotaRemaining evaluates the remaining-capacity mirrors for every
// identity dimension. For each axis the request and bandwidth mirrors are
// read across all periods in one pipelined batch and the minimum present
// value decides: <= 0 denies, nil (no mirror) means no quota is configured
// and the axis passes. Store errors also pass — quota enforcement is
// best-effort between control-plane syncs.
func (p *Pipeline) checkQuotaRemaining(ctx context.Context, fp *Fingerprint) bool {
	for _, dv := range fp.Dimensions() {
		keys := make([]string, 0, len(store.MirrorPeriods)*2)
		for _, period := range store.MirrorPeriods {
			keys = append(keys,
				store.RemainKey(store.QuotaRequests, dv.Dim, dv.Value, period),
				store.RemainKey(store.QuotaBandwidth, dv.Dim, dv.Value, period),
			)
		}

		vals, err := p.Store.GetInts(ctx, keys)
		if err != nil {
			p.log.ErrorWithErr("remaining mirror read failed", err, map[string]interface{}{
				"dimension": string(dv.Dim),
			})
			continue
		}

		var min *int64
		for _, k := range keys {
			v := vals[k]
			if v == nil {
				continue
			}
			if min == nil || *v < *min {
				min = v
			}
		}
		if min != nil && *min <= 0 {
			return false
		}
	}
	return true
}

// recordQuotaUsage increments the absolute usage counters for one request:
// request count +1 and bandwidth +bytesSent, for each identity dimension
// and each locally counted period. TTLs are refreshed on every increment
// so a bucket expires one period TTL after its last increment.
func (p *Pipeline) recordQuotaUsage(ctx context.Context, fp *Fingerprint, bytesSent int64) {
	now := nowFunc()
	for _, dv := range fp.Dimensions() {
		for _, period := range store.CounterPeriods {
			periodKey := store.PeriodKey(period, now)
			ttl := store.PeriodTTL(period)

			reqKey := store.QuotaKey(store.QuotaRequests, dv.Dim, dv.Value, period, periodKey)
			if _, err := p.Store.IncrByWithTTL(ctx, reqKey, 1, ttl); err != nil {
				p.log.ErrorWithErr("quota request counter increment failed", err, map[string]interface{}{"key": reqKey})
			}

			if bytesSent > 0 {
				bwKey := store.QuotaKey(store.QuotaBandwidth, dv.Dim, dv.Value, period, periodKey)
				if _, err := p.Store.IncrByWithTTL(ctx, bwKey, bytesSent, ttl); err != nil {
					p.log.ErrorWithErr("quota bandwidth counter increment failed", err, map[string]interface{}{"key": bwKey})
				}
			}
		}
	}
}

// decrementRemaining mirrors local consumption into the remaining-capacity
// mirrors across every mirror period. A decrement against a missing key
// creates it at -delta; checkQuotaRemaining reads such a stray negative
// mirror as exhausted until the mirror TTL expires or a quota sync
// rewrites that key.
func (p *Pipeline) decrementRemaining(ctx context.Context, fp *Fingerprint, bytesSent int64) {
	for _, dv := range fp.Dimensions() {
		for _, period := range store.MirrorPeriods {
			p.decrMirror(ctx, store.RemainKey(store.QuotaRequests, dv.Dim, dv.Value, period), 1)
			if bytesSent > 0 {
				p.decrMirror(ctx, store.RemainKey(store.QuotaBandwidth, dv.Dim, dv.Value, period), bytesSent)
			}
		}
	}
}

// decrMirror decrements one mirror key. A decrement that lands exactly at
// -delta evidently created the key; it gets the mirror TTL so a stray
// negative mirror cannot outlive the sync window.
func (p *Pipeline) decrMirror(ctx context.Context, key string, delta int64) {
	val, err := p.Store.DecrBy(ctx, key, delta)
	if err != nil {
		p.log.ErrorWithErr("remaining mirror decrement failed", err, map[string]interface{}{"key": key})
		return
	}
	if val == -delta {
		if _, err := p.Store.Expire(ctx, key, store.RemainTTL); err != nil {
			p.log.ErrorWithErr("remaining mirror TTL set failed", err, map[string]interface{}{"key": key})
		}
	}
}
