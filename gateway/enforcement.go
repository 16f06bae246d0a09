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

// checkEnforcement reads the control-plane directive set for each identity
// dimension present on the fingerprint. A reject directive short-circuits
// the pipeline; throttle directives stack the tightest cap and continue.
// Store errors mean "no directive" — a directive must never deny a request
// because the store was slow.
func (p *Pipeline) checkEnforcement(ctx context.Context, fp *Fingerprint) (*Enforcement, int64) {
	var throttleBPS int64

	for _, dv := range fp.Dimensions() {
		var directive Enforcement
		found, err := p.Store.GetJSON(ctx, store.EnforceKey(dv.Dim, dv.Value), &directive)
		if err != nil {
			p.log.ErrorWithErr("enforcement lookup failed", err, map[string]interface{}{
				"dimension": string(dv.Dim),
			})
			continue
		}
		if !found {
			continue
		}

		switch directive.Action {
		case ActionReject:
			return &directive, throttleBPS
		case ActionThrottle:
			if directive.ThrottleRateBPS > 0 &&
				(throttleBPS == 0 || directive.ThrottleRateBPS < throttleBPS) {
				throttleBPS = directive.ThrottleRateBPS
			}
		}
	}
	return nil, throttleBPS
}

// replaceEnforcements swaps the enforcement directive set in the store:
// old enforce:* keys are deleted before the new set is written, so a
// directive the control plane withdrew stops applying within one pull.
func replaceEnforcements(ctx context.Context, st *store.Client, directives []Enforcement) error {
	old, err := st.ScanPattern(ctx, store.EnforcePattern, 0)
	if err != nil {
		return err
	}
	if len(old) > 0 {
		if err := st.Del(ctx, old...); err != nil {
			return err
		}
	}

	now := nowFunc()
	for i := range directives {
		d := &directives[i]
		if d.Dimension == "" || d.DimensionValue == "" {
			continue
		}
		key := store.EnforceKey(d.Dimension, d.DimensionValue)
		if err := st.SetJSON(ctx, key, d, d.TTL(now)); err != nil {
			return err
		}
	}
	return nil
}
