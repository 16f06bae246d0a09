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
	"time"
)

// RequestOutcome carries what the log phase needs to know about the
// completed exchange.
type RequestOutcome struct {
	Status       int
	BytesSent    int64
	RequestTime  time.Duration
	UpstreamTime time.Duration
}

// RecordLogPhase runs after the response has been sent: telemetry emit,
// session refresh, quota counter increments, and remaining-mirror
// decrements. Every step tolerates store failure independently; the log
// phase never surfaces an error to the transport.
func (p *Pipeline) RecordLogPhase(ctx context.Context, fp *Fingerprint, outcome RequestOutcome) {
	if fp == nil {
		return
	}

	p.Telemetry.PushAccess(AccessLogEntry{
		Timestamp:     nowFunc(),
		ClientIP:      fp.ClientIP,
		URI:           fp.URI,
		Method:        fp.Method,
		Status:        outcome.Status,
		BytesSent:     outcome.BytesSent,
		RequestTime:   outcome.RequestTime.Seconds(),
		UpstreamTime:  outcome.UpstreamTime.Seconds(),
		UserID:        fp.UserID,
		DeviceID:      fp.DeviceID,
		DeviceName:    fp.DeviceName,
		ClientName:    fp.ClientName,
		ClientVersion: fp.ClientVersion,
		UserAgent:     fp.UserAgent,
	})

	p.refreshSession(ctx, fp, outcome.BytesSent)
	p.recordQuotaUsage(ctx, fp, outcome.BytesSent)
	p.decrementRemaining(ctx, fp, outcome.BytesSent)
}
