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

// admitStream runs the concurrent-stream gate. It applies only when both
// the user and the play session are known. A request for an already-stored
// session is a continuation and always passes; a new session is counted
// against maxStreams and, when admitted, written with the session TTL.
//
// Two racing first requests of the same session may both pass the existence
// check and both write; they converge on one record. Store errors admit:
// the gate degrades open rather than interrupting playback.
func (p *Pipeline) admitStream(ctx context.Context, fp *Fingerprint, maxStreams int) bool {
	if fp.PlaySessionID == "" || fp.UserID == "" || maxStreams <= 0 {
		return true
	}

	key := store.ActiveSessionKey(fp.UserID, fp.PlaySessionID)
	exists, err := p.Store.Exists(ctx, key)
	if err != nil {
		p.log.ErrorWithErr("session existence check failed", err, map[string]interface{}{"key": key})
		return true
	}
	if exists {
		return true
	}

	count, err := p.Store.CountPattern(ctx, store.ActiveSessionPattern(fp.UserID))
	if err != nil {
		p.log.ErrorWithErr("session count failed", err, map[string]interface{}{"user_id": fp.UserID})
		return true
	}
	if count >= maxStreams {
		return false
	}

	now := nowFunc()
	rec := SessionRecord{
		DeviceID:   fp.DeviceID,
		DeviceName: fp.DeviceName,
		ClientName: fp.ClientName,
		ClientIP:   fp.ClientIP,
		StartedAt:  now,
		LastSeen:   now,
	}
	if err := p.Store.SetJSON(ctx, key, rec, store.ActiveSessionTTL); err != nil {
		p.log.ErrorWithErr("session write failed", err, map[string]interface{}{"key": key})
	}
	return true
}

// refreshSession slides the active-session record forward after a response:
// last_seen advances, sent bytes accumulate, and the TTL resets. A record
// that expired mid-stream is recreated with a fresh started_at.
func (p *Pipeline) refreshSession(ctx context.Context, fp *Fingerprint, bytesSent int64) {
	if fp.PlaySessionID == "" || fp.UserID == "" {
		return
	}

	key := store.ActiveSessionKey(fp.UserID, fp.PlaySessionID)
	now := nowFunc()

	var rec SessionRecord
	found, err := p.Store.GetJSON(ctx, key, &rec)
	if err != nil {
		p.log.ErrorWithErr("session read failed", err, map[string]interface{}{"key": key})
		return
	}
	if !found {
		rec = SessionRecord{
			DeviceID:   fp.DeviceID,
			DeviceName: fp.DeviceName,
			ClientName: fp.ClientName,
			ClientIP:   fp.ClientIP,
			StartedAt:  now,
		}
	}
	rec.LastSeen = now
	rec.BytesSent += bytesSent

	if err := p.Store.SetJSON(ctx, key, rec, store.ActiveSessionTTL); err != nil {
		p.log.ErrorWithErr("session refresh failed", err, map[string]interface{}{"key": key})
	}
}
