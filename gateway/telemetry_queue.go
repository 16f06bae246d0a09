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
	"sync/atomic"
	"time"
)

// Telemetry entries older than this are stale and dropped at drain time
// rather than shipped to the control plane.
const telemetryEntryTTL = 300 * time.Second

// TelemetryQueue buffers access-log and blocked-log entries between the
// request hot path and the agent's flush loop. Enqueue never blocks; when a
// queue is full the entry is dropped and counted, which is the documented
// overflow behavior.
type TelemetryQueue struct {
	access  chan AccessLogEntry
	blocked chan BlockedLogEntry

	queuedAccess   uint64
	queuedBlocked  uint64
	droppedAccess  uint64
	droppedBlocked uint64
	staleDropped   uint64
}

// NewTelemetryQueue creates queues bounded to the given capacities.
func NewTelemetryQueue(accessCap, blockedCap int) *TelemetryQueue {
	if accessCap <= 0 {
		accessCap = 5000
	}
	if blockedCap <= 0 {
		blockedCap = 2000
	}
	return &TelemetryQueue{
		access:  make(chan AccessLogEntry, accessCap),
		blocked: make(chan BlockedLogEntry, blockedCap),
	}
}

// PushAccess enqueues an access-log entry, dropping on overflow.
func (q *TelemetryQueue) PushAccess(entry AccessLogEntry) {
	select {
	case q.access <- entry:
		atomic.AddUint64(&q.queuedAccess, 1)
	default:
		atomic.AddUint64(&q.droppedAccess, 1)
	}
}

// PushBlocked enqueues a blocked-log entry, dropping on overflow.
func (q *TelemetryQueue) PushBlocked(entry BlockedLogEntry) {
	select {
	case q.blocked <- entry:
		atomic.AddUint64(&q.queuedBlocked, 1)
	default:
		atomic.AddUint64(&q.droppedBlocked, 1)
	}
}

// DrainAccess removes up to max entries in FIFO order, discarding entries
// past the telemetry TTL.
func (q *TelemetryQueue) DrainAccess(max int) []AccessLogEntry {
	cutoff := time.Now().Add(-telemetryEntryTTL)
	out := make([]AccessLogEntry, 0, max)
	for len(out) < max {
		select {
		case entry := <-q.access:
			if entry.Timestamp.Before(cutoff) {
				atomic.AddUint64(&q.staleDropped, 1)
				continue
			}
			out = append(out, entry)
		default:
			return out
		}
	}
	return out
}

// DrainBlocked removes up to max blocked entries in FIFO order, discarding
// entries past the telemetry TTL.
func (q *TelemetryQueue) DrainBlocked(max int) []BlockedLogEntry {
	cutoff := time.Now().Add(-telemetryEntryTTL)
	out := make([]BlockedLogEntry, 0, max)
	for len(out) < max {
		select {
		case entry := <-q.blocked:
			if entry.Timestamp.Before(cutoff) {
				atomic.AddUint64(&q.staleDropped, 1)
				continue
			}
			out = append(out, entry)
		default:
			return out
		}
	}
	return out
}

// Depths returns the current queue lengths (access, blocked).
func (q *TelemetryQueue) Depths() (int, int) {
	return len(q.access), len(q.blocked)
}

// Stats returns queue counters for the /stats endpoint and heartbeats.
func (q *TelemetryQueue) Stats() map[string]interface{} {
	return map[string]interface{}{
		"access_pending":  len(q.access),
		"blocked_pending": len(q.blocked),
		"access_queued":   atomic.LoadUint64(&q.queuedAccess),
		"blocked_queued":  atomic.LoadUint64(&q.queuedBlocked),
		"access_dropped":  atomic.LoadUint64(&q.droppedAccess),
		"blocked_dropped": atomic.LoadUint64(&q.droppedBlocked),
		"stale_dropped":   atomic.LoadUint64(&q.staleDropped),
	}
}
