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
	"sync"
	"time"
)

// CounterCache is the in-process shared memory for rate-limit counters:
// short-TTL integer slots with seed-on-first-observation semantics. Access
// never yields, which keeps the hot path free of suspension points.
type CounterCache struct {
	mu      sync.Mutex
	entries map[string]*counterSlot

	// opportunistic sweep bookkeeping
	ops        int
	sweepEvery int
}

type counterSlot struct {
	value     int64
	expiresAt time.Time
}

// NewCounterCache creates an empty counter cache.
func NewCounterCache() *CounterCache {
	return &CounterCache{
		entries:    make(map[string]*counterSlot),
		sweepEvery: 4096,
	}
}

// TakeToken implements the per-second leaky bucket: a fresh or expired slot
// seeds to seed (= burst-1, one token consumed by this request) and allows;
// a live slot decrements. The returned value below zero means deny.
func (c *CounterCache) TakeToken(key string, seed int64, ttl time.Duration) int64 {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeSweep(now)

	slot, ok := c.entries[key]
	if !ok || now.After(slot.expiresAt) {
		c.entries[key] = &counterSlot{value: seed, expiresAt: now.Add(ttl)}
		return seed
	}
	slot.value--
	return slot.value
}

// CountInWindow implements the fixed 60-second window: a fresh or expired
// slot seeds to 1; a live slot increments. The returned value is the
// post-increment observation count for the window.
func (c *CounterCache) CountInWindow(key string, ttl time.Duration) int64 {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeSweep(now)

	slot, ok := c.entries[key]
	if !ok || now.After(slot.expiresAt) {
		c.entries[key] = &counterSlot{value: 1, expiresAt: now.Add(ttl)}
		return 1
	}
	slot.value++
	return slot.value
}

// Len reports the live slot count (expired slots may still be counted
// until the next sweep).
func (c *CounterCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// maybeSweep drops expired slots every sweepEvery operations so the map is
// bounded without a background goroutine. Caller holds the lock.
func (c *CounterCache) maybeSweep(now time.Time) {
	c.ops++
	if c.ops < c.sweepEvery {
		return
	}
	c.ops = 0
	for k, slot := range c.entries {
		if now.After(slot.expiresAt) {
			delete(c.entries, k)
		}
	}
}
