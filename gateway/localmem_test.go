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
	"testing"
	"time"
)

func TestTakeTokenSeedsAndDecrements(t *testing.T) {
	c := NewCounterCache()

	// burst of 3: seed is burst-1, then 1, 0, and -1 denies.
	vals := []int64{
		c.TakeToken("k", 2, time.Minute),
		c.TakeToken("k", 2, time.Minute),
		c.TakeToken("k", 2, time.Minute),
		c.TakeToken("k", 2, time.Minute),
	}
	want := []int64{2, 1, 0, -1}
	for i := range want {
		if vals[i] != want[i] {
			t.Errorf("take %d = %d, want %d", i, vals[i], want[i])
		}
	}
}

func TestTakeTokenReseedsAfterExpiry(t *testing.T) {
	c := NewCounterCache()
	ttl := 10 * time.Millisecond

	if got := c.TakeToken("k", 0, ttl); got != 0 {
		t.Fatalf("seed = %d", got)
	}
	if got := c.TakeToken("k", 0, ttl); got != -1 {
		t.Fatalf("second take = %d, want deny", got)
	}

	time.Sleep(2 * ttl)
	if got := c.TakeToken("k", 0, ttl); got != 0 {
		t.Errorf("post-expiry take = %d, want reseed to 0", got)
	}
}

func TestCountInWindow(t *testing.T) {
	c := NewCounterCache()
	for i := int64(1); i <= 5; i++ {
		if got := c.CountInWindow("w", time.Minute); got != i {
			t.Errorf("count %d = %d", i, got)
		}
	}
}

func TestCountInWindowResets(t *testing.T) {
	c := NewCounterCache()
	ttl := 10 * time.Millisecond
	c.CountInWindow("w", ttl)
	c.CountInWindow("w", ttl)
	time.Sleep(2 * ttl)
	if got := c.CountInWindow("w", ttl); got != 1 {
		t.Errorf("post-expiry count = %d, want 1", got)
	}
}

func TestCounterCacheConcurrency(t *testing.T) {
	c := NewCounterCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.CountInWindow("shared", time.Minute)
			}
		}()
	}
	wg.Wait()
	if got := c.CountInWindow("shared", time.Minute); got != 801 {
		t.Errorf("final count = %d, want 801", got)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	c := NewCounterCache()
	c.sweepEvery = 4
	c.CountInWindow("dead", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 5; i++ {
		c.CountInWindow("live", time.Minute)
	}
	if c.Len() != 1 {
		t.Errorf("expected expired slot swept, have %d entries", c.Len())
	}
}
