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
)

// ConfigCache holds the current policy snapshot. The agent is the single
// writer; the pipeline reads lock-free. A reader sees either the previous
// snapshot fully or the new one fully, never mixed fields.
type ConfigCache struct {
	current atomic.Pointer[Snapshot]
}

// NewConfigCache starts empty; an empty cache means cold start and the
// pipeline allows through.
func NewConfigCache() *ConfigCache {
	return &ConfigCache{}
}

// Current returns the active snapshot, or nil before the first pull.
func (c *ConfigCache) Current() *Snapshot {
	return c.current.Load()
}

// Version returns the active snapshot version, 0 when none is loaded.
func (c *ConfigCache) Version() int64 {
	if snap := c.current.Load(); snap != nil {
		return snap.Version
	}
	return 0
}

// Replace installs a new snapshot. Stale versions are rejected so an
// out-of-order pull can never roll policy backwards; equal versions are
// accepted to allow content refreshes from the out-of-band rules poll.
func (c *ConfigCache) Replace(snap *Snapshot) bool {
	if snap == nil {
		return false
	}
	for {
		old := c.current.Load()
		if old != nil && snap.Version < old.Version {
			return false
		}
		if c.current.CompareAndSwap(old, snap) {
			return true
		}
	}
}
