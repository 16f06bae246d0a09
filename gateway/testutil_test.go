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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"uhdslave/platform/store"
)

// newTestPipeline wires a pipeline against a fresh miniredis instance.
func newTestPipeline(t *testing.T) (*Pipeline, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewFromRedis(rdb)
	t.Cleanup(func() { _ = st.Close() })

	p := NewPipeline(st, NewConfigCache(), NewCounterCache(), NewTelemetryQueue(100, 100))
	return p, mr
}

// installSnapshot puts a snapshot into the pipeline's config cache.
func installSnapshot(t *testing.T, p *Pipeline, snap *Snapshot) {
	t.Helper()
	if snap.Version == 0 {
		snap.Version = 1
	}
	if !p.Config.Replace(snap) {
		t.Fatal("snapshot replace rejected")
	}
}
