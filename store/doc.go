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

// Package store is the gateway's client for the shared Redis-compatible
// key/value store. It owns the connection pool, the typed operations
// (JSON records, counters, pipelined batches, pattern scans), and the
// canonical key builders for every key family the gateway reads or
// writes. The store is shared across gateway instances; per-key
// last-writer-wins is the only cross-instance guarantee.
package store
