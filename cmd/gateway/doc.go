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

/*
Command gateway runs the UHDSlave access-control gateway.

The gateway sits in front of an Emby/Jellyfin-compatible media server,
evaluates the layered access policy for every request, keeps identity and
quota state in a shared Redis store, and synchronizes with the central
control plane through periodic background loops.

# Usage

	gateway

# Environment Variables

Required:
  - UHDADMIN_URL: base URL of the central control plane
  - APP_TOKEN: control-plane application token

Optional:
  - PORT: HTTP listen port (default: 8097)
  - WORKER_ID: worker index; only worker 0 runs the background agent
  - REDIS_HOST / REDIS_PORT / REDIS_DB / REDIS_PASSWORD: store location
  - EMBY_SERVER_URL / EMBY_API_KEY: upstream media server, enables the
    token-resolve loop and the built-in reverse proxy
  - CONFIG_PULL_INTERVAL, TELEMETRY_FLUSH_INTERVAL, QUOTA_SYNC_INTERVAL,
    HEARTBEAT_INTERVAL, SESSION_HEARTBEAT_INTERVAL, TOKEN_RESOLVE_INTERVAL:
    loop intervals in seconds
  - UHDSLAVE_CONFIG_FILE: optional YAML file pre-seeding the above

# Example

	export UHDADMIN_URL="https://admin.example.net"
	export APP_TOKEN="app-secret"
	export EMBY_SERVER_URL="http://127.0.0.1:8096"
	./gateway
*/
package main
