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

// Package main is the entry point for the UHDSlave gateway service.
package main

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"uhdslave/platform/gateway"
)

func main() {
	if err := gateway.Run(upstreamHandler()); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

// upstreamHandler builds the transport-layer handler the gateway wraps.
// With EMBY_SERVER_URL configured it is a plain reverse proxy to the media
// server; without it, requests that pass the pipeline get a 502 so a
// misconfigured deployment is loud instead of silently eating traffic.
func upstreamHandler() http.Handler {
	target := os.Getenv("EMBY_SERVER_URL")
	if target == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream media server not configured", http.StatusBadGateway)
		})
	}
	u, err := url.Parse(target)
	if err != nil {
		log.Fatalf("invalid EMBY_SERVER_URL %q: %v", target, err)
	}
	return httputil.NewSingleHostReverseProxy(u)
}
