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
	"bytes"
	"net/http"
	"strconv"
	"time"
)

// Login response bodies are small JSON documents; anything past this cap
// is not an authentication response and capture stops accumulating.
const loginCaptureLimit = 1 << 20

// Middleware wraps the upstream transport handler with the access phase,
// login response capture, and the log phase. The upstream handler is the
// reverse-proxy byte mover supplied by the caller; the gateway never
// touches its response bytes except to observe them.
func (p *Pipeline) Middleware(upstream http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()

		decision, fp := p.Evaluate(r.Context(), r)

		ctx := WithFingerprint(r.Context(), fp)
		if decision.ThrottleRateBPS > 0 {
			ctx = WithThrottleRate(ctx, decision.ThrottleRateBPS)
		}
		r = r.WithContext(ctx)

		if !decision.Allow {
			writeDecision(w, fp, decision)
			return
		}

		rec := newResponseRecorder(w, isLoginRequest(r))
		upstreamStart := time.Now()
		upstream.ServeHTTP(rec, r)
		upstreamTime := time.Since(upstreamStart)

		if rec.capturing && rec.status == http.StatusOK {
			p.CaptureLogin(r.Context(), fp, rec.captured.Bytes())
		}

		p.RecordLogPhase(r.Context(), fp, RequestOutcome{
			Status:       rec.status,
			BytesSent:    rec.bytes,
			RequestTime:  time.Since(started),
			UpstreamTime: upstreamTime,
		})
	})
}

// writeDecision renders a denial or an intercepted response. Every
// non-forwarded response carries the cache-suppression headers so clients
// and intermediate caches never retain it.
func writeDecision(w http.ResponseWriter, fp *Fingerprint, d *Decision) {
	h := w.Header()
	h.Set("Content-Type", d.ContentType)
	h.Set("X-DetailPreload-Bytes", "-1")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	if fp != nil && fp.RequestID != "" {
		h.Set("X-Request-Id", fp.RequestID)
	}
	h.Set("Content-Length", strconv.Itoa(len(d.Body)))
	w.WriteHeader(d.Status)
	_, _ = w.Write(d.Body)
}

// responseRecorder observes the upstream response: status, byte count,
// and — for login requests — an accumulated copy of the body. The bytes
// written downstream are always exactly the bytes the upstream produced.
type responseRecorder struct {
	http.ResponseWriter
	status    int
	bytes     int64
	capturing bool
	captured  bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter, capture bool) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK, capturing: capture}
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	// A non-200 login response carries no token; stop accumulating.
	if status != http.StatusOK {
		r.capturing = false
		r.captured.Reset()
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.capturing {
		if r.captured.Len()+len(b) <= loginCaptureLimit {
			r.captured.Write(b)
		} else {
			r.capturing = false
			r.captured.Reset()
		}
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Flush passes streaming flushes through to the transport.
func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
