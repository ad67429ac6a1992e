// Copyright 2025 Tom Barlow
//
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

package httpclient

import (
	"log/slog"
	"net/http"
	"time"
)

// headerTransport injects the User-Agent and logs completed requests
// with redacted URLs.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

func newHeaderTransport(base http.RoundTripper, userAgent string) *headerTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &headerTransport{base: base, userAgent: userAgent}
}

// RoundTrip implements http.RoundTripper.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()

	logURL := sanitizeURL(req.URL)
	if err != nil {
		slog.Warn("http request failed",
			slog.String("method", req.Method),
			slog.String("url", logURL),
			slog.Int64("duration_ms", duration),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	slog.Log(req.Context(), level, "http request",
		slog.String("method", req.Method),
		slog.String("url", logURL),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", duration),
	)

	return resp, nil
}
