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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/flowbench/pkg/flow"
)

// SubmitRequest is the JSON request body for creating a run.
type SubmitRequest struct {
	BenchmarkID string `json:"benchmark_id"`
	Agent       string `json:"agent,omitempty"`
}

// RunResponse is the detailed view of a single run.
type RunResponse struct {
	*RunState
	Result      *flow.FlowResult `json:"result,omitempty"`
	SessionPath string           `json:"session_path,omitempty"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health and metrics stay unauthenticated for probes and scrapers.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	mux.HandleFunc("POST /v1/runs", s.requireAuth(s.handleSubmit))
	mux.HandleFunc("GET /v1/runs", s.requireAuth(s.handleList))
	mux.HandleFunc("GET /v1/runs/{id}", s.requireAuth(s.handleGet))
	mux.HandleFunc("DELETE /v1/runs/{id}", s.requireAuth(s.handleCancel))

	return s.logRequests(mux)
}

// logRequests logs one line per completed request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			s.logger.Info("request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()
		next.ServeHTTP(w, r)
	})
}

// handleSubmit handles POST /v1/runs.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	// Check if the server is draining (graceful shutdown in progress)
	if s.isDraining() {
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusServiceUnavailable, "server is shutting down gracefully")
		return
	}

	contentType := r.Header.Get("Content-Type")

	var sub Submission
	if strings.HasPrefix(contentType, "application/json") {
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.BenchmarkID == "" {
			writeError(w, http.StatusBadRequest, "benchmark_id field required")
			return
		}
		sub.BenchmarkID = req.BenchmarkID
		sub.Agent = req.Agent
	} else if strings.HasPrefix(contentType, "application/x-yaml") || strings.HasPrefix(contentType, "text/yaml") {
		// Benchmark document directly in body.
		doc, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read benchmark: %v", err))
			return
		}
		if len(doc) == 0 {
			writeError(w, http.StatusBadRequest, "benchmark document required")
			return
		}
		sub.Document = doc
		sub.Agent = r.URL.Query().Get("agent")
	} else {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json or application/x-yaml")
		return
	}

	state, err := s.Submit(sub)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusTooManyRequests, "run queue is full")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to submit run: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, state)
}

// handleList handles GET /v1/runs.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	states := s.List()

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := states[:0]
		for _, st := range states {
			if st.Status == status {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  states,
		"count": len(states),
	})
}

// handleGet handles GET /v1/runs/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "run ID required")
		return
	}

	state, rec, err := s.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	resp := RunResponse{RunState: state}
	if rec != nil {
		resp.Result = rec.Result
		resp.SessionPath = rec.SessionPath
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCancel handles DELETE /v1/runs/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "run ID required")
		return
	}

	state, err := s.Cancel(id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, state)
}

// handleHealth handles GET /healthz. Intended for load balancer probes,
// so it requires no authentication.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.isDraining() {
		status = "draining"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"queue_depth": s.queue.Len(),
		"active_runs": s.activeRunCount(),
	})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
