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

// Package agentd serves the reference agent over HTTP. It speaks the
// same wire contract the harness's HTTP agent client expects: POST
// /gen/tx takes a step prompt plus on-chain context and answers with
// the generated instruction set under result.text.
//
// Two backends exist. The deterministic backend replays ground-truth
// instructions from benchmark documents and exists for harness
// self-tests: a run driven by it must score 1.0. The llm backend asks
// an OpenAI-compatible chat model to generate the instructions.
package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tombee/flowbench/internal/log"
	"github.com/tombee/flowbench/pkg/agent"
)

// GenerateRequest is the wire form of one generation request.
type GenerateRequest struct {
	// ID is the benchmark id the step belongs to.
	ID string `json:"id"`

	// Prompt is the step's natural-language request.
	Prompt string `json:"prompt"`

	// ContextPrompt is the rendered on-chain context block.
	ContextPrompt string `json:"context_prompt"`

	// GenerationPrompt is the harness's fixed instruction block.
	GenerationPrompt string `json:"generation_prompt"`

	// ModelName optionally overrides the configured model.
	ModelName string `json:"model_name,omitempty"`
}

// Backend produces the instruction set for one generation request.
type Backend interface {
	Generate(ctx context.Context, req *GenerateRequest) ([]agent.RawInstruction, error)
	Name() string
}

// Config configures the reference agent service.
type Config struct {
	// Addr is the listen address.
	Addr string

	// Backend selects the default backend, deterministic or llm.
	// Requests with ?mock=true always hit the deterministic one.
	Backend string

	// BenchmarksDir holds the benchmark documents the deterministic
	// backend replays from.
	BenchmarksDir string

	// Model is the default model for the llm backend.
	Model string

	// BaseURL points the llm backend at an OpenAI-compatible endpoint.
	// Empty targets OpenAI itself.
	BaseURL string

	// APIKey authenticates against the model endpoint.
	APIKey string
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9090"
	}
	if c.Backend == "" {
		c.Backend = "deterministic"
	}
}

// Server is the reference agent HTTP service.
type Server struct {
	cfg    Config
	logger *slog.Logger

	deterministic Backend
	llm           Backend

	httpServer *http.Server
}

// New creates the service, constructing the backends the config names.
func New(cfg Config) (*Server, error) {
	cfg.applyDefaults()

	s := &Server{
		cfg:    cfg,
		logger: log.WithComponent(log.New(log.FromEnv()), "agentd"),
	}

	switch cfg.Backend {
	case "deterministic", "llm":
	default:
		return nil, fmt.Errorf("unknown agent backend %q: expected deterministic or llm", cfg.Backend)
	}

	if cfg.BenchmarksDir != "" {
		backend, err := NewDeterministicBackend(cfg.BenchmarksDir, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build deterministic backend: %w", err)
		}
		s.deterministic = backend
	}
	if cfg.Backend == "deterministic" && s.deterministic == nil {
		return nil, fmt.Errorf("deterministic backend requires a benchmarks directory")
	}

	if cfg.Backend == "llm" {
		backend, err := NewLLMBackend(cfg, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build llm backend: %w", err)
		}
		s.llm = backend
	}

	return s, nil
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.httpServer = &http.Server{
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		// Model latency dominates response time; the harness client
		// allows 120s per generation.
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("agent service starting",
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("backend", s.cfg.Backend))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /gen/tx", s.handleGenerate)
	return mux
}

// handleHealth handles GET /health. Used by the harness's process
// manager to gate run start on agent readiness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleGenerate handles POST /gen/tx.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	backend, err := s.backendFor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	instructions, err := backend.Generate(r.Context(), &req)
	if err != nil {
		s.logger.Error("generation failed",
			slog.String("backend", backend.Name()),
			slog.String(log.BenchmarkKey, req.ID),
			log.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("generated instructions",
		slog.String("backend", backend.Name()),
		slog.String(log.BenchmarkKey, req.ID),
		slog.Int("instructions", len(instructions)),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))

	text, err := marshalResultText(instructions)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": map[string]any{"text": text},
	})
}

// backendFor picks the backend for a request. The mock query parameter
// forces the deterministic backend regardless of configuration.
func (s *Server) backendFor(r *http.Request) (Backend, error) {
	if r.URL.Query().Get("mock") == "true" {
		if s.deterministic == nil {
			return nil, fmt.Errorf("deterministic backend is not configured: set a benchmarks directory")
		}
		return s.deterministic, nil
	}

	switch s.cfg.Backend {
	case "llm":
		return s.llm, nil
	default:
		return s.deterministic, nil
	}
}

// marshalResultText encodes the instruction set the way a model would
// emit it: a single object for one instruction, an array otherwise.
func marshalResultText(instructions []agent.RawInstruction) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if len(instructions) == 1 {
		data, err = json.Marshal(instructions[0])
	} else {
		data, err = json.Marshal(instructions)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode instructions: %w", err)
	}
	return data, nil
}

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
