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

// Package server exposes benchmark execution over HTTP: submissions go
// into a bounded queue, a fixed worker pool drains it, and results are
// queried by run ID. One worker per validator port, so the default pool
// size is one.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/flowbench/internal/log"
	"github.com/tombee/flowbench/internal/session"
)

// Run statuses owned by the server. Terminal statuses come from the
// executor's run record.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusCanceled = "canceled"
	StatusError    = "error"
)

// Submission describes one requested benchmark run.
type Submission struct {
	// RunID is assigned by the server.
	RunID string

	// BenchmarkID references a discovered benchmark document.
	BenchmarkID string

	// Document is an inline benchmark YAML body. Set for direct
	// submissions; empty when BenchmarkID references the library.
	Document []byte

	// Agent overrides the configured agent kind for this run.
	Agent string
}

// Executor runs one submitted benchmark to completion. Implementations
// own session logging and result persistence; the returned record is
// what they stored.
type Executor interface {
	Execute(ctx context.Context, sub Submission) (*session.RunRecord, error)
}

// RunState is the server's view of a submitted run.
type RunState struct {
	RunID       string     `json:"run_id"`
	BenchmarkID string     `json:"benchmark_id,omitempty"`
	Agent       string     `json:"agent,omitempty"`
	Status      string     `json:"status"`
	Score       float64    `json:"score,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Config configures the execution API server.
type Config struct {
	// Addr is the listen address.
	Addr string

	// MaxQueueDepth bounds pending submissions.
	MaxQueueDepth int

	// MaxConcurrentRuns sizes the worker pool.
	MaxConcurrentRuns int

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// Auth configures bearer-token authentication.
	Auth AuthConfig
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:9700"
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 32
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 1
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// QueueObserver receives queue depth changes. Satisfied by
// telemetry.Metrics.
type QueueObserver interface {
	IncrementQueueDepth()
	DecrementQueueDepth()
}

// Server is the execution API.
type Server struct {
	cfg     Config
	exec    Executor
	store   *session.Store
	logger  *slog.Logger
	queue   *runQueue
	observe QueueObserver

	metricsHandler http.Handler

	mu      sync.RWMutex
	runs    map[string]*RunState
	cancels map[string]context.CancelFunc

	draining   bool
	drainMu    sync.RWMutex
	workers    sync.WaitGroup
	httpServer *http.Server
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithMetricsHandler serves the given handler on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithQueueObserver reports queue depth changes to o.
func WithQueueObserver(o QueueObserver) Option {
	return func(s *Server) { s.observe = o }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates the server. exec must not be nil; store may be nil when
// terminal results are not queried across restarts.
func New(cfg Config, exec Executor, store *session.Store, opts ...Option) (*Server, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	cfg.applyDefaults()

	if cfg.Auth.Enabled && len(cfg.Auth.Secret) == 0 && cfg.Auth.PublicKey == nil {
		return nil, fmt.Errorf("auth enabled but no verification key configured")
	}

	s := &Server{
		cfg:     cfg,
		exec:    exec,
		store:   store,
		logger:  log.New(log.FromEnv()),
		queue:   newRunQueue(cfg.MaxQueueDepth),
		runs:    make(map[string]*RunState),
		cancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent(s.logger, "server")

	return s, nil
}

// Start listens and serves until ctx is cancelled. Blocks; returns the
// listener error, or nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	for i := 0; i < s.cfg.MaxConcurrentRuns; i++ {
		s.workers.Add(1)
		go s.worker(workerCtx)
	}

	s.httpServer = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("server starting",
		slog.String("listen_addr", ln.Addr().String()),
		slog.Int("max_queue_depth", s.cfg.MaxQueueDepth),
		slog.Int("max_concurrent_runs", s.cfg.MaxConcurrentRuns))

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

	return s.shutdown()
}

// shutdown drains active runs, then closes the listener.
func (s *Server) shutdown() error {
	s.drainMu.Lock()
	s.draining = true
	s.drainMu.Unlock()

	s.logger.Info("graceful shutdown initiated",
		slog.Int("queued_runs", s.queue.Len()),
		slog.Int("active_runs", s.activeRunCount()))

	s.httpServer.SetKeepAlivesEnabled(false)

	// Closing the queue wakes idle workers; busy workers finish their
	// current run first.
	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	drainTimer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer drainTimer.Stop()
	select {
	case <-done:
		s.logger.Info("all runs completed during drain")
	case <-drainTimer.C:
		s.logger.Warn("drain timeout exceeded",
			slog.Int("remaining_runs", s.activeRunCount()))
		s.cancelActiveRuns()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) isDraining() bool {
	s.drainMu.RLock()
	defer s.drainMu.RUnlock()
	return s.draining
}

func (s *Server) activeRunCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cancels)
}

func (s *Server) cancelActiveRuns() {
	s.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Submit queues a run. Used by the HTTP handler and directly by
// embedders.
func (s *Server) Submit(sub Submission) (*RunState, error) {
	if s.isDraining() {
		return nil, fmt.Errorf("server is shutting down")
	}
	if sub.BenchmarkID == "" && len(sub.Document) == 0 {
		return nil, fmt.Errorf("benchmark_id or inline document is required")
	}

	if sub.RunID == "" {
		sub.RunID = uuid.NewString()
	}

	state := &RunState{
		RunID:       sub.RunID,
		BenchmarkID: sub.BenchmarkID,
		Agent:       sub.Agent,
		Status:      StatusQueued,
		SubmittedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.runs[sub.RunID] = state
	s.mu.Unlock()

	if err := s.queue.Enqueue(&job{sub: sub, createdAt: state.SubmittedAt}); err != nil {
		s.mu.Lock()
		delete(s.runs, sub.RunID)
		s.mu.Unlock()
		return nil, err
	}
	if s.observe != nil {
		s.observe.IncrementQueueDepth()
	}

	s.logger.Info("run queued",
		slog.String(log.RunIDKey, sub.RunID),
		slog.String(log.BenchmarkKey, sub.BenchmarkID))

	return state.clone(), nil
}

// Get returns the state for a run ID, consulting the store for runs
// from previous processes.
func (s *Server) Get(ctx context.Context, runID string) (*RunState, *session.RunRecord, error) {
	s.mu.RLock()
	state, ok := s.runs[runID]
	s.mu.RUnlock()

	if ok {
		st := state.clone()
		if s.store != nil && terminalStatus(st.Status) {
			if rec, err := s.store.GetRun(ctx, runID); err == nil {
				return st, rec, nil
			}
		}
		return st, nil, nil
	}

	if s.store != nil {
		rec, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, nil, err
		}
		return stateFromRecord(rec), rec, nil
	}

	return nil, nil, fmt.Errorf("run not found: %s", runID)
}

// List returns the states known to this process, newest first.
func (s *Server) List() []*RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]*RunState, 0, len(s.runs))
	for _, state := range s.runs {
		states = append(states, state.clone())
	}
	sortStatesBySubmission(states)
	return states
}

// Cancel stops a queued or running run.
func (s *Server) Cancel(runID string) (*RunState, error) {
	s.mu.Lock()
	state, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	switch state.Status {
	case StatusQueued:
		if s.queue.Remove(runID) {
			state.Status = StatusCanceled
			now := time.Now().UTC()
			state.FinishedAt = &now
			if s.observe != nil {
				s.observe.DecrementQueueDepth()
			}
			st := state.clone()
			s.mu.Unlock()
			return st, nil
		}
		// Dequeued between the status read and the removal: treat as
		// running and fall through.
		fallthrough
	case StatusRunning:
		cancel, running := s.cancels[runID]
		st := state.clone()
		s.mu.Unlock()
		if running {
			cancel()
		}
		return st, nil
	default:
		st := state.clone()
		s.mu.Unlock()
		return st, fmt.Errorf("run already finished: %s", runID)
	}
}

// worker drains the queue until it closes.
func (s *Server) worker(ctx context.Context) {
	defer s.workers.Done()

	for {
		j, err := s.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if s.observe != nil {
			s.observe.DecrementQueueDepth()
		}
		s.runJob(ctx, j)
	}
}

func (s *Server) runJob(ctx context.Context, j *job) {
	runID := j.sub.RunID

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := time.Now().UTC()
	s.mu.Lock()
	state, ok := s.runs[runID]
	if !ok || state.Status == StatusCanceled {
		s.mu.Unlock()
		return
	}
	state.Status = StatusRunning
	state.StartedAt = &now
	s.cancels[runID] = cancel
	s.mu.Unlock()

	logger := log.WithRunContext(s.logger, runID, j.sub.BenchmarkID)
	logger.Info("run started")

	rec, err := s.exec.Execute(runCtx, j.sub)

	finished := time.Now().UTC()
	s.mu.Lock()
	delete(s.cancels, runID)
	state.FinishedAt = &finished
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		state.Status = StatusCanceled
		state.Error = "canceled"
	case err != nil:
		state.Status = StatusError
		state.Error = err.Error()
	default:
		state.Status = rec.Status
		state.Score = rec.Score
		state.BenchmarkID = rec.BenchmarkID
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("run failed", log.Error(err))
		return
	}
	logger.Info("run finished",
		slog.String("status", rec.Status),
		slog.Float64("score", rec.Score))
}

func (st *RunState) clone() *RunState {
	c := *st
	return &c
}

func terminalStatus(status string) bool {
	switch status {
	case StatusQueued, StatusRunning:
		return false
	}
	return true
}

func stateFromRecord(rec *session.RunRecord) *RunState {
	state := &RunState{
		RunID:       rec.RunID,
		BenchmarkID: rec.BenchmarkID,
		Agent:       rec.Agent,
		Status:      rec.Status,
		Score:       rec.Score,
		SubmittedAt: rec.StartedAt,
	}
	if !rec.StartedAt.IsZero() {
		started := rec.StartedAt
		state.StartedAt = &started
	}
	if !rec.FinishedAt.IsZero() {
		finished := rec.FinishedAt
		state.FinishedAt = &finished
	}
	return state
}

func sortStatesBySubmission(states []*RunState) {
	for i := 1; i < len(states); i++ {
		for j := i; j > 0 && states[j].SubmittedAt.After(states[j-1].SubmittedAt); j-- {
			states[j], states[j-1] = states[j-1], states[j]
		}
	}
}
