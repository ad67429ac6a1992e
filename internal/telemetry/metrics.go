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

package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics collects harness execution metrics.
type Metrics struct {
	meter metric.Meter

	// Counters
	runsTotal       metric.Int64Counter
	stepsTotal      metric.Int64Counter
	recoveriesTotal metric.Int64Counter
	toolCallsTotal  metric.Int64Counter
	cacheTotal      metric.Int64Counter

	// Histograms
	runDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram
	runScore     metric.Float64Histogram

	// Gauge state
	activeRuns   map[string]bool
	activeRunsMu sync.RWMutex
	queueDepth   int64
	queueDepthMu sync.RWMutex
}

// NewMetrics registers the harness instruments on the given meter
// provider.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	meter := meterProvider.Meter("flowbench")

	m := &Metrics{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error

	m.runsTotal, err = meter.Int64Counter(
		"flowbench_runs_total",
		metric.WithDescription("Total number of benchmark runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.stepsTotal, err = meter.Int64Counter(
		"flowbench_steps_total",
		metric.WithDescription("Total number of flow steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	m.recoveriesTotal, err = meter.Int64Counter(
		"flowbench_recovery_attempts_total",
		metric.WithDescription("Total number of recovery attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.toolCallsTotal, err = meter.Int64Counter(
		"flowbench_tool_calls_total",
		metric.WithDescription("Total number of agent tool calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.cacheTotal, err = meter.Int64Counter(
		"flowbench_context_cache_events_total",
		metric.WithDescription("Context resolver cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	m.runDuration, err = meter.Float64Histogram(
		"flowbench_run_duration_seconds",
		metric.WithDescription("Benchmark run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.stepDuration, err = meter.Float64Histogram(
		"flowbench_step_duration_seconds",
		metric.WithDescription("Step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.runScore, err = meter.Float64Histogram(
		"flowbench_run_score",
		metric.WithDescription("Final run score between 0 and 1"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"flowbench_active_runs",
		metric.WithDescription("Number of currently executing benchmark runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			m.activeRunsMu.RLock()
			count := len(m.activeRuns)
			m.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"flowbench_queue_depth",
		metric.WithDescription("Number of pending runs in the queue"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			m.queueDepthMu.RLock()
			depth := m.queueDepth
			m.queueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordRunStart marks a run as active.
func (m *Metrics) RecordRunStart(runID string) {
	m.activeRunsMu.Lock()
	m.activeRuns[runID] = true
	m.activeRunsMu.Unlock()
}

// RecordRunComplete records a finished run.
func (m *Metrics) RecordRunComplete(ctx context.Context, runID, benchmarkID, agent, status string, score float64, duration time.Duration) {
	m.activeRunsMu.Lock()
	delete(m.activeRuns, runID)
	m.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("benchmark", benchmarkID),
		attribute.String("agent", agent),
		attribute.String("status", status),
	}

	m.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.runScore.Record(ctx, score, metric.WithAttributes(
		attribute.String("benchmark", benchmarkID),
		attribute.String("agent", agent),
	))
}

// RecordStepComplete records one executed step.
func (m *Metrics) RecordStepComplete(ctx context.Context, benchmarkID, status string, toolCalls int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("benchmark", benchmarkID),
		attribute.String("status", status),
	}

	m.stepsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if toolCalls > 0 {
		m.toolCallsTotal.Add(ctx, int64(toolCalls), metric.WithAttributes(
			attribute.String("benchmark", benchmarkID),
		))
	}
}

// RecordRecovery records one recovery attempt and its outcome.
func (m *Metrics) RecordRecovery(ctx context.Context, strategy, outcome string) {
	m.recoveriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	))
}

// RecordCacheLookup records a context resolver cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// RecordCacheStats folds one resolver cache's final counters into the
// lookup totals. Resolvers are run-scoped, so the fold happens once per
// run when the resolver retires.
func (m *Metrics) RecordCacheStats(ctx context.Context, cache string, hits, misses int64) {
	if hits > 0 {
		m.cacheTotal.Add(ctx, hits, metric.WithAttributes(
			attribute.String("cache", cache),
			attribute.String("result", "hit"),
		))
	}
	if misses > 0 {
		m.cacheTotal.Add(ctx, misses, metric.WithAttributes(
			attribute.String("cache", cache),
			attribute.String("result", "miss"),
		))
	}
}

// IncrementQueueDepth bumps the pending run gauge.
func (m *Metrics) IncrementQueueDepth() {
	m.queueDepthMu.Lock()
	m.queueDepth++
	m.queueDepthMu.Unlock()
}

// DecrementQueueDepth drops the pending run gauge.
func (m *Metrics) DecrementQueueDepth() {
	m.queueDepthMu.Lock()
	if m.queueDepth > 0 {
		m.queueDepth--
	}
	m.queueDepthMu.Unlock()
}
