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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProviderBasicSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()

	provider, err := New(context.Background(),
		Config{ServiceName: "flowbench-test", ServiceVersion: "0.0.1"},
		sdktrace.WithSyncer(exporter),
	)
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	tracer := provider.Tracer("test")
	ctx, span := tracer.Start(context.Background(), "step.execute")
	span.SetAttributes(attribute.String("step_id", "swap"))
	span.End()
	_ = ctx

	require.NoError(t, provider.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "step.execute", spans[0].Name)

	var found bool
	for _, attr := range spans[0].Attributes {
		if attr.Key == "step_id" {
			assert.Equal(t, "swap", attr.Value.AsString())
			found = true
		}
	}
	assert.True(t, found, "step_id attribute not found")
}

func TestProviderDisabledStillTraces(t *testing.T) {
	// Enabled=false must not break instrumentation call sites.
	provider, err := New(context.Background(), Config{})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	_, span := provider.Tracer("test").Start(context.Background(), "noop")
	span.End()
}

func TestProviderRejectsUnknownExporter(t *testing.T) {
	_, err := New(context.Background(), Config{
		Enabled:  true,
		Exporter: "statsd",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown telemetry exporter")
}

func TestMetricsHandlerServesCounters(t *testing.T) {
	provider, err := New(context.Background(), Config{ServiceName: "flowbench-test"})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	ctx := context.Background()
	m := provider.Metrics()
	m.RecordRunStart("run-1")
	m.RecordRunComplete(ctx, "run-1", "001-sol-transfer", "deterministic", "succeeded", 0.95, 12*time.Second)

	rec := httptest.NewRecorder()
	provider.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "flowbench_runs_total"), "runs counter missing from /metrics output")
	assert.True(t, strings.Contains(body, "flowbench_run_duration_seconds"), "duration histogram missing from /metrics output")
}

func TestMetricsActiveRuns(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	m.RecordRunStart("run-1")
	m.RecordRunStart("run-2")

	m.activeRunsMu.RLock()
	active := len(m.activeRuns)
	m.activeRunsMu.RUnlock()
	assert.Equal(t, 2, active)

	m.RecordRunComplete(context.Background(), "run-1", "bench", "agent", "failed", 0.2, time.Second)

	m.activeRunsMu.RLock()
	active = len(m.activeRuns)
	m.activeRunsMu.RUnlock()
	assert.Equal(t, 1, active)
}

func TestMetricsQueueDepthNeverNegative(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	m.DecrementQueueDepth()

	m.queueDepthMu.RLock()
	depth := m.queueDepth
	m.queueDepthMu.RUnlock()
	assert.Equal(t, int64(0), depth)

	m.IncrementQueueDepth()
	m.IncrementQueueDepth()
	m.DecrementQueueDepth()

	m.queueDepthMu.RLock()
	depth = m.queueDepth
	m.queueDepthMu.RUnlock()
	assert.Equal(t, int64(1), depth)
}

func TestMetricsRecordHelpers(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	// These must not panic with arbitrary label values.
	ctx := context.Background()
	m.RecordStepComplete(ctx, "002-jupiter-swap", "failed", 3, 850*time.Millisecond)
	m.RecordRecovery(ctx, "retry", "recovered")
	m.RecordCacheLookup(ctx, "wallet", true)
	m.RecordCacheLookup(ctx, "price", false)
}
