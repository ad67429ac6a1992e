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

package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/flowbench/internal/log"
	"github.com/tombee/flowbench/internal/session"
	"github.com/tombee/flowbench/internal/telemetry"
	"github.com/tombee/flowbench/pkg/flow"
)

// sessionObserver mirrors step boundaries into the run's session log.
type sessionObserver struct {
	writer *session.Writer
	logger *slog.Logger
}

func (o *sessionObserver) StepStarted(_ string, _ *flow.Step, _ int) {
	o.writer.StepStarted()
}

func (o *sessionObserver) StepFinished(_ string, result *flow.StepResult) {
	if err := o.writer.LogStepComplete(result.StepID, string(result.Status), result.Score, result.Error); err != nil {
		o.logger.Warn("failed to log step completion", log.Error(err))
	}
}

// metricsObserver folds step boundaries into harness metrics. Recovery
// strategies are resolved from the plan up front so re-invocations can
// be attributed without consulting the controller.
type metricsObserver struct {
	metrics     *telemetry.Metrics
	benchmarkID string
	strategies  map[string]string

	mu       sync.Mutex
	attempts map[string]int
}

func newMetricsObserver(metrics *telemetry.Metrics, benchmarkID string, plan *flow.FlowPlan) *metricsObserver {
	strategies := make(map[string]string, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Recovery != nil {
			strategies[step.ID] = string(step.Recovery.Type)
		} else {
			strategies[step.ID] = string(flow.RecoveryRetry)
		}
	}
	return &metricsObserver{
		metrics:     metrics,
		benchmarkID: benchmarkID,
		strategies:  strategies,
		attempts:    make(map[string]int),
	}
}

func (o *metricsObserver) StepStarted(_ string, step *flow.Step, attempt int) {
	o.mu.Lock()
	o.attempts[step.ID] = attempt
	o.mu.Unlock()

	if attempt > 1 {
		o.metrics.RecordRecovery(context.Background(), o.strategies[step.ID], "attempt")
	}
}

func (o *metricsObserver) StepFinished(_ string, result *flow.StepResult) {
	ctx := context.Background()
	o.metrics.RecordStepComplete(ctx, o.benchmarkID, string(result.Status),
		len(result.ToolCalls), time.Duration(result.DurationMS)*time.Millisecond)

	o.mu.Lock()
	attempts := o.attempts[result.StepID]
	o.mu.Unlock()

	if attempts > 1 || result.RecoveryAttempts > 0 {
		outcome := "exhausted"
		if result.Succeeded() {
			outcome = "recovered"
		}
		o.metrics.RecordRecovery(ctx, o.strategies[result.StepID], outcome)
	}
}
