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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrReadinessTimeout is returned when the probe never succeeds within
// the deadline.
var ErrReadinessTimeout = errors.New("readiness timeout")

// ReadinessProbe reports whether the validator is serving yet. A nil
// error means ready.
type ReadinessProbe func(ctx context.Context) error

// ReadinessPoller repeats a probe with exponential backoff until it
// succeeds or the context expires.
type ReadinessPoller struct {
	probe           ReadinessProbe
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// NewReadinessPoller creates a poller with 50ms initial interval, 2x
// multiplier, and 1s cap.
func NewReadinessPoller(probe ReadinessProbe) *ReadinessPoller {
	return &ReadinessPoller{
		probe:           probe,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     1 * time.Second,
		multiplier:      2.0,
	}
}

// WithBackoff overrides the backoff parameters.
func (p *ReadinessPoller) WithBackoff(initial, max time.Duration, multiplier float64) *ReadinessPoller {
	p.initialInterval = initial
	p.maxInterval = max
	p.multiplier = multiplier
	return p
}

// WaitUntilReady polls until the probe succeeds. The context bounds the
// total wait; validators that never come up must not hang the run.
func (p *ReadinessPoller) WaitUntilReady(ctx context.Context) error {
	interval := p.initialInterval
	attempts := 0
	var lastErr error

	for {
		attempts++
		if err := p.probe(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %d attempts: %v", ErrReadinessTimeout, attempts, lastErr)
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * p.multiplier)
		if interval > p.maxInterval {
			interval = p.maxInterval
		}
	}
}
