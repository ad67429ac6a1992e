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
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueClosed is returned when operating on a closed queue.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("queue is full")
)

// job is one pending run submission.
type job struct {
	sub       Submission
	createdAt time.Time
}

// runQueue is a bounded in-memory FIFO. Dequeue blocks until a job is
// available or the context is cancelled.
type runQueue struct {
	mu       sync.Mutex
	jobs     []*job
	maxDepth int
	signal   chan struct{}
	closed   bool
	closedMu sync.RWMutex
}

func newRunQueue(maxDepth int) *runQueue {
	return &runQueue{
		jobs:     make([]*job, 0, maxDepth),
		maxDepth: maxDepth,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue appends a job. Returns ErrQueueFull at capacity so callers can
// reject the submission instead of blocking an API request.
func (q *runQueue) Enqueue(j *job) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrQueueClosed
	}
	q.closedMu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxDepth > 0 && len(q.jobs) >= q.maxDepth {
		return ErrQueueFull
	}
	q.jobs = append(q.jobs, j)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// Dequeue removes and returns the oldest job.
func (q *runQueue) Dequeue(ctx context.Context) (*job, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrQueueClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		if len(q.jobs) > 0 {
			j := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return j, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
			// A job may be available, loop again.
		}
	}
}

// Remove drops a queued job by run ID. Returns false when the job is no
// longer queued (already dequeued or never existed).
func (q *runQueue) Remove(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, j := range q.jobs {
		if j.sub.RunID == runID {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued jobs.
func (q *runQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close wakes all blocked Dequeues with ErrQueueClosed.
func (q *runQueue) Close() {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
