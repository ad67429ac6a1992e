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
	"testing"
	"time"
)

func testJob(runID string) *job {
	return &job{
		sub:       Submission{RunID: runID, BenchmarkID: "bench-1"},
		createdAt: time.Now(),
	}
}

func TestQueueEnqueueDequeueOrder(t *testing.T) {
	q := newRunQueue(0)
	defer q.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(testJob(id)); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}

	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}

	for _, want := range []string{"a", "b", "c"} {
		j, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue() failed: %v", err)
		}
		if j.sub.RunID != want {
			t.Errorf("Dequeue() run ID = %s, want %s", j.sub.RunID, want)
		}
	}
}

func TestQueueEnqueueFull(t *testing.T) {
	q := newRunQueue(1)
	defer q.Close()

	if err := q.Enqueue(testJob("a")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	if err := q.Enqueue(testJob("b")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue() on full queue = %v, want ErrQueueFull", err)
	}

	// Draining one slot makes room again.
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatalf("Dequeue() failed: %v", err)
	}
	if err := q.Enqueue(testJob("b")); err != nil {
		t.Errorf("Enqueue() after drain failed: %v", err)
	}
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newRunQueue(0)
	defer q.Close()

	done := make(chan string, 1)
	go func() {
		j, err := q.Dequeue(context.Background())
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- j.sub.RunID
	}()

	// Give the consumer time to block.
	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(testJob("late")); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	select {
	case got := <-done:
		if got != "late" {
			t.Errorf("Dequeue() returned %s, want late", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue() did not wake after Enqueue")
	}
}

func TestQueueDequeueContextCanceled(t *testing.T) {
	q := newRunQueue(0)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Dequeue() with canceled context = %v, want context.Canceled", err)
	}
}

func TestQueueRemove(t *testing.T) {
	q := newRunQueue(0)
	defer q.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(testJob(id)); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}

	if !q.Remove("b") {
		t.Error("Remove(b) = false, want true")
	}
	if q.Remove("missing") {
		t.Error("Remove(missing) = true, want false")
	}
	if q.Len() != 2 {
		t.Errorf("Len() after remove = %d, want 2", q.Len())
	}

	for _, want := range []string{"a", "c"} {
		j, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue() failed: %v", err)
		}
		if j.sub.RunID != want {
			t.Errorf("Dequeue() run ID = %s, want %s", j.sub.RunID, want)
		}
	}
}

func TestQueueClose(t *testing.T) {
	q := newRunQueue(0)
	q.Close()
	q.Close() // idempotent

	if err := q.Enqueue(testJob("a")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue() after close = %v, want ErrQueueClosed", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Dequeue() after close = %v, want ErrQueueClosed", err)
	}
}

func TestQueueCloseWakesBlockedDequeue(t *testing.T) {
	q := newRunQueue(0)

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("Dequeue() after close = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue() did not wake after Close")
	}
}
