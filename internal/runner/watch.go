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
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/flowbench/internal/log"
	"github.com/tombee/flowbench/internal/session"
	"github.com/tombee/flowbench/pkg/benchmark"
)

// watchSettleDelay is how long the watcher waits after the last write
// before re-running, absorbing editor save bursts.
const watchSettleDelay = 500 * time.Millisecond

// Watch runs the benchmark at path, then re-runs it every time the file
// changes, until ctx is cancelled. Each outcome, load failures included,
// is delivered through onResult; the watch keeps going so a broken edit
// can be fixed without restarting.
//
// The parent directory is watched rather than the file itself: editors
// that save through a rename replace the inode, which silently detaches
// a file-level watch.
func (r *Runner) Watch(ctx context.Context, path, agentKind string, onResult func(*session.RunRecord, error)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve benchmark path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch benchmark directory: %w", err)
	}

	logger := log.WithComponent(r.logger, "watch")
	logger.Info("watching benchmark", "path", absPath)

	runOnce := func() {
		tc, lerr := benchmark.Load(absPath)
		if lerr != nil {
			onResult(nil, lerr)
			return
		}
		rec, rerr := r.Run(ctx, RunRequest{TestCase: tc, AgentKind: agentKind})
		onResult(rec, rerr)
	}
	runOnce()

	matches := func(ev fsnotify.Event) bool {
		return ev.Name == absPath && ev.Op&(fsnotify.Write|fsnotify.Create) != 0
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("watch stopped")
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("file watcher event channel closed")
			}
			if !matches(ev) {
				continue
			}

			// Absorb the rest of the save burst before re-running.
			settle := time.After(watchSettleDelay)
		settling:
			for {
				select {
				case <-ctx.Done():
					logger.Info("watch stopped")
					return ctx.Err()
				case ev, ok := <-watcher.Events:
					if !ok {
						return fmt.Errorf("file watcher event channel closed")
					}
					if matches(ev) {
						settle = time.After(watchSettleDelay)
					}
				case werr, ok := <-watcher.Errors:
					if !ok {
						return fmt.Errorf("file watcher error channel closed")
					}
					logger.Error("file watcher error", log.Error(werr))
				case <-settle:
					break settling
				}
			}

			logger.Info("benchmark changed, re-running", "path", absPath)
			runOnce()

		case werr, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("file watcher error channel closed")
			}
			logger.Error("file watcher error", log.Error(werr))
		}
	}
}
