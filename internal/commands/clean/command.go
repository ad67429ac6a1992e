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

package clean

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/flowbench/internal/commands/shared"
	"github.com/tombee/flowbench/internal/prompt"
)

// NewCommand creates the clean command
func NewCommand() *cobra.Command {
	var (
		olderThan time.Duration
		yes       bool
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove old sessions and run history",
		Annotations: map[string]string{
			"group": "management",
		},
		Long: `Clean removes session logs from the sessions directory and prunes the
matching rows from the run store. Without --older-than everything goes;
with it only artifacts older than the given duration are removed.

Interactive invocations confirm before deleting. Non-interactive ones
(CI, pipes) require --yes.`,
		Example: `  # Example 1: Remove everything after confirming
  flowbench clean

  # Example 2: Remove runs older than a week, no questions
  flowbench clean --older-than 168h --yes

  # Example 3: See what would go
  flowbench clean --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, olderThan, yes, dryRun)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only remove artifacts older than this (e.g. 168h)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be removed without removing it")

	return cmd
}

func runClean(cmd *cobra.Command, olderThan time.Duration, yes, dryRun bool) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	cutoff := time.Now()
	if olderThan > 0 {
		cutoff = cutoff.Add(-olderThan)
	}

	sessions, bytes, err := sessionLogsBefore(cfg.Sessions.Dir, cutoff)
	if err != nil {
		return fmt.Errorf("failed to scan sessions: %w", err)
	}

	if dryRun {
		return report(cmd, "clean", len(sessions), bytes, 0, true)
	}

	if !yes {
		interactive := !shared.GetJSON() && !shared.IsNonInteractive()
		if !interactive {
			return shared.NewConfigError("refusing to clean without --yes in non-interactive mode", nil)
		}
		msg := fmt.Sprintf("Remove %d session logs (%s) and matching run history?",
			len(sessions), humanBytes(bytes))
		ok, err := prompt.New(true).Confirm(msg, false)
		if err != nil {
			return err
		}
		if !ok {
			cmd.Println("Aborted")
			return nil
		}
	}

	removed := 0
	for _, path := range sessions {
		if err := os.Remove(path); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to remove %s: %v\n", path, err)
			continue
		}
		removed++
	}

	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	pruned, err := store.PruneRuns(ctx, cutoff)
	if err != nil {
		return err
	}

	return report(cmd, "clean", removed, bytes, pruned, false)
}

// sessionLogsBefore lists session files modified before the cutoff and
// their combined size.
func sessionLogsBefore(dir string, cutoff time.Time) ([]string, int64, error) {
	pattern := filepath.Join(dir, "*.jsonl")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, 0, err
	}

	var paths []string
	var total int64
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		paths = append(paths, path)
		total += info.Size()
	}
	return paths, total, nil
}

func report(cmd *cobra.Command, command string, sessions int, bytes int64, pruned int64, dryRun bool) error {
	if shared.GetJSON() {
		type cleanResponse struct {
			shared.JSONResponse
			Sessions   int   `json:"sessions"`
			Bytes      int64 `json:"bytes"`
			PrunedRuns int64 `json:"pruned_runs"`
			DryRun     bool  `json:"dry_run"`
		}
		return shared.EmitJSON(cmd.OutOrStdout(), cleanResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: command,
				Success: true,
			},
			Sessions:   sessions,
			Bytes:      bytes,
			PrunedRuns: pruned,
			DryRun:     dryRun,
		})
	}

	if dryRun {
		cmd.Printf("Would remove %d session logs (%s)\n", sessions, humanBytes(bytes))
		return nil
	}
	cmd.Printf("Removed %d session logs (%s), pruned %d runs\n", sessions, humanBytes(bytes), pruned)
	return nil
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
