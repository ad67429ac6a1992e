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

package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/flowbench/internal/commands/shared"
	"github.com/tombee/flowbench/internal/prompt"
	"github.com/tombee/flowbench/internal/render"
	"github.com/tombee/flowbench/internal/runner"
	"github.com/tombee/flowbench/internal/session"
	"github.com/tombee/flowbench/pkg/benchmark"
	"github.com/tombee/flowbench/pkg/flow"
)

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		agentKind  string
		watch      bool
		tags       []string
		outputFile string
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "run [benchmark]",
		Short: "Execute a benchmark against an agent",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run executes a benchmark: it forks the ledger into a hermetic sandbox,
provisions the document's initial state, hands the task to the agent one
step at a time, and scores every transaction against the ground truth.

The argument may be a benchmark document or a directory of them. With no
argument an interactive picker offers the configured benchmarks directory.

Agent selection:
  --agent deterministic   Replay the ground truth (harness self-test)
  --agent http            POST observations to the configured HTTP endpoint
  --agent mcp             Spawn the configured MCP server command

Watch mode re-runs a single benchmark whenever its file changes, which
keeps a feedback loop open while a document is being written.`,
		Example: `  # Example 1: Self-test a benchmark with the deterministic agent
  flowbench run benchmarks/001-sol-transfer.yml --agent deterministic

  # Example 2: Evaluate the configured HTTP agent on a whole suite
  flowbench run benchmarks/ --agent http

  # Example 3: Re-run on every edit while authoring
  flowbench run benchmarks/110-two-transfers.yml --watch

  # Example 4: Only benchmarks tagged spl
  flowbench run benchmarks/ --tags spl

  # Example 5: Machine-readable result
  flowbench run benchmarks/001-sol-transfer.yml --json | jq '.score'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := ""
			if len(args) > 0 {
				target = args[0]
			}
			return runBenchmarks(cmd, target, agentKind, watch, tags, outputFile, noColor)
		},
	}

	cmd.Flags().StringVar(&agentKind, "agent", "", "Agent implementation: deterministic, http or mcp (default from config)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-run the benchmark when its file changes")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Only run benchmarks carrying one of these tags (directory runs)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the run record as JSON to this file")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable terminal styling")

	return cmd
}

// runSummary is the JSON shape of one finished run.
type runSummary struct {
	RunID       string           `json:"run_id"`
	BenchmarkID string           `json:"benchmark_id"`
	Agent       string           `json:"agent"`
	Status      string           `json:"status"`
	Score       float64          `json:"score"`
	StartedAt   string           `json:"started_at"`
	FinishedAt  string           `json:"finished_at"`
	SessionPath string           `json:"session_path,omitempty"`
	Result      *flow.FlowResult `json:"result,omitempty"`
}

func summarize(rec *session.RunRecord) runSummary {
	return runSummary{
		RunID:       rec.RunID,
		BenchmarkID: rec.BenchmarkID,
		Agent:       rec.Agent,
		Status:      rec.Status,
		Score:       rec.Score,
		StartedAt:   rec.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:  rec.FinishedAt.UTC().Format(time.RFC3339),
		SessionPath: rec.SessionPath,
		Result:      rec.Result,
	}
}

func runBenchmarks(cmd *cobra.Command, target, agentKind string, watch bool, tags []string, outputFile string, noColor bool) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	interactive := !shared.GetJSON() && !shared.IsNonInteractive()

	if target == "" {
		if !interactive {
			return shared.NewInvalidBenchmarkError(
				"a benchmark path is required in non-interactive mode", nil)
		}
		target, err = pickBenchmark(cfg.Benchmarks.Dir)
		if err != nil {
			return err
		}
	}

	cases, singleFile, err := resolveTarget(target, tags)
	if err != nil {
		return err
	}
	if watch && !singleFile {
		return shared.NewInvalidBenchmarkError("--watch requires a single benchmark file", nil)
	}

	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []runner.Option{runner.WithStore(store)}
	if interactive {
		opts = append(opts, runner.WithPrompter(prompt.New(true)))
	}
	r := runner.New(cfg, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	color := !noColor && shared.ColorEnabled()

	if watch {
		return watchBenchmark(ctx, cmd, r, target, agentKind, color)
	}

	failures := 0
	for _, tc := range cases {
		rec, err := r.Run(ctx, runner.RunRequest{TestCase: tc, AgentKind: agentKind})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return shared.NewRunFailedError("run interrupted", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", tc.ID, err)
			failures++
			continue
		}

		if err := emitRecord(cmd, rec, color); err != nil {
			return err
		}
		if outputFile != "" {
			if err := writeRecord(outputFile, rec); err != nil {
				return err
			}
		}
		if rec.Status != string(flow.FlowSucceeded) {
			failures++
		}
	}

	if len(cases) > 1 && !shared.GetJSON() && !shared.GetQuiet() {
		cmd.Printf("\n%d/%d benchmarks passed\n", len(cases)-failures, len(cases))
	}

	if failures > 0 {
		return shared.NewRunFailedError(
			fmt.Sprintf("%d of %d benchmarks failed", failures, len(cases)), nil)
	}
	return nil
}

// resolveTarget expands the path argument into loaded benchmarks. The
// second return reports whether the target was a single document.
func resolveTarget(target string, tags []string) ([]*benchmark.TestCase, bool, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, false, shared.NewInvalidBenchmarkError("failed to locate benchmark", err)
	}

	if !info.IsDir() {
		tc, err := benchmark.Load(target)
		if err != nil {
			return nil, false, shared.NewInvalidBenchmarkError("invalid benchmark", err)
		}
		return []*benchmark.TestCase{tc}, true, nil
	}

	cases, err := benchmark.LoadDir(target, tags)
	if err != nil {
		return nil, false, shared.NewInvalidBenchmarkError("invalid benchmark in directory", err)
	}
	if len(cases) == 0 {
		return nil, false, shared.NewInvalidBenchmarkError(
			fmt.Sprintf("no benchmarks under %s match", target), nil)
	}
	return cases, false, nil
}

// watchBenchmark re-runs the document on every change until interrupted.
func watchBenchmark(ctx context.Context, cmd *cobra.Command, r *runner.Runner, path, agentKind string, color bool) error {
	if !shared.GetQuiet() {
		cmd.Printf("Watching %s (interrupt to stop)\n", path)
	}

	err := r.Watch(ctx, path, agentKind, func(rec *session.RunRecord, runErr error) {
		if runErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", runErr)
			return
		}
		if err := emitRecord(cmd, rec, color); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return shared.NewRunFailedError("watch failed", err)
	}
	return nil
}

// emitRecord prints one finished run, as JSON or as the session tree.
func emitRecord(cmd *cobra.Command, rec *session.RunRecord, color bool) error {
	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), summarize(rec))
	}

	var events []session.Event
	if rec.SessionPath != "" {
		var err error
		events, err = session.Read(rec.SessionPath)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: session log unavailable: %v\n", err)
		}
	}

	tree := render.Tree(render.Input{
		Events:      events,
		Result:      rec.Result,
		BenchmarkID: rec.BenchmarkID,
		Agent:       rec.Agent,
	}, render.Options{Color: color})
	cmd.Print(tree)
	return nil
}

func writeRecord(path string, rec *session.RunRecord) error {
	data, err := json.MarshalIndent(summarize(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return nil
}
