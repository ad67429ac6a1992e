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

package score

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/flowbench/internal/client"
	"github.com/tombee/flowbench/internal/commands/shared"
	"github.com/tombee/flowbench/internal/render"
	"github.com/tombee/flowbench/internal/secrets"
	"github.com/tombee/flowbench/internal/session"
	"github.com/tombee/flowbench/pkg/flow"
)

// NewCommand creates the score command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "score",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Inspect past runs and scores",
		Long: `Commands for listing and examining scored benchmark runs.

Use 'flowbench run' to execute a benchmark. Use 'flowbench score' to review
what previous runs scored and why.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var (
		benchmarkID string
		agent       string
		since       time.Duration
		limit       int
		failed      bool
		server      string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scored runs",
		Long: `List past benchmark runs, most recent first, optionally filtered by
benchmark, agent, or age.

With --server the list comes from a remote flowbench server's run queue
instead of the local store. The API token is resolved from the
'server/api-token' secret when one is configured.

See also: flowbench score show, flowbench run`,
		Example: `  # Example 1: List all runs
  flowbench score list

  # Example 2: Runs of one benchmark
  flowbench score list --benchmark 001-sol-transfer

  # Example 3: Runs from the last day
  flowbench score list --since 24h

  # Example 4: Failed runs as JSON
  flowbench score list --json | jq '.runs[] | select(.status != "succeeded")'

  # Example 5: Runs on a remote server
  flowbench score list --server http://10.0.0.5:9700`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				return runListRemote(cmd, server, benchmarkID, agent, since, limit, failed)
			}
			return runList(cmd, benchmarkID, agent, since, limit, failed)
		},
	}

	cmd.Flags().StringVar(&benchmarkID, "benchmark", "", "Filter by benchmark id")
	cmd.Flags().StringVar(&agent, "agent", "", "Filter by agent name")
	cmd.Flags().DurationVar(&since, "since", 0, "Only runs started within this duration (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum runs to list (default 100)")
	cmd.Flags().BoolVar(&failed, "failed", false, "Show only runs that did not pass")
	cmd.Flags().StringVar(&server, "server", "", "Query a remote flowbench server instead of the local store")

	return cmd
}

func newShowCommand() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run's session trace and score",
		Long: `Display a run's full execution trace: prompts, tool calls, per-step
scores, and the final wallet state.

With --server the run is fetched from a remote flowbench server. The
session log stays on the server, so the remote view renders the stored
result without the per-event trace.

See also: flowbench score list`,
		Example: `  # Example 1: Show a run
  flowbench score show 4f7c2d1a-8b3e-4c5d-9e6f-0a1b2c3d4e5f

  # Example 2: Extract the final score
  flowbench score show 4f7c2d1a --json | jq '.score'

  # Example 3: Show a run on a remote server
  flowbench score show 4f7c2d1a --server http://10.0.0.5:9700`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				return runShowRemote(cmd, server, args[0])
			}
			return runShow(cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Query a remote flowbench server instead of the local store")

	return cmd
}

// runSummary is the JSON shape of one stored run.
type runSummary struct {
	RunID       string  `json:"run_id"`
	BenchmarkID string  `json:"benchmark_id"`
	Agent       string  `json:"agent"`
	Status      string  `json:"status"`
	Score       float64 `json:"score"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  string  `json:"finished_at"`
	SessionPath string  `json:"session_path,omitempty"`
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
	}
}

func runList(cmd *cobra.Command, benchmarkID, agent string, since time.Duration, limit int, failed bool) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	filter := session.RunFilter{
		BenchmarkID: benchmarkID,
		Agent:       agent,
		Limit:       limit,
	}
	if since > 0 {
		cutoff := time.Now().Add(-since)
		filter.Since = &cutoff
	}

	recs, err := store.ListRuns(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if failed {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.Status != string(flow.FlowSucceeded) {
				kept = append(kept, rec)
			}
		}
		recs = kept
	}

	if shared.GetJSON() {
		type listResponse struct {
			shared.JSONResponse
			Runs []runSummary `json:"runs"`
		}
		resp := listResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "score list",
				Success: true,
			},
			Runs: make([]runSummary, 0, len(recs)),
		}
		for i := range recs {
			resp.Runs = append(resp.Runs, summarize(&recs[i]))
		}
		return shared.EmitJSON(cmd.OutOrStdout(), resp)
	}

	if len(recs) == 0 {
		cmd.Println("No runs found")
		return nil
	}

	cmd.Println("RUN ID   STATUS            SCORE  BENCHMARK                 AGENT          STARTED")
	cmd.Println("-------- ----------------- ------ ------------------------- -------------- -------------------")
	for i := range recs {
		rec := &recs[i]
		cmd.Printf("%-8s %-17s %5.2f  %-25s %-14s %s\n",
			shortID(rec.RunID),
			rec.Status,
			rec.Score,
			truncate(rec.BenchmarkID, 25),
			truncate(rec.Agent, 14),
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}

	return nil
}

func runShow(cmd *cobra.Command, runID string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	rec, err := store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if shared.GetJSON() {
		type showResponse struct {
			shared.JSONResponse
			runSummary
			Result *flow.FlowResult `json:"result,omitempty"`
		}
		resp := showResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "score show",
				Success: true,
			},
			runSummary: summarize(rec),
			Result:     rec.Result,
		}
		return shared.EmitJSON(cmd.OutOrStdout(), resp)
	}

	// The session log may be gone; the stored result still renders.
	var events []session.Event
	if rec.SessionPath != "" {
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
	}, render.Options{Color: shared.ColorEnabled()})
	cmd.Print(tree)

	return nil
}

// remoteClient builds a client for --server mode. A missing API token
// secret means the server runs without auth.
func remoteClient(ctx context.Context, server string) (*client.Client, error) {
	var token string
	if value, err := secrets.DefaultResolver().Get(ctx, "server/api-token"); err == nil {
		token = value
	}

	c, err := client.New(server, client.WithToken(token))
	if err != nil {
		return nil, shared.NewConfigError("failed to create server client", err)
	}
	return c, nil
}

func remoteSummary(st *client.RunState) runSummary {
	summary := runSummary{
		RunID:       st.RunID,
		BenchmarkID: st.BenchmarkID,
		Agent:       st.Agent,
		Status:      st.Status,
		Score:       st.Score,
		StartedAt:   st.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if st.StartedAt != nil {
		summary.StartedAt = st.StartedAt.UTC().Format(time.RFC3339)
	}
	if st.FinishedAt != nil {
		summary.FinishedAt = st.FinishedAt.UTC().Format(time.RFC3339)
	}
	return summary
}

func runListRemote(cmd *cobra.Command, server, benchmarkID, agent string, since time.Duration, limit int, failed bool) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	c, err := remoteClient(ctx, server)
	if err != nil {
		return err
	}

	states, err := c.ListRuns(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list runs on %s: %w", server, err)
	}

	cutoff := time.Time{}
	if since > 0 {
		cutoff = time.Now().Add(-since)
	}

	kept := states[:0]
	for _, st := range states {
		if benchmarkID != "" && st.BenchmarkID != benchmarkID {
			continue
		}
		if agent != "" && st.Agent != agent {
			continue
		}
		if !cutoff.IsZero() && st.SubmittedAt.Before(cutoff) {
			continue
		}
		if failed && !remoteFailed(&st) {
			continue
		}
		kept = append(kept, st)
	}
	states = kept
	if limit > 0 && len(states) > limit {
		states = states[:limit]
	}

	if shared.GetJSON() {
		type listResponse struct {
			shared.JSONResponse
			Runs []runSummary `json:"runs"`
		}
		resp := listResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "score list",
				Success: true,
			},
			Runs: make([]runSummary, 0, len(states)),
		}
		for i := range states {
			resp.Runs = append(resp.Runs, remoteSummary(&states[i]))
		}
		return shared.EmitJSON(cmd.OutOrStdout(), resp)
	}

	if len(states) == 0 {
		cmd.Println("No runs found")
		return nil
	}

	cmd.Println("RUN ID   STATUS            SCORE  BENCHMARK                 AGENT          SUBMITTED")
	cmd.Println("-------- ----------------- ------ ------------------------- -------------- -------------------")
	for i := range states {
		st := &states[i]
		cmd.Printf("%-8s %-17s %5.2f  %-25s %-14s %s\n",
			shortID(st.RunID),
			st.Status,
			st.Score,
			truncate(st.BenchmarkID, 25),
			truncate(st.Agent, 14),
			st.SubmittedAt.Local().Format("2006-01-02 15:04:05"))
	}

	return nil
}

// remoteFailed decides --failed for server-side runs: errored or
// canceled, or completed short of a full score. Queued and running runs
// have no outcome yet.
func remoteFailed(st *client.RunState) bool {
	switch st.Status {
	case "error", "canceled":
		return true
	case "completed":
		return st.Score < 1.0
	default:
		return false
	}
}

func runShowRemote(cmd *cobra.Command, server, runID string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	c, err := remoteClient(ctx, server)
	if err != nil {
		return err
	}

	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if shared.GetJSON() {
		type showResponse struct {
			shared.JSONResponse
			runSummary
			Result *flow.FlowResult `json:"result,omitempty"`
		}
		resp := showResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "score show",
				Success: true,
			},
			runSummary: remoteSummary(&run.RunState),
			Result:     run.Result,
		}
		return shared.EmitJSON(cmd.OutOrStdout(), resp)
	}

	tree := render.Tree(render.Input{
		Result:      run.Result,
		BenchmarkID: run.BenchmarkID,
		Agent:       run.Agent,
	}, render.Options{Color: shared.ColorEnabled()})
	cmd.Print(tree)

	return nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
