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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/flowbench/internal/commands/shared"
	"github.com/tombee/flowbench/internal/session"
)

// seedStore writes a config file pointing at a fresh database, registers
// it with the shared flags, and returns after inserting the given runs.
func seedStore(t *testing.T, recs ...*session.RunRecord) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runs.db")

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgBody := fmt.Sprintf("storage:\n  path: %s\nsessions:\n  dir: %s\n", dbPath, dir)
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	shared.SetConfigPathForTest(cfgPath)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })

	store, err := session.NewStore(session.StoreConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	for _, rec := range recs {
		if err := store.RecordRun(context.Background(), rec); err != nil {
			t.Fatalf("failed to seed run %s: %v", rec.RunID, err)
		}
	}
}

func testRecord(runID, status string, score float64, started time.Time) *session.RunRecord {
	return &session.RunRecord{
		RunID:       runID,
		BenchmarkID: "001-sol-transfer",
		Agent:       "deterministic",
		Status:      status,
		Score:       score,
		StartedAt:   started,
		FinishedAt:  started.Add(3 * time.Second),
	}
}

func TestScoreList(t *testing.T) {
	now := time.Now()
	seedStore(t,
		testRecord("run-aaaa-1111", "succeeded", 1.0, now.Add(-time.Minute)),
		testRecord("run-bbbb-2222", "failed", 0.25, now.Add(-2*time.Minute)),
	)

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("score list failed: %v", err)
	}

	output := out.String()
	if !strings.Contains(output, "run-aaaa") {
		t.Errorf("expected first run in output: %s", output)
	}
	if !strings.Contains(output, "run-bbbb") {
		t.Errorf("expected second run in output: %s", output)
	}
	if !strings.Contains(output, "succeeded") || !strings.Contains(output, "failed") {
		t.Errorf("expected statuses in output: %s", output)
	}
}

func TestScoreListFailedFilter(t *testing.T) {
	now := time.Now()
	seedStore(t,
		testRecord("run-pass-1111", "succeeded", 1.0, now.Add(-time.Minute)),
		testRecord("run-fail-2222", "failed", 0.3, now.Add(-2*time.Minute)),
	)

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list", "--failed"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("score list --failed failed: %v", err)
	}

	output := out.String()
	if strings.Contains(output, "run-pass") {
		t.Errorf("passing run should be filtered out: %s", output)
	}
	if !strings.Contains(output, "run-fail") {
		t.Errorf("failing run should be listed: %s", output)
	}
}

func TestScoreListJSON(t *testing.T) {
	seedStore(t, testRecord("run-json-1111", "succeeded", 0.95, time.Now()))

	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("score list failed: %v", err)
	}

	var resp struct {
		Success bool `json:"success"`
		Runs    []struct {
			RunID  string  `json:"run_id"`
			Status string  `json:"status"`
			Score  float64 `json:"score"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out.String())
	}
	if !resp.Success {
		t.Error("expected success envelope")
	}
	if len(resp.Runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(resp.Runs))
	}
	if resp.Runs[0].RunID != "run-json-1111" || resp.Runs[0].Score != 0.95 {
		t.Errorf("unexpected run summary: %+v", resp.Runs[0])
	}
}

func TestScoreListEmpty(t *testing.T) {
	seedStore(t)

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("score list failed: %v", err)
	}
	if !strings.Contains(out.String(), "No runs found") {
		t.Errorf("expected empty message, got: %s", out.String())
	}
}

func TestScoreShow(t *testing.T) {
	seedStore(t, testRecord("run-show-1111", "succeeded", 1.0, time.Now()))

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"show", "run-show-1111"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("score show failed: %v", err)
	}
	if !strings.Contains(out.String(), "001-sol-transfer") {
		t.Errorf("expected benchmark id in trace, got: %s", out.String())
	}
}

func TestScoreShowUnknownRun(t *testing.T) {
	seedStore(t)

	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"show", "no-such-run"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for an unknown run")
	}
}

func TestScoreListRemote(t *testing.T) {
	submitted := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"runs": []map[string]any{
				{
					"run_id":       "remote-run-0001",
					"benchmark_id": "001-sol-transfer",
					"agent":        "llm",
					"status":       "completed",
					"score":        0.75,
					"submitted_at": submitted,
				},
				{
					"run_id":       "remote-run-0002",
					"benchmark_id": "002-spl-transfer",
					"agent":        "llm",
					"status":       "queued",
					"submitted_at": submitted,
				},
			},
			"count": 2,
		})
	}))
	defer srv.Close()

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list", "--server", srv.URL})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("score list --server failed: %v", err)
	}
	if !strings.Contains(out.String(), "remote-r") {
		t.Errorf("expected remote run ids, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "queued") {
		t.Errorf("expected queue status in output, got: %s", out.String())
	}
}

func TestScoreListRemoteFailedFilter(t *testing.T) {
	submitted := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"runs": []map[string]any{
				{"run_id": "pass0001-full", "status": "completed", "score": 1.0, "submitted_at": submitted},
				{"run_id": "part0002-partial", "status": "completed", "score": 0.25, "submitted_at": submitted},
				{"run_id": "errd0003-errored", "status": "error", "submitted_at": submitted},
				{"run_id": "wait0004-queued", "status": "queued", "submitted_at": submitted},
			},
			"count": 4,
		})
	}))
	defer srv.Close()

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list", "--server", srv.URL, "--failed"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("score list --server --failed failed: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "pass0001") {
		t.Errorf("full-score run should be filtered out, got: %s", got)
	}
	if strings.Contains(got, "wait0004") {
		t.Errorf("queued run should be filtered out, got: %s", got)
	}
	if !strings.Contains(got, "part0002") || !strings.Contains(got, "errd0003") {
		t.Errorf("expected partial and errored runs, got: %s", got)
	}
}

func TestScoreShowRemoteNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no such run"})
	}))
	defer srv.Close()

	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"show", "missing", "--server", srv.URL})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error for an unknown remote run")
	}
}
