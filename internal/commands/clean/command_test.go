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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/flowbench/internal/commands/shared"
	"github.com/tombee/flowbench/internal/session"
)

// setup builds a sessions dir with two logs, a store with two runs, and a
// config file wiring both. Returns the sessions dir and the db path.
func setup(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	sessionsDir := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o755); err != nil {
		t.Fatalf("failed to create sessions dir: %v", err)
	}
	dbPath := filepath.Join(dir, "runs.db")

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgBody := fmt.Sprintf("storage:\n  path: %s\nsessions:\n  dir: %s\n", dbPath, sessionsDir)
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	shared.SetConfigPathForTest(cfgPath)
	t.Cleanup(func() { shared.SetConfigPathForTest("") })

	for _, name := range []string{"run-1.jsonl", "run-2.jsonl"} {
		path := filepath.Join(sessionsDir, name)
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("failed to write session log: %v", err)
		}
	}

	store, err := session.NewStore(session.StoreConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	for i, id := range []string{"run-1", "run-2"} {
		rec := &session.RunRecord{
			RunID:       id,
			BenchmarkID: "001-sol-transfer",
			Agent:       "deterministic",
			Status:      "succeeded",
			StartedAt:   time.Now().Add(-time.Duration(i+1) * time.Hour),
			FinishedAt:  time.Now().Add(-time.Duration(i+1) * time.Hour).Add(time.Minute),
		}
		if err := store.RecordRun(context.Background(), rec); err != nil {
			t.Fatalf("failed to seed run: %v", err)
		}
	}

	return sessionsDir, dbPath
}

func TestCleanRemovesEverythingWithYes(t *testing.T) {
	sessionsDir, dbPath := setup(t)

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--yes"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("clean failed: %v", err)
	}

	left, err := filepath.Glob(filepath.Join(sessionsDir, "*.jsonl"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("expected no session logs left, found %d", len(left))
	}

	store, err := session.NewStore(session.StoreConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store.Close()
	runs, err := store.ListRuns(context.Background(), session.RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no runs left, found %d", len(runs))
	}

	if !strings.Contains(out.String(), "Removed 2 session logs") {
		t.Errorf("expected removal summary, got: %s", out.String())
	}
}

func TestCleanOlderThanKeepsRecent(t *testing.T) {
	sessionsDir, dbPath := setup(t)

	// Age one log beyond the cutoff; the other stays fresh.
	oldLog := filepath.Join(sessionsDir, "run-1.jsonl")
	past := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(oldLog, past, past); err != nil {
		t.Fatalf("failed to age session log: %v", err)
	}

	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--older-than", "24h", "--yes"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("clean failed: %v", err)
	}

	if _, err := os.Stat(oldLog); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected the old log to be removed")
	}
	if _, err := os.Stat(filepath.Join(sessionsDir, "run-2.jsonl")); err != nil {
		t.Errorf("recent log should survive: %v", err)
	}

	// Both stored runs started within the last day, so none are pruned.
	store, err := session.NewStore(session.StoreConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store.Close()
	runs, err := store.ListRuns(context.Background(), session.RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected both runs to survive, found %d", len(runs))
	}
}

func TestCleanDryRunTouchesNothing(t *testing.T) {
	sessionsDir, _ := setup(t)

	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--dry-run"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("clean --dry-run failed: %v", err)
	}

	left, err := filepath.Glob(filepath.Join(sessionsDir, "*.jsonl"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(left) != 2 {
		t.Errorf("dry run must not delete, found %d logs", len(left))
	}
	if !strings.Contains(out.String(), "Would remove 2") {
		t.Errorf("expected dry-run summary, got: %s", out.String())
	}
}

func TestCleanNonInteractiveRequiresYes(t *testing.T) {
	setup(t)
	t.Setenv("FLOWBENCH_NON_INTERACTIVE", "true")

	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error without --yes")
	}

	var exitErr *shared.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T", err)
	}
	if exitErr.Code != shared.ExitConfigError {
		t.Errorf("expected exit code %d, got %d", shared.ExitConfigError, exitErr.Code)
	}
}
