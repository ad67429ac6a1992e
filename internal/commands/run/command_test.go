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
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tombee/flowbench/internal/commands/shared"
)

const transferBenchmark = `
id: 001-sol-transfer
description: Transfer SOL between wallets
tags: [transfer]
initial_state:
  - pubkey: USER_WALLET_PUBKEY
    lamports: 1000000000
    owner: "11111111111111111111111111111111"
prompt: "Send 0.1 SOL from (USER_WALLET_PUBKEY) to (RECIPIENT_WALLET_PUBKEY)"
ground_truth:
  transaction_status: Success
  expected_instructions:
    - program_id: "11111111111111111111111111111111"
      data: "3Bxs4NN8M2Yn4TLb"
      accounts:
        - pubkey: USER_WALLET_PUBKEY
          is_signer: true
          is_writable: true
        - pubkey: RECIPIENT_WALLET_PUBKEY
          is_signer: false
          is_writable: true
`

const splBenchmark = `
id: 050-usdc-transfer
description: Transfer USDC between token accounts
tags: [spl]
initial_state:
  - pubkey: USER_WALLET_PUBKEY
    lamports: 1000000000
    owner: "11111111111111111111111111111111"
prompt: "Send 25 USDC from (USER_WALLET_PUBKEY) to (RECIPIENT_WALLET_PUBKEY)"
ground_truth:
  transaction_status: Success
  skip_instruction_validation: true
`

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()

	if cmd.Use != "run [benchmark]" {
		t.Errorf("expected use 'run [benchmark]', got %q", cmd.Use)
	}

	expectedFlags := []string{"agent", "watch", "tags", "output", "no-color"}
	for _, flag := range expectedFlags {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("--%s flag not defined", flag)
		}
	}
}

func TestRunMissingBenchmarkNonInteractive(t *testing.T) {
	t.Setenv("FLOWBENCH_NON_INTERACTIVE", "true")

	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error with no benchmark argument")
	}

	var exitErr *shared.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T", err)
	}
	if exitErr.Code != shared.ExitInvalidBenchmark {
		t.Errorf("expected exit code %d, got %d", shared.ExitInvalidBenchmark, exitErr.Code)
	}
	if !strings.Contains(err.Error(), "benchmark path") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestRunNonexistentBenchmark(t *testing.T) {
	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"/nonexistent/benchmark.yml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error for a missing benchmark")
	}

	var exitErr *shared.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T", err)
	}
	if exitErr.Code != shared.ExitInvalidBenchmark {
		t.Errorf("expected exit code %d, got %d", shared.ExitInvalidBenchmark, exitErr.Code)
	}
}

func TestRunInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "broken.yml", "id: [unterminated")

	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error for broken YAML")
	}

	var exitErr *shared.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T", err)
	}
	if exitErr.Code != shared.ExitInvalidBenchmark {
		t.Errorf("expected exit code %d, got %d", shared.ExitInvalidBenchmark, exitErr.Code)
	}
}

func TestRunWatchRequiresSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "transfer.yml", transferBenchmark)

	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{dir, "--watch"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error for --watch on a directory")
	}
	if !strings.Contains(err.Error(), "--watch") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestResolveTargetFile(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, "transfer.yml", transferBenchmark)

	cases, single, err := resolveTarget(path, nil)
	if err != nil {
		t.Fatalf("resolveTarget failed: %v", err)
	}
	if !single {
		t.Error("expected a single-file target")
	}
	if len(cases) != 1 || cases[0].ID != "001-sol-transfer" {
		t.Errorf("unexpected cases: %+v", cases)
	}
}

func TestResolveTargetDirectory(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "transfer.yml", transferBenchmark)
	writeDoc(t, dir, "spl.yml", splBenchmark)

	cases, single, err := resolveTarget(dir, nil)
	if err != nil {
		t.Fatalf("resolveTarget failed: %v", err)
	}
	if single {
		t.Error("expected a directory target")
	}
	if len(cases) != 2 {
		t.Fatalf("expected 2 benchmarks, got %d", len(cases))
	}
}

func TestResolveTargetTagFilter(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "transfer.yml", transferBenchmark)
	writeDoc(t, dir, "spl.yml", splBenchmark)

	cases, _, err := resolveTarget(dir, []string{"spl"})
	if err != nil {
		t.Fatalf("resolveTarget failed: %v", err)
	}
	if len(cases) != 1 || cases[0].ID != "050-usdc-transfer" {
		t.Errorf("expected only the spl benchmark, got %+v", cases)
	}
}

func TestResolveTargetNoMatches(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "transfer.yml", transferBenchmark)

	_, _, err := resolveTarget(dir, []string{"nonexistent-tag"})
	if err == nil {
		t.Fatal("expected an error when no benchmarks match")
	}
}

func TestBenchmarkOptionsSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "good.yml", transferBenchmark)
	writeDoc(t, dir, "bad.yml", "id: [unterminated")

	options, err := benchmarkOptions(dir)
	if err != nil {
		t.Fatalf("benchmarkOptions failed: %v", err)
	}
	if len(options) != 1 {
		t.Fatalf("expected 1 option, got %d", len(options))
	}
	if !strings.Contains(options[0].Key, "001-sol-transfer") {
		t.Errorf("expected the benchmark id in the label, got %q", options[0].Key)
	}
}
