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

package agent

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tombee/flowbench/internal/commands/shared"
)

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()

	if cmd.Use != "agent" {
		t.Errorf("expected use 'agent', got %q", cmd.Use)
	}

	expectedFlags := []string{"addr", "backend", "benchmarks", "model", "base-url", "api-key-secret"}
	for _, flag := range expectedFlags {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("--%s flag not defined", flag)
		}
	}
}

func TestAgentUnknownBackend(t *testing.T) {
	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--backend", "carrier-pigeon"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}

	var exitErr *shared.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T", err)
	}
	if exitErr.Code != shared.ExitAgentError {
		t.Errorf("expected exit code %d, got %d", shared.ExitAgentError, exitErr.Code)
	}
}

func TestAgentDeterministicRequiresBenchmarks(t *testing.T) {
	cmd := NewCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	// An empty directory carries no benchmarks to replay.
	cmd.SetArgs([]string{"--backend", "deterministic", "--benchmarks", t.TempDir()})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected an error for an empty benchmarks directory")
	}

	var exitErr *shared.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T", err)
	}
	if exitErr.Code != shared.ExitAgentError {
		t.Errorf("expected exit code %d, got %d", shared.ExitAgentError, exitErr.Code)
	}
}
