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

package agentd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/benchmark"
)

// DeterministicBackend replays ground-truth instructions from benchmark
// documents. The request id selects the benchmark; for flow benchmarks
// the step prompt selects the step. Placeholders in the ground truth
// resolve through the key map embedded in the context prompt.
type DeterministicBackend struct {
	logger *slog.Logger
	cases  map[string]*benchmark.TestCase
}

// NewDeterministicBackend loads every benchmark under dir and indexes
// it by id.
func NewDeterministicBackend(dir string, logger *slog.Logger) (*DeterministicBackend, error) {
	cases, err := benchmark.LoadDir(dir, nil)
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("no benchmarks found under %s", dir)
	}

	index := make(map[string]*benchmark.TestCase, len(cases))
	for _, tc := range cases {
		if existing, ok := index[tc.ID]; ok {
			return nil, fmt.Errorf("duplicate benchmark id %q in %s and %s", tc.ID, existing.SourcePath, tc.SourcePath)
		}
		index[tc.ID] = tc
	}

	logger.Info("deterministic backend ready", slog.Int("benchmarks", len(index)))
	return &DeterministicBackend{logger: logger, cases: index}, nil
}

// Generate implements Backend.
func (b *DeterministicBackend) Generate(ctx context.Context, req *GenerateRequest) ([]agent.RawInstruction, error) {
	tc, ok := b.cases[req.ID]
	if !ok {
		return nil, fmt.Errorf("no benchmark with id %q loaded", req.ID)
	}

	keyMap, err := parseContextKeyMap(req.ContextPrompt)
	if err != nil {
		return nil, err
	}

	step, err := stepForPrompt(tc, req.Prompt)
	if err != nil {
		return nil, err
	}

	expected := tc.GroundTruth.ExpectedInstructionsForStep(step)
	if len(expected) == 0 {
		return nil, fmt.Errorf("benchmark %q declares no expected instructions for step %d", tc.ID, step)
	}

	return agent.ResolveInstructions(benchmark.RawInstructions(expected), keyMap), nil
}

// Name implements Backend.
func (b *DeterministicBackend) Name() string {
	return "deterministic"
}

// stepForPrompt locates the 1-based step the prompt belongs to. Single
// transaction benchmarks are always step 1; flow benchmarks match the
// prompt against their step prompts.
func stepForPrompt(tc *benchmark.TestCase, prompt string) (int, error) {
	if !tc.IsFlow() {
		return 1, nil
	}
	for _, step := range tc.Flow {
		if strings.TrimSpace(step.Prompt) == strings.TrimSpace(prompt) {
			return step.Step, nil
		}
	}
	return 0, fmt.Errorf("prompt does not match any step of benchmark %q", tc.ID)
}

// contextEnvelope is the parseable portion of the context prompt.
type contextEnvelope struct {
	KeyMap map[string]string `yaml:"key_map"`
}

// parseContextKeyMap recovers the placeholder key map from the rendered
// context block.
func parseContextKeyMap(contextPrompt string) (map[string]string, error) {
	body := strings.TrimSpace(contextPrompt)
	body = strings.TrimPrefix(body, "---")
	body = strings.TrimSuffix(body, "---")
	body = strings.TrimSpace(body)
	body = strings.TrimPrefix(body, "CURRENT ON-CHAIN CONTEXT:")

	var envelope contextEnvelope
	if err := yaml.Unmarshal([]byte(body), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse context prompt: %w", err)
	}
	return envelope.KeyMap, nil
}
