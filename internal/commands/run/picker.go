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
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/tombee/flowbench/internal/commands/shared"
	"github.com/tombee/flowbench/pkg/benchmark"
)

// pickBenchmark offers the discovered benchmarks in a select form and
// returns the chosen document path.
func pickBenchmark(dir string) (string, error) {
	options, err := benchmarkOptions(dir)
	if err != nil {
		return "", err
	}
	if len(options) == 0 {
		return "", shared.NewInvalidBenchmarkError(
			fmt.Sprintf("no benchmarks under %s: pass a path, set benchmarks.dir, or run 'flowbench examples init'", dir), nil)
	}

	var selected string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Benchmark").
				Description("Select a benchmark to run").
				Options(options...).
				Value(&selected),
		),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			os.Exit(130) // Standard exit code for SIGINT
		}
		return "", fmt.Errorf("selection cancelled: %w", err)
	}

	return selected, nil
}

// benchmarkOptions builds select options from the directory's documents.
// Unparseable documents are skipped; validate reports on those.
func benchmarkOptions(dir string) ([]huh.Option[string], error) {
	paths, err := benchmark.Discover(dir)
	if err != nil {
		return nil, shared.NewInvalidBenchmarkError("failed to discover benchmarks", err)
	}

	options := make([]huh.Option[string], 0, len(paths))
	for _, path := range paths {
		tc, err := benchmark.Load(path)
		if err != nil {
			continue
		}
		label := fmt.Sprintf("%s  %s", tc.ID, shorten(tc.Description, 60))
		options = append(options, huh.NewOption(label, path))
	}
	return options, nil
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
