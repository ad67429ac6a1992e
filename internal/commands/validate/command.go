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

package validate

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tombee/flowbench/internal/commands/shared"
	"github.com/tombee/flowbench/pkg/benchmark"
	"github.com/tombee/flowbench/schemas"
)

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	var printSchema bool

	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate benchmark documents",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Validate checks that benchmark documents parse and satisfy the schema:
identifiers, initial state, flow step references, and ground truth must all
be well formed. Validation never starts a sandbox or contacts an agent.

The path may be a single document or a directory; directories are searched
recursively for .yml and .yaml files.

See also: flowbench run`,
		Example: `  # Example 1: Validate one benchmark
  flowbench validate benchmarks/001-sol-transfer.yml

  # Example 2: Validate a whole suite
  flowbench validate benchmarks/

  # Example 3: Machine-readable results
  flowbench validate benchmarks/ --json | jq '.documents[] | select(.valid | not)'

  # Example 4: Export the document JSON Schema for editor integration
  flowbench validate --schema > benchmark.schema.json`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true, // Don't show usage on errors
		RunE: func(cmd *cobra.Command, args []string) error {
			if printSchema {
				cmd.Print(schemas.GetBenchmarkSchemaString())
				return nil
			}
			if len(args) != 1 {
				return shared.NewInvalidBenchmarkError("a benchmark path is required unless --schema is set", nil)
			}
			return runValidate(cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&printSchema, "schema", false, "Print the benchmark document JSON Schema and exit")

	return cmd
}

// documentResult is one document's validation outcome.
type documentResult struct {
	Path         string   `json:"path"`
	Valid        bool     `json:"valid"`
	ID           string   `json:"id,omitempty"`
	Steps        int      `json:"steps,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Placeholders []string `json:"placeholders,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func runValidate(cmd *cobra.Command, path string) error {
	paths, err := collectPaths(path)
	if err != nil {
		return shared.NewInvalidBenchmarkError("failed to locate benchmarks", err)
	}
	if len(paths) == 0 {
		return shared.NewInvalidBenchmarkError(fmt.Sprintf("no benchmark documents under %s", path), nil)
	}

	results := make([]documentResult, 0, len(paths))
	invalid := 0
	for _, p := range paths {
		res := validateDocument(p)
		if !res.Valid {
			invalid++
		}
		results = append(results, res)
	}

	if shared.GetJSON() {
		type validateResponse struct {
			shared.JSONResponse
			Documents []documentResult `json:"documents"`
			Invalid   int              `json:"invalid"`
		}
		resp := validateResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "validate",
				Success: invalid == 0,
			},
			Documents: results,
			Invalid:   invalid,
		}
		if err := shared.EmitJSON(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
		if invalid > 0 {
			return shared.NewInvalidBenchmarkError("", nil)
		}
		return nil
	}

	for _, res := range results {
		if res.Valid {
			if !shared.GetQuiet() {
				cmd.Printf("%s: ok (%s, %s)\n", res.Path, res.ID, stepsWord(res.Steps))
			}
			continue
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %s\n", res.Path, res.Error)
	}

	if invalid > 0 {
		return shared.NewInvalidBenchmarkError(
			fmt.Sprintf("%d of %d documents invalid", invalid, len(results)), nil)
	}
	if !shared.GetQuiet() {
		cmd.Printf("%d documents valid\n", len(results))
	}
	return nil
}

// collectPaths expands a file or directory argument into document paths.
func collectPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	return benchmark.Discover(path)
}

// validateDocument loads one benchmark, reporting rather than aborting on
// failure so a directory sweep covers every document.
func validateDocument(path string) documentResult {
	tc, err := benchmark.Load(path)
	if err != nil {
		return documentResult{Path: path, Error: err.Error()}
	}

	steps := 1
	if tc.IsFlow() {
		steps = len(tc.Flow)
	}

	return documentResult{
		Path:         path,
		Valid:        true,
		ID:           tc.ID,
		Steps:        steps,
		Tags:         tc.Tags,
		Placeholders: tc.Placeholders(),
	}
}

func stepsWord(n int) string {
	if n == 1 {
		return "1 step"
	}
	return fmt.Sprintf("%d steps", n)
}
