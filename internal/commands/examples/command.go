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

package examples

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tombee/flowbench/internal/commands/shared"
	"github.com/tombee/flowbench/internal/examples"
)

// NewCommand creates the examples command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "examples",
		Short: "Browse and install the embedded starter benchmarks",
		Annotations: map[string]string{
			"group": "management",
		},
		Long: `Examples lists the starter benchmarks embedded in the binary, prints
their documents, and copies them into the benchmark directory. They
work offline and cover the common document shapes: a single-prompt
transfer, an SPL token transfer, and a multi-step flow with recovery.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newInitCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the embedded starter benchmarks",
		Example: `  # Example 1: List all starter benchmarks
  flowbench examples list

  # Example 2: Names only, for scripting
  flowbench examples list --json | jq -r '.examples[].name'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
}

func runList(cmd *cobra.Command) error {
	all, err := examples.List()
	if err != nil {
		return fmt.Errorf("failed to list examples: %w", err)
	}

	if shared.GetJSON() {
		type listResponse struct {
			shared.JSONResponse
			Examples []examples.Example `json:"examples"`
		}
		return shared.EmitJSON(cmd.OutOrStdout(), listResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "examples list",
				Success: true,
			},
			Examples: all,
		})
	}

	cmd.Println("NAME                      STEPS  DESCRIPTION")
	for _, ex := range all {
		cmd.Printf("%-25s %5d  %s\n", ex.Name, ex.Steps, ex.Description)
	}
	cmd.Println()
	cmd.Println("Use 'flowbench examples show <name>' to print a document")
	cmd.Println("Use 'flowbench examples init' to copy them into the benchmark directory")
	return nil
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print an embedded benchmark document",
		Example: `  # Example 1: Print a starter benchmark
  flowbench examples show 001-sol-transfer

  # Example 2: Save a copy to edit
  flowbench examples show 030-staged-payment-flow > my-flow.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := examples.Get(args[0])
			if err != nil {
				return fmt.Errorf("%w (use 'flowbench examples list' to see what ships)", err)
			}
			cmd.Print(string(content))
			return nil
		},
	}
}

func newInitCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Copy the starter benchmarks into the benchmark directory",
		Long: `Init copies every embedded starter benchmark into the benchmark
directory so 'flowbench run' has something to offer on a fresh install.
Files that already exist are left alone.`,
		Example: `  # Example 1: Populate the configured benchmark directory
  flowbench examples init

  # Example 2: Populate a scratch directory instead
  flowbench examples init --dir ./benchmarks`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, dir)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Destination directory (default: configured benchmark directory)")

	return cmd
}

func runInit(cmd *cobra.Command, dir string) error {
	if dir == "" {
		cfg, err := shared.LoadConfig()
		if err != nil {
			return err
		}
		dir = cfg.Benchmarks.Dir
	}

	all, err := examples.List()
	if err != nil {
		return fmt.Errorf("failed to list examples: %w", err)
	}

	written, err := examples.WriteAll(dir)
	if err != nil {
		return fmt.Errorf("failed to write examples: %w", err)
	}
	skipped := len(all) - len(written)

	if shared.GetJSON() {
		type initResponse struct {
			shared.JSONResponse
			Dir     string   `json:"dir"`
			Written []string `json:"written"`
			Skipped int      `json:"skipped"`
		}
		return shared.EmitJSON(cmd.OutOrStdout(), initResponse{
			JSONResponse: shared.JSONResponse{
				Version: "1.0",
				Command: "examples init",
				Success: true,
			},
			Dir:     dir,
			Written: written,
			Skipped: skipped,
		})
	}

	for _, path := range written {
		cmd.Printf("Wrote %s\n", path)
	}
	switch {
	case skipped > 0 && len(written) == 0:
		cmd.Printf("All %d examples already present in %s\n", skipped, dir)
	case skipped > 0:
		cmd.Printf("Wrote %d examples to %s (%d already present)\n", len(written), dir, skipped)
	default:
		cmd.Printf("Wrote %d examples to %s\n", len(written), dir)
	}
	return nil
}
