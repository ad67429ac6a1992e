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

package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tombee/flowbench/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for flowbench
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flowbench",
		Short: "flowbench - agent benchmarking on a forked Solana ledger",
		Long: `Flowbench evaluates autonomous agents on multi-step financial operations
against a hermetic, forked Solana ledger. Each benchmark describes an
initial on-chain state, a task prompt, and the ground truth to score the
agent's transactions against.

Run 'flowbench run' to execute a benchmark against an agent.
Run 'flowbench validate' to check benchmark documents without executing.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	// Subcommands print through cmd.Print*; without an explicit writer
	// cobra falls back to stderr, which breaks stdout pipelines.
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	// Get flag pointers from shared package
	verbose, quiet, json, config := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/flowbench/config.yaml)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
