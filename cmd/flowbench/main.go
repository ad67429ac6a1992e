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

package main

import (
	"github.com/tombee/flowbench/internal/cli"
	agentcmd "github.com/tombee/flowbench/internal/commands/agent"
	"github.com/tombee/flowbench/internal/commands/clean"
	examplescmd "github.com/tombee/flowbench/internal/commands/examples"
	"github.com/tombee/flowbench/internal/commands/run"
	"github.com/tombee/flowbench/internal/commands/score"
	"github.com/tombee/flowbench/internal/commands/serve"
	"github.com/tombee/flowbench/internal/commands/validate"
	versioncmd "github.com/tombee/flowbench/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	cli.SetVersion(version, commit, buildDate)

	// Create root command and add subcommands
	rootCmd := cli.NewRootCommand()

	// Execution commands
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())

	// Management commands
	rootCmd.AddCommand(score.NewCommand())
	rootCmd.AddCommand(examplescmd.NewCommand())
	rootCmd.AddCommand(clean.NewCommand())

	// Service commands
	rootCmd.AddCommand(serve.NewCommand())
	rootCmd.AddCommand(agentcmd.NewCommand())

	// Version command
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	// Custom help command with JSON support
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
