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
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tombee/flowbench/internal/agentd"
	"github.com/tombee/flowbench/internal/commands/shared"
	"github.com/tombee/flowbench/internal/log"
	"github.com/tombee/flowbench/internal/secrets"
)

// NewCommand creates the agent command
func NewCommand() *cobra.Command {
	var (
		addr         string
		backend      string
		benchmarks   string
		model        string
		baseURL      string
		apiKeySecret string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the reference agent service",
		Annotations: map[string]string{
			"group": "services",
		},
		Long: `Agent serves the HTTP agent contract the harness evaluates against.

Two backends are available:
  deterministic   Replays each benchmark's ground truth. The harness
                  self-tests use it: a correct harness scores it 1.0.
  llm             Forwards observations to an OpenAI-compatible chat
                  completion endpoint and parses tool calls back into
                  instructions.

The llm backend resolves its API key through the secret store (environment,
keyring, encrypted file) under the name given by --api-key-secret, falling
back to the endpoint client's own environment variables.`,
		Example: `  # Example 1: Deterministic backend over the local suite
  flowbench agent --backend deterministic --benchmarks benchmarks/

  # Example 2: LLM backend against OpenAI
  flowbench agent --backend llm --model gpt-4o

  # Example 3: LLM backend against a local inference server
  flowbench agent --backend llm --base-url http://localhost:8000/v1 --model qwen2.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, addr, backend, benchmarks, model, baseURL, apiKeySecret)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default 127.0.0.1:9090)")
	cmd.Flags().StringVar(&backend, "backend", "deterministic", "Agent backend: deterministic or llm")
	cmd.Flags().StringVar(&benchmarks, "benchmarks", "", "Benchmarks directory for the deterministic backend (default from config)")
	cmd.Flags().StringVar(&model, "model", "", "Model for the llm backend")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "OpenAI-compatible endpoint for the llm backend")
	cmd.Flags().StringVar(&apiKeySecret, "api-key-secret", "openai_api_key", "Secret name holding the llm backend's API key")

	return cmd
}

func runAgent(cmd *cobra.Command, addr, backend, benchmarks, model, baseURL, apiKeySecret string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	logger := log.New(log.FromEnv())

	if benchmarks == "" {
		benchmarks = cfg.Benchmarks.Dir
	}
	if model == "" {
		model = cfg.Agent.Model
	}

	apiKey := ""
	if backend == "llm" {
		ctx := cmd.Context()
		key, err := secrets.DefaultResolver().Get(ctx, apiKeySecret)
		switch {
		case err == nil:
			apiKey = key
		case errors.Is(err, secrets.ErrNotFound):
			logger.Debug("api key secret not found, relying on environment",
				"secret", apiKeySecret)
		default:
			return shared.NewConfigError("failed to resolve the agent API key", err)
		}
	}

	srv, err := agentd.New(agentd.Config{
		Addr:          addr,
		Backend:       backend,
		BenchmarksDir: benchmarks,
		Model:         model,
		BaseURL:       baseURL,
		APIKey:        apiKey,
	})
	if err != nil {
		return shared.NewAgentError("failed to build the agent service", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return shared.NewAgentError("agent service failed", err)
	}
	return nil
}
