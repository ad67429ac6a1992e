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

package serve

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/flowbench/internal/commands/shared"
	"github.com/tombee/flowbench/internal/config"
	"github.com/tombee/flowbench/internal/log"
	"github.com/tombee/flowbench/internal/runner"
	"github.com/tombee/flowbench/internal/secrets"
	"github.com/tombee/flowbench/internal/server"
	"github.com/tombee/flowbench/internal/telemetry"
)

// NewCommand creates the serve command
func NewCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution API server",
		Annotations: map[string]string{
			"group": "services",
		},
		Long: `Serve exposes benchmark execution over HTTP:

  POST /v1/runs        Enqueue a run (benchmark id or inline document)
  GET  /v1/runs        List runs
  GET  /v1/runs/{id}   Run status and result
  DELETE /v1/runs/{id} Cancel a queued or running run
  GET  /healthz        Liveness
  GET  /metrics        Prometheus metrics

Runs queue FIFO and execute one at a time by default, because each run
owns a forked-ledger validator process. Token auth and OTLP trace export
are enabled through the config file.`,
		Example: `  # Example 1: Serve with defaults (127.0.0.1:9700)
  flowbench serve

  # Example 2: Custom listen address
  flowbench serve --addr 0.0.0.0:9700

  # Example 3: Submit a run against it
  curl -s -X POST localhost:9700/v1/runs -d '{"benchmark_id": "001-sol-transfer"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, 127.0.0.1:9700)")

	return cmd
}

func runServe(cmd *cobra.Command, addr string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	version, _, _ := shared.GetVersion()
	provider, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return shared.NewConfigError("failed to initialize telemetry", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", log.Error(err))
		}
	}()

	store, err := shared.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	auth, err := authConfig(ctx, cfg)
	if err != nil {
		return err
	}

	exec := runner.New(cfg,
		runner.WithStore(store),
		runner.WithMetrics(provider.Metrics()),
		runner.WithTracer(provider.Tracer("flowbench/runner")),
		runner.WithLogger(logger),
	)

	srv, err := server.New(server.Config{
		Addr:              cfg.Server.Addr,
		MaxQueueDepth:     cfg.Server.MaxQueueDepth,
		MaxConcurrentRuns: cfg.Server.MaxConcurrentRuns,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Auth:              auth,
	}, exec, store,
		server.WithMetricsHandler(provider.MetricsHandler()),
		server.WithQueueObserver(provider.Metrics()),
		server.WithLogger(logger),
	)
	if err != nil {
		return shared.NewConfigError("failed to build server", err)
	}

	if err := srv.Start(ctx); err != nil {
		return shared.NewConfigError("server failed", err)
	}
	return nil
}

// authConfig resolves the signing key when token auth is on.
func authConfig(ctx context.Context, cfg *config.Config) (server.AuthConfig, error) {
	if !cfg.Server.Auth.Enabled {
		return server.AuthConfig{}, nil
	}
	if cfg.Server.Auth.SigningKeySecret == "" {
		return server.AuthConfig{}, shared.NewConfigError(
			"server.auth.enabled requires server.auth.signing_key_secret", nil)
	}

	key, err := secrets.DefaultResolver().Get(ctx, cfg.Server.Auth.SigningKeySecret)
	if err != nil {
		return server.AuthConfig{}, shared.NewConfigError("failed to resolve the API signing key", err)
	}

	return server.AuthConfig{
		Enabled:  true,
		Secret:   []byte(key),
		TokenTTL: cfg.Server.Auth.TokenTTL,
	}, nil
}
