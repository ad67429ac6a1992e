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

// Package runner executes benchmark runs end to end. One Run call owns
// one environment: it provisions the benchmark's initial on-chain
// state, drives the flow controller against the agent under evaluation,
// scores every step against the ground truth, and persists the session
// log and run record.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/flowbench/internal/config"
	"github.com/tombee/flowbench/internal/extract"
	"github.com/tombee/flowbench/internal/lifecycle"
	"github.com/tombee/flowbench/internal/log"
	"github.com/tombee/flowbench/internal/secrets"
	"github.com/tombee/flowbench/internal/server"
	"github.com/tombee/flowbench/internal/session"
	"github.com/tombee/flowbench/internal/telemetry"
	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/agent/transport"
	"github.com/tombee/flowbench/pkg/benchmark"
	"github.com/tombee/flowbench/pkg/env"
	"github.com/tombee/flowbench/pkg/errors"
	"github.com/tombee/flowbench/pkg/flow"
)

// sandbox is the environment surface one run drives. *env.Environment
// satisfies it; tests substitute a fake so runs execute without a
// validator process.
type sandbox interface {
	Reset(ctx context.Context, tc *benchmark.TestCase) (*agent.Observation, error)
	Step(ctx context.Context, instructions []agent.RawInstruction) (*env.StepOutcome, error)
	KeyMap() map[string]string
	Close() error
}

// Runner executes benchmarks. It is safe for concurrent use; each run
// builds its own environment, session writer, and resolver.
type Runner struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *session.Store
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	prompter flow.UserPrompter
	secrets  *secrets.Resolver
	agent    agent.Agent

	newEnv func(env.Config) (sandbox, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore persists finished runs to the given result store.
func WithStore(store *session.Store) Option {
	return func(r *Runner) { r.store = store }
}

// WithMetrics attaches harness metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = metrics }
}

// WithTracer attaches a tracer for run and step spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) { r.tracer = tracer }
}

// WithPrompter enables interactive user-fulfillment recovery.
func WithPrompter(prompter flow.UserPrompter) Option {
	return func(r *Runner) { r.prompter = prompter }
}

// WithSecrets sets the secret resolver for agent credentials.
func WithSecrets(resolver *secrets.Resolver) Option {
	return func(r *Runner) { r.secrets = resolver }
}

// WithAgent fixes the agent implementation, bypassing construction from
// configuration.
func WithAgent(ag agent.Agent) Option {
	return func(r *Runner) { r.agent = ag }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// New creates a runner over the given configuration.
func New(cfg *config.Config, opts ...Option) *Runner {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Runner{
		cfg:    cfg,
		logger: log.WithComponent(log.New(log.FromEnv()), "runner"),
		tracer: otel.Tracer("flowbench/runner"),
		newEnv: func(ec env.Config) (sandbox, error) { return env.New(ec) },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.secrets == nil {
		r.secrets = secrets.DefaultResolver()
	}
	return r
}

// RunRequest names one benchmark execution.
type RunRequest struct {
	// RunID identifies the run. Empty generates one.
	RunID string

	// TestCase is the benchmark to execute.
	TestCase *benchmark.TestCase

	// AgentKind overrides the configured agent implementation for this
	// run: deterministic, http or mcp.
	AgentKind string
}

// Run executes one benchmark and returns its record. The record is
// persisted to the store before returning; a fatal environment or agent
// construction failure returns an error, with an error-status record
// persisted so the API can still report the run.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*session.RunRecord, error) {
	if req.TestCase == nil {
		return nil, fmt.Errorf("run requires a benchmark")
	}
	tc := req.TestCase
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	if timeout := r.cfg.Environment.RunTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := log.WithRunContext(r.logger, runID, tc.ID)

	ag, closeAgent, err := r.buildAgent(ctx, tc, req.AgentKind, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build agent: %w", err)
	}
	defer closeAgent()

	writer, err := session.NewWriter(r.cfg.Sessions.Dir, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer writer.Close()

	logger = log.WithAgent(logger, ag.Name())
	logger.Info("run started", slog.String("benchmark", tc.ID))

	if r.metrics != nil {
		r.metrics.RecordRunStart(runID)
	}
	started := time.Now().UTC()

	ctx, span := r.tracer.Start(ctx, "run: "+tc.ID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("benchmark.id", tc.ID),
			attribute.String("agent", ag.Name()),
		),
	)
	defer span.End()

	result, execErr := r.execute(ctx, runID, tc, ag, writer, logger)
	finished := time.Now().UTC()

	rec := &session.RunRecord{
		RunID:       runID,
		BenchmarkID: tc.ID,
		Agent:       ag.Name(),
		SessionPath: writer.Path(),
		StartedAt:   started,
		FinishedAt:  finished,
	}

	if execErr != nil {
		rec.Status = errorStatus(execErr)
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		r.finishRun(ctx, rec, writer, logger, finished.Sub(started))
		return nil, execErr
	}

	rec.Status = verdict(tc, result)
	rec.Score = result.Score
	rec.Result = result
	span.SetAttributes(
		attribute.Float64("run.score", result.Score),
		attribute.String("run.status", rec.Status),
	)
	r.finishRun(ctx, rec, writer, logger, finished.Sub(started))
	return rec, nil
}

// Execute implements the execution API's executor seam: resolve the
// submission to a benchmark document and run it.
func (r *Runner) Execute(ctx context.Context, sub server.Submission) (*session.RunRecord, error) {
	tc, err := r.resolveBenchmark(sub)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, RunRequest{
		RunID:     sub.RunID,
		TestCase:  tc,
		AgentKind: sub.Agent,
	})
}

// execute builds the per-run machinery and drives the flow to
// completion.
func (r *Runner) execute(ctx context.Context, runID string, tc *benchmark.TestCase, ag agent.Agent, writer *session.Writer, logger *slog.Logger) (*flow.FlowResult, error) {
	plan, err := tc.ToFlowPlan()
	if err != nil {
		return nil, err
	}

	injectStepTimeouts(plan, r.cfg.Environment.StepTimeout)

	environment, err := r.newEnv(r.environmentConfig(logger))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := environment.Close(); cerr != nil {
			logger.Error("failed to close environment", log.Error(cerr))
		}
	}()

	initial, err := environment.Reset(ctx, tc)
	if err != nil {
		return nil, err
	}

	sr := &stepRunner{
		runID:  runID,
		tc:     tc,
		env:    environment,
		agent:  ag,
		writer: writer,
		tracer: r.tracer,
		logger: logger,
		model:  r.cfg.Agent.Model,
		total:  len(plan.Steps),
	}
	sr.setObservations(initial)

	recoveryCfg := flow.DefaultRecoveryConfig()
	recoveryCfg.EnableUserFulfillment = r.prompter != nil
	recovery := flow.NewRecoveryEngine(recoveryCfg).WithLogger(logger)
	if r.prompter != nil {
		recovery = recovery.WithPrompter(r.prompter)
	}

	resolver := flow.NewContextResolver(sr.balances(), flow.NewStaticPriceSource()).
		WithLogger(logger).
		WithHistory(recovery.History())

	controller := flow.NewController(sr).
		WithResolver(resolver).
		WithRecovery(recovery).
		WithExtractor(extract.New(0, 0)).
		WithLogger(logger).
		WithObserver(&sessionObserver{writer: writer, logger: logger})
	if r.metrics != nil {
		controller = controller.WithObserver(newMetricsObserver(r.metrics, tc.ID, plan))
	}

	result, err := controller.Execute(ctx, plan)
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		wallet, price := resolver.Stats()
		r.metrics.RecordCacheStats(ctx, "wallet", wallet.Hits, wallet.Misses)
		r.metrics.RecordCacheStats(ctx, "price", price.Hits, price.Misses)
	}
	return result, nil
}

// finishRun writes the terminal session event, persists the record, and
// emits run metrics. Persistence must survive a run-timeout, so it runs
// on a context detached from the run's cancellation.
func (r *Runner) finishRun(ctx context.Context, rec *session.RunRecord, writer *session.Writer, logger *slog.Logger, duration time.Duration) {
	if err := writer.LogRunComplete(rec.BenchmarkID, rec.Agent, rec.Status, rec.Score); err != nil {
		logger.Warn("failed to log run completion", log.Error(err))
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if r.store != nil {
		if err := r.store.RecordRun(persistCtx, rec); err != nil {
			logger.Error("failed to persist run record", log.Error(err))
		}
	}
	if r.metrics != nil {
		r.metrics.RecordRunComplete(persistCtx, rec.RunID, rec.BenchmarkID, rec.Agent, rec.Status, rec.Score, duration)
	}

	logger.Info("run finished",
		slog.String("status", rec.Status),
		slog.Float64("score", rec.Score),
		slog.Int64(log.DurationKey, duration.Milliseconds()),
	)
}

// resolveBenchmark loads the submission's benchmark: an inline document
// when present, otherwise a lookup by id under the configured benchmark
// directory.
func (r *Runner) resolveBenchmark(sub server.Submission) (*benchmark.TestCase, error) {
	if len(sub.Document) > 0 {
		return benchmark.ParseTestCase(sub.Document)
	}
	if sub.BenchmarkID == "" {
		return nil, fmt.Errorf("submission carries neither a benchmark id nor a document")
	}

	cases, err := benchmark.LoadDir(r.cfg.Benchmarks.Dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load benchmarks: %w", err)
	}
	for _, tc := range cases {
		if tc.ID == sub.BenchmarkID {
			return tc, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "benchmark", ID: sub.BenchmarkID}
}

// buildAgent constructs the agent under evaluation. The returned close
// function releases agent-owned resources (the MCP server process).
func (r *Runner) buildAgent(ctx context.Context, tc *benchmark.TestCase, kind string, logger *slog.Logger) (agent.Agent, func(), error) {
	noClose := func() {}
	if r.agent != nil {
		return r.agent, noClose, nil
	}
	if kind == "" {
		kind = r.cfg.Agent.Kind
	}

	switch kind {
	case "", "deterministic":
		return agent.NewDeterministic(groundTruthScript(tc)), noClose, nil

	case "http":
		opts := []agent.HTTPOption{agent.WithLogger(logger)}
		if r.cfg.Agent.Model != "" {
			opts = append(opts, agent.WithModel(r.cfg.Agent.Model))
		}
		if key, err := r.agentAPIKey(ctx); err != nil {
			return nil, nil, err
		} else if key != "" {
			opts = append(opts, agent.WithAPIKey(key))
		}
		client, err := r.transportClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		if client != nil {
			opts = append(opts, agent.WithHTTPClient(client))
		}
		ag, err := agent.NewHTTP(r.cfg.Agent.Endpoint, opts...)
		if err != nil {
			return nil, nil, err
		}
		return ag, noClose, nil

	case "mcp":
		command := r.cfg.Agent.Command
		if len(command) == 0 {
			return nil, nil, &errors.ConfigError{
				Key:    "agent.command",
				Reason: "the mcp agent kind requires a server command",
			}
		}
		ag, err := agent.NewMCP(ctx, agent.MCPConfig{
			Command: command[0],
			Args:    command[1:],
			Timeout: r.cfg.Agent.RequestTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return ag, func() {
			if cerr := ag.Close(); cerr != nil {
				logger.Warn("failed to stop mcp agent", log.Error(cerr))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown agent kind %q: expected deterministic, http or mcp", kind)
	}
}

// agentAPIKey resolves the configured agent credential through the
// secrets chain. Naming a secret that cannot be resolved is an error;
// silently proceeding without the credential would produce confusing
// 401s mid-run.
func (r *Runner) agentAPIKey(ctx context.Context) (string, error) {
	name := r.cfg.Agent.APIKeySecret
	if name == "" {
		return "", nil
	}
	key, err := r.secrets.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to resolve agent credential %q: %w", name, err)
	}
	return key, nil
}

// transportClient builds the signing HTTP client for deployed agents.
// Nil means the default client.
func (r *Runner) transportClient(ctx context.Context) (*http.Client, error) {
	t := r.cfg.Agent.Transport
	switch t.Kind {
	case "", "none":
		return nil, nil

	case "oauth2":
		secretName := t.OAuth2.ClientSecretSecret
		if secretName == "" {
			return nil, &errors.ConfigError{
				Key:    "agent.transport.oauth2.client_secret_secret",
				Reason: "the oauth2 transport requires a client secret",
			}
		}
		clientSecret, err := r.secrets.Get(ctx, secretName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve oauth2 client secret %q: %w", secretName, err)
		}
		return transport.NewOAuth2Client(ctx, transport.OAuth2Config{
			ClientID:     t.OAuth2.ClientID,
			ClientSecret: clientSecret,
			TokenURL:     t.OAuth2.TokenURL,
			Scopes:       t.OAuth2.Scopes,
			Timeout:      r.cfg.Agent.RequestTimeout,
		})

	case "sigv4":
		return transport.NewSigV4Client(ctx, transport.SigV4Config{
			Service: t.SigV4.Service,
			Region:  t.SigV4.Region,
			Profile: t.SigV4.Profile,
			Timeout: r.cfg.Agent.RequestTimeout,
		})

	default:
		return nil, fmt.Errorf("unknown agent transport %q: expected none, oauth2 or sigv4", t.Kind)
	}
}

// environmentConfig maps the harness configuration onto the environment.
func (r *Runner) environmentConfig(logger *slog.Logger) env.Config {
	ec := r.cfg.Environment
	return env.Config{
		SandboxURL:  ec.SandboxURL,
		UpstreamURL: ec.UpstreamURL,
		UpstreamRPS: ec.UpstreamRPS,
		Validator: lifecycle.ValidatorConfig{
			Binary:          ec.Validator.Binary,
			Port:            ec.Validator.Port,
			LogPath:         ec.Validator.LogPath,
			StartupTimeout:  ec.Validator.StartupTimeout,
			ShutdownTimeout: ec.Validator.ShutdownTimeout,
			ExtraArgs:       ec.Validator.ExtraArgs,
		},
		Logger: logger,
	}
}

// injectStepTimeouts applies the configured step budget to steps that do
// not declare their own.
func injectStepTimeouts(plan *flow.FlowPlan, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	for i := range plan.Steps {
		if plan.Steps[i].Timeout == 0 {
			plan.Steps[i].Timeout = int(timeout.Seconds())
		}
	}
}

// groundTruthScript builds the replay agent's script from the
// benchmark's expected instructions, one batch per step. Placeholders
// stay unresolved; the agent resolves them through each observation's
// key map.
func groundTruthScript(tc *benchmark.TestCase) [][]agent.RawInstruction {
	steps := 1
	if tc.IsFlow() {
		steps = len(tc.Flow)
	}

	script := make([][]agent.RawInstruction, 0, steps)
	for n := 1; n <= steps; n++ {
		script = append(script, benchmark.RawInstructions(tc.GroundTruth.ExpectedInstructionsForStep(n)))
	}
	return script
}

// verdict maps a flow outcome onto the run's terminal status. The score
// threshold decides passes: a flow that failed on-chain but met the
// benchmark's minimum score still demonstrated correct reasoning.
func verdict(tc *benchmark.TestCase, result *flow.FlowResult) string {
	minScore := tc.GroundTruth.MinScore
	if minScore <= 0 {
		minScore = benchmark.DefaultMinScore
	}
	if result.Score >= minScore {
		return string(flow.FlowSucceeded)
	}
	if result.Status == flow.FlowPartiallyFailed {
		return string(flow.FlowPartiallyFailed)
	}
	return string(flow.FlowFailed)
}

// errorStatus distinguishes a canceled run from a crashed one.
func errorStatus(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "error"
}
