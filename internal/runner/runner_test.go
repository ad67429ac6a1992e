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

package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tombee/flowbench/internal/config"
	"github.com/tombee/flowbench/internal/server"
	"github.com/tombee/flowbench/internal/session"
	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/benchmark"
	"github.com/tombee/flowbench/pkg/env"
	"github.com/tombee/flowbench/pkg/errors"
	"github.com/tombee/flowbench/pkg/flow"
)

const systemProgram = "11111111111111111111111111111111"

const transferBenchmark = `id: 001-sol-transfer
description: Transfer 0.1 SOL between two wallets
initial_state:
  - pubkey: USER_WALLET_PUBKEY
    owner: "` + systemProgram + `"
    lamports: 1000000000
prompt: "Send 0.1 SOL from (USER_WALLET_PUBKEY) to (RECIPIENT_WALLET_PUBKEY)"
ground_truth:
  expected_instructions:
    - program_id: "` + systemProgram + `"
      accounts:
        - pubkey: USER_WALLET_PUBKEY
          is_signer: true
          is_writable: true
        - pubkey: RECIPIENT_WALLET_PUBKEY
          is_signer: false
          is_writable: true
      data: "3Bxs4NN8M2Yn4TLb"
`

const flowTransferBenchmark = `id: 110-two-transfers
description: Two sequential transfers
initial_state:
  - pubkey: USER_WALLET_PUBKEY
    owner: "` + systemProgram + `"
    lamports: 2000000000
flow:
  - step: 1
    prompt: "Send 0.1 SOL from (USER_WALLET_PUBKEY) to (RECIPIENT_WALLET_PUBKEY)"
  - step: 2
    prompt: "Send 0.2 SOL from (USER_WALLET_PUBKEY) to (RECIPIENT_WALLET_PUBKEY)"
    depends_on: ["step-1"]
ground_truth:
  expected_instructions:
    - step: 1
      program_id: "` + systemProgram + `"
      accounts:
        - pubkey: USER_WALLET_PUBKEY
          is_signer: true
          is_writable: true
        - pubkey: RECIPIENT_WALLET_PUBKEY
          is_signer: false
          is_writable: true
      data: "3Bxs4NN8M2Yn4TLb"
    - step: 2
      program_id: "` + systemProgram + `"
      accounts:
        - pubkey: USER_WALLET_PUBKEY
          is_signer: true
          is_writable: true
        - pubkey: RECIPIENT_WALLET_PUBKEY
          is_signer: false
          is_writable: true
      data: "3Bxs4NNAZej7q7pw"
`

func parseCase(t *testing.T, doc string) *benchmark.TestCase {
	t.Helper()
	tc, err := benchmark.ParseTestCase([]byte(doc))
	if err != nil {
		t.Fatalf("ParseTestCase() error = %v", err)
	}
	return tc
}

func testKeyMap() map[string]string {
	return map[string]string{
		"USER_WALLET_PUBKEY":      "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		"RECIPIENT_WALLET_PUBKEY": "9yLZbkzzXcuaMnsYYFuPsdbVhDsvZcnp8aWo74tZbkzz",
	}
}

func testObservation(status string) *agent.Observation {
	return &agent.Observation{
		LastTransactionStatus: status,
		AccountStates: map[string]agent.AccountState{
			"USER_WALLET_PUBKEY": {Lamports: 1_000_000_000, Owner: systemProgram},
		},
		KeyMap: testKeyMap(),
	}
}

// fakeSandbox satisfies the sandbox seam without a validator process.
// Scripted outcomes are consumed in order; once exhausted every step
// lands successfully.
type fakeSandbox struct {
	mu       sync.Mutex
	outcomes []*env.StepOutcome
	resetErr error
	stepErr  error
	steps    [][]agent.RawInstruction
	closed   bool
}

func (f *fakeSandbox) Reset(_ context.Context, _ *benchmark.TestCase) (*agent.Observation, error) {
	if f.resetErr != nil {
		return nil, f.resetErr
	}
	return testObservation("Initial"), nil
}

func (f *fakeSandbox) Step(_ context.Context, instructions []agent.RawInstruction) (*env.StepOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.steps = append(f.steps, instructions)
	if f.stepErr != nil {
		return nil, f.stepErr
	}
	if len(f.outcomes) > 0 {
		outcome := f.outcomes[0]
		f.outcomes = f.outcomes[1:]
		return outcome, nil
	}
	return &env.StepOutcome{
		Status:      benchmark.TransactionSuccess,
		Signature:   "5wHu1qwD7q5ifaN5nwdcDqNFo53GJqa7nLp2BeeEpcHCusb4GzARz4GjgzsEHMkBMgCJMuKQAAAJGtPuUzvacqbz",
		Observation: testObservation(benchmark.TransactionSuccess),
	}, nil
}

func (f *fakeSandbox) KeyMap() map[string]string { return testKeyMap() }

func (f *fakeSandbox) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSandbox) stepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.steps)
}

// stubAgent returns a fixed response, or a fixed error.
type stubAgent struct {
	instructions []agent.RawInstruction
	err          error
}

func (s *stubAgent) GetAction(_ context.Context, _ agent.Request) ([]agent.RawInstruction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.instructions, nil
}

func (s *stubAgent) Name() string { return "stub" }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Sessions.Dir = t.TempDir()
	cfg.Benchmarks.Dir = t.TempDir()
	cfg.Environment.StepTimeout = 10 * time.Second
	cfg.Environment.RunTimeout = time.Minute
	return cfg
}

func newTestRunner(t *testing.T, cfg *config.Config, sb *fakeSandbox, opts ...Option) *Runner {
	t.Helper()
	r := New(cfg, opts...)
	r.newEnv = func(env.Config) (sandbox, error) { return sb, nil }
	return r
}

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.NewStore(session.StoreConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// The replay agent against its own benchmark is the harness self-test:
// anything below a perfect score points at the harness.
func TestRunDeterministicSelfTest(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	sb := &fakeSandbox{}
	r := newTestRunner(t, cfg, sb, WithStore(store))

	rec, err := r.Run(context.Background(), RunRequest{TestCase: parseCase(t, transferBenchmark)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rec.Status != "succeeded" {
		t.Errorf("Status = %q, want %q", rec.Status, "succeeded")
	}
	if rec.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0", rec.Score)
	}
	if rec.Agent != "deterministic" {
		t.Errorf("Agent = %q, want %q", rec.Agent, "deterministic")
	}
	if rec.Result == nil || len(rec.Result.StepResults) != 1 {
		t.Fatalf("expected one step result, got %+v", rec.Result)
	}
	if got := rec.Result.StepResults[0].Score; got != 1.0 {
		t.Errorf("step score = %v, want 1.0", got)
	}

	if sb.stepCount() != 1 {
		t.Fatalf("environment executed %d steps, want 1", sb.stepCount())
	}
	if got := sb.steps[0][0].Accounts[0].Pubkey; got != testKeyMap()["USER_WALLET_PUBKEY"] {
		t.Errorf("fee payer = %q, want the resolved wallet address", got)
	}

	if _, err := os.Stat(rec.SessionPath); err != nil {
		t.Errorf("session log missing: %v", err)
	}
	if !sb.closed {
		t.Error("environment was not closed")
	}

	stored, err := store.GetRun(context.Background(), rec.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if stored.Status != "succeeded" {
		t.Errorf("stored status = %q, want %q", stored.Status, "succeeded")
	}
}

func TestRunFlowExecutesEveryStep(t *testing.T) {
	cfg := testConfig(t)
	sb := &fakeSandbox{}
	r := newTestRunner(t, cfg, sb)

	rec, err := r.Run(context.Background(), RunRequest{TestCase: parseCase(t, flowTransferBenchmark)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rec.Status != "succeeded" {
		t.Errorf("Status = %q, want %q", rec.Status, "succeeded")
	}
	if len(rec.Result.StepResults) != 2 {
		t.Fatalf("got %d step results, want 2", len(rec.Result.StepResults))
	}
	if sb.stepCount() != 2 {
		t.Fatalf("environment executed %d steps, want 2", sb.stepCount())
	}
	if got := sb.steps[1][0].Data; got != "3Bxs4NNAZej7q7pw" {
		t.Errorf("second step data = %q, want the step-2 payload", got)
	}
}

func TestRunAgentFailureRecordsFailedVerdict(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	sb := &fakeSandbox{}
	failing := &stubAgent{err: os.ErrPermission}
	r := newTestRunner(t, cfg, sb, WithStore(store), WithAgent(failing))

	rec, err := r.Run(context.Background(), RunRequest{TestCase: parseCase(t, transferBenchmark)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rec.Status != "failed" {
		t.Errorf("Status = %q, want %q", rec.Status, "failed")
	}
	if rec.Score != 0 {
		t.Errorf("Score = %v, want 0", rec.Score)
	}
	if rec.Result == nil || rec.Result.ErrorMessage == "" {
		t.Error("expected the flow result to carry the abort reason")
	}

	stored, err := store.GetRun(context.Background(), rec.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if stored.Status != "failed" {
		t.Errorf("stored status = %q, want %q", stored.Status, "failed")
	}
}

func TestRunEnvironmentFatalAbortsWithoutScore(t *testing.T) {
	cfg := testConfig(t)
	store := newTestStore(t)
	sb := &fakeSandbox{
		stepErr: &errors.EnvironmentFatalError{Stage: "step", Message: "validator process exited"},
	}
	r := newTestRunner(t, cfg, sb, WithStore(store))

	rec, err := r.Run(context.Background(), RunRequest{
		RunID:    "run-fatal-1",
		TestCase: parseCase(t, transferBenchmark),
	})
	if err == nil {
		t.Fatal("Run() error = nil, want environment fatal")
	}
	if rec != nil {
		t.Fatalf("Run() record = %+v, want nil", rec)
	}
	if !errors.IsFatal(err) {
		t.Errorf("IsFatal(%v) = false, want true", err)
	}

	stored, serr := store.GetRun(context.Background(), "run-fatal-1")
	if serr != nil {
		t.Fatalf("GetRun() error = %v", serr)
	}
	if stored.Status != "error" {
		t.Errorf("stored status = %q, want %q", stored.Status, "error")
	}
	if !sb.closed {
		t.Error("environment was not closed after the fatal error")
	}
}

func TestRunResetFailure(t *testing.T) {
	cfg := testConfig(t)
	sb := &fakeSandbox{
		resetErr: &errors.EnvironmentFatalError{Stage: "reset", Message: "account cloning failed"},
	}
	r := newTestRunner(t, cfg, sb)

	_, err := r.Run(context.Background(), RunRequest{TestCase: parseCase(t, transferBenchmark)})
	if err == nil {
		t.Fatal("Run() error = nil, want reset failure")
	}
	if !strings.Contains(err.Error(), "account cloning failed") {
		t.Errorf("error = %v, want the reset failure", err)
	}
}

func TestRunRequiresTestCase(t *testing.T) {
	r := newTestRunner(t, testConfig(t), &fakeSandbox{})
	if _, err := r.Run(context.Background(), RunRequest{}); err == nil {
		t.Fatal("Run() error = nil, want missing benchmark error")
	}
}

func TestExecuteResolvesBenchmarkByID(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.Benchmarks.Dir, "001-sol-transfer.yml")
	if err := os.WriteFile(path, []byte(transferBenchmark), 0o644); err != nil {
		t.Fatal(err)
	}
	r := newTestRunner(t, cfg, &fakeSandbox{})

	rec, err := r.Execute(context.Background(), server.Submission{
		RunID:       "run-api-1",
		BenchmarkID: "001-sol-transfer",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if rec.RunID != "run-api-1" {
		t.Errorf("RunID = %q, want %q", rec.RunID, "run-api-1")
	}
	if rec.BenchmarkID != "001-sol-transfer" {
		t.Errorf("BenchmarkID = %q, want %q", rec.BenchmarkID, "001-sol-transfer")
	}
}

func TestExecuteInlineDocument(t *testing.T) {
	r := newTestRunner(t, testConfig(t), &fakeSandbox{})

	rec, err := r.Execute(context.Background(), server.Submission{
		RunID:    "run-api-2",
		Document: []byte(transferBenchmark),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if rec.BenchmarkID != "001-sol-transfer" {
		t.Errorf("BenchmarkID = %q, want %q", rec.BenchmarkID, "001-sol-transfer")
	}
}

func TestExecuteUnknownBenchmark(t *testing.T) {
	r := newTestRunner(t, testConfig(t), &fakeSandbox{})

	_, err := r.Execute(context.Background(), server.Submission{BenchmarkID: "999-missing"})
	if err == nil {
		t.Fatal("Execute() error = nil, want not found")
	}
	var nf *errors.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %T, want *errors.NotFoundError", err)
	}
	if nf.Resource != "benchmark" {
		t.Errorf("Resource = %q, want %q", nf.Resource, "benchmark")
	}
}

func TestExecuteEmptySubmission(t *testing.T) {
	r := newTestRunner(t, testConfig(t), &fakeSandbox{})
	if _, err := r.Execute(context.Background(), server.Submission{}); err == nil {
		t.Fatal("Execute() error = nil, want rejection")
	}
}

func TestVerdict(t *testing.T) {
	tests := []struct {
		name     string
		minScore float64
		score    float64
		status   flow.FlowStatus
		want     string
	}{
		{"perfect run", 0, 1.0, flow.FlowSucceeded, "succeeded"},
		{"reasoning credit passes a failed execution", 0, 0.80, flow.FlowFailed, "succeeded"},
		{"below threshold", 0, 0.74, flow.FlowFailed, "failed"},
		{"partial failure below threshold", 0, 0.5, flow.FlowPartiallyFailed, "partially_failed"},
		{"raised threshold", 0.9, 0.8, flow.FlowSucceeded, "failed"},
		{"threshold boundary", 0, 0.75, flow.FlowFailed, "succeeded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := &benchmark.TestCase{GroundTruth: benchmark.GroundTruth{MinScore: tt.minScore}}
			result := &flow.FlowResult{Score: tt.score, Status: tt.status}
			if got := verdict(tc, result); got != tt.want {
				t.Errorf("verdict(minScore=%v, score=%v, %s) = %q, want %q",
					tt.minScore, tt.score, tt.status, got, tt.want)
			}
		})
	}
}

func TestInjectStepTimeouts(t *testing.T) {
	plan := &flow.FlowPlan{
		Steps: []flow.Step{
			{ID: "step-1"},
			{ID: "step-2", Timeout: 20},
		},
	}

	injectStepTimeouts(plan, 45*time.Second)

	if plan.Steps[0].Timeout != 45 {
		t.Errorf("step-1 timeout = %d, want 45", plan.Steps[0].Timeout)
	}
	if plan.Steps[1].Timeout != 20 {
		t.Errorf("step-2 timeout = %d, want its own 20", plan.Steps[1].Timeout)
	}

	injectStepTimeouts(plan, 0)
	if plan.Steps[0].Timeout != 45 {
		t.Error("zero budget must leave timeouts untouched")
	}
}

func TestBuildAgentUnknownKind(t *testing.T) {
	r := newTestRunner(t, testConfig(t), &fakeSandbox{})
	tc := parseCase(t, transferBenchmark)

	_, _, err := r.buildAgent(context.Background(), tc, "carrier-pigeon", r.logger)
	if err == nil || !strings.Contains(err.Error(), "unknown agent kind") {
		t.Fatalf("error = %v, want unknown agent kind", err)
	}
}

func TestBuildAgentMCPRequiresCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Command = nil
	r := newTestRunner(t, cfg, &fakeSandbox{})
	tc := parseCase(t, transferBenchmark)

	_, _, err := r.buildAgent(context.Background(), tc, "mcp", r.logger)
	if err == nil {
		t.Fatal("buildAgent(mcp) error = nil, want config error")
	}
	var ce *errors.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %T, want *errors.ConfigError", err)
	}
}
