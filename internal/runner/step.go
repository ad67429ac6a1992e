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
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/flowbench/internal/log"
	"github.com/tombee/flowbench/internal/session"
	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/benchmark"
	"github.com/tombee/flowbench/pkg/errors"
	"github.com/tombee/flowbench/pkg/flow"
	"github.com/tombee/flowbench/pkg/scoring"
)

// toolExecuteTransaction names the single capability the harness exposes
// to agents: submitting one instruction set as one transaction.
const toolExecuteTransaction = "execute_transaction"

// stepRunner drives one step attempt end to end: render the prompt
// against the latest observation, ask the agent for instructions, land
// them in the environment, and score the attempt against the ground
// truth. It implements the flow controller's StepRunner contract.
type stepRunner struct {
	runID  string
	tc     *benchmark.TestCase
	env    sandbox
	agent  agent.Agent
	writer *session.Writer
	tracer trace.Tracer
	logger *slog.Logger
	model  string
	total  int

	mu      sync.Mutex
	initial *agent.Observation
	latest  *agent.Observation
}

// setObservations seeds both observation slots from the reset state.
func (sr *stepRunner) setObservations(obs *agent.Observation) {
	sr.mu.Lock()
	sr.initial = obs
	sr.latest = obs
	sr.mu.Unlock()
}

func (sr *stepRunner) observation() *agent.Observation {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.latest
}

func (sr *stepRunner) initialObservation() *agent.Observation {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.initial
}

func (sr *stepRunner) setLatest(obs *agent.Observation) {
	if obs == nil {
		return
	}
	sr.mu.Lock()
	sr.latest = obs
	sr.mu.Unlock()
}

// RunStep implements flow.StepRunner.
//
// The returned result always carries the attempt's score, so a reported
// failure still contributes the instruction-quality credit the attempt
// earned. Retried attempts see the failed attempt's observation, letting
// the agent read the failure and correct course.
func (sr *stepRunner) RunStep(ctx context.Context, step *flow.Step, sctx *flow.StepContext) (*flow.StepResult, error) {
	stepNum := sctx.State.CurrentStepIndex + 1

	ctx, span := sr.tracer.Start(ctx, "step: "+step.ID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("flow.id", sctx.FlowID),
			attribute.String("step.id", step.ID),
			attribute.Int("step.attempt", sctx.Attempt),
		),
	)
	defer span.End()

	obs := sr.observation()
	finalPrompt, err := agent.BuildContext(step.PromptTemplate, obs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &errors.NonRecoverableStepError{
			StepID: step.ID,
			Reason: "failed to render the step context",
			Cause:  err,
		}
	}
	if werr := sr.writer.LogPrompt(step.RequiredTools, step.PromptTemplate, finalPrompt); werr != nil {
		sr.logger.Warn("failed to log prompt", log.Error(werr))
	}

	instructions, err := sr.agent.GetAction(ctx, agent.Request{
		RunID:       sr.runID,
		BenchmarkID: sr.tc.ID,
		Prompt:      finalPrompt,
		Observation: obs,
		Model:       sr.model,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.IsRecoverable(err) {
			return nil, &errors.RecoverableStepError{
				StepID:  step.ID,
				Message: "agent call failed",
				Cause:   err,
			}
		}
		return nil, &errors.NonRecoverableStepError{
			StepID: step.ID,
			Reason: "agent call failed",
			Cause:  err,
		}
	}
	if len(instructions) == 0 {
		err := &errors.NonRecoverableStepError{
			StepID: step.ID,
			Reason: "agent produced no instructions",
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	args, merr := json.Marshal(instructions)
	if merr != nil {
		args = []byte("[]")
	}
	if werr := sr.writer.LogToolInput(toolExecuteTransaction, args); werr != nil {
		sr.logger.Warn("failed to log tool input", log.Error(werr))
	}

	outcome, err := sr.env.Step(ctx, instructions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	sr.setLatest(outcome.Observation)

	output := encodeObservation(outcome.Observation)
	if werr := sr.writer.LogToolOutput(toolExecuteTransaction, outcome.Succeeded(), json.RawMessage(output), outcome.Error); werr != nil {
		sr.logger.Warn("failed to log tool output", log.Error(werr))
	}

	status := scoringStatus(sr.tc.GroundTruth.TransactionStatus, outcome.Status)
	breakdown := scoring.ScoreStep(scoring.Input{
		GroundTruth:  sr.tc.GroundTruth,
		Step:         stepNum,
		Instructions: instructions,
		KeyMap:       sr.env.KeyMap(),
		Status:       status,
		Initial:      sr.initialObservation(),
		Final:        outcome.Observation,
		FinalStep:    stepNum == sr.total,
	})

	res := &flow.StepResult{
		Output:    output,
		Score:     breakdown.FinalScore,
		ToolCalls: []string{toolExecuteTransaction},
	}
	span.SetAttributes(
		attribute.Float64("step.score", breakdown.FinalScore),
		attribute.String("step.status", status),
	)

	if status != benchmark.TransactionSuccess {
		reason := outcome.Error
		if reason == "" {
			reason = "transaction landed but the benchmark expects a rejection"
		}
		res.Error = reason
		span.SetStatus(codes.Error, reason)
		return res, &errors.RecoverableStepError{StepID: step.ID, Message: reason}
	}
	return res, nil
}

// balances exposes the latest observation as the resolver's balance
// source, so wallet refreshes between steps reuse state the environment
// already fetched instead of issuing fresh RPC reads.
func (sr *stepRunner) balances() flow.BalanceSource {
	return &observationBalances{runner: sr}
}

type observationBalances struct {
	runner *stepRunner
}

// WalletBalances implements flow.BalanceSource over the most recent
// observation. The owner may be a placeholder name or a resolved
// address; token holdings are matched on the placeholder's generated
// address since on-chain token accounts record real owners.
func (b *observationBalances) WalletBalances(_ context.Context, owner string) (uint64, map[string]flow.TokenBalance, error) {
	obs := b.runner.observation()
	if obs == nil {
		return 0, nil, &errors.NotFoundError{Resource: "observation", ID: owner}
	}

	ownerAddr := owner
	if addr, ok := obs.KeyMap[owner]; ok {
		ownerAddr = addr
	}

	var lamports uint64
	if state, ok := obs.AccountStates[owner]; ok {
		lamports = state.Lamports
	} else if state, ok := obs.AccountStates[ownerAddr]; ok {
		lamports = state.Lamports
	}

	tokens := make(map[string]flow.TokenBalance)
	for name, state := range obs.AccountStates {
		token := state.Token
		if token == nil {
			continue
		}
		if token.Owner != owner && token.Owner != ownerAddr {
			continue
		}
		amount, perr := strconv.ParseUint(token.Amount, 10, 64)
		if perr != nil {
			b.runner.logger.Warn("skipping unparseable token amount",
				slog.String("account", name),
				slog.String("amount", token.Amount),
			)
			continue
		}
		balance := flow.TokenBalance{
			Mint:     token.Mint,
			Balance:  tokens[token.Mint].Balance + amount,
			Decimals: mintDecimals(token.Mint),
			Symbol:   mintSymbol(token.Mint),
		}
		tokens[token.Mint] = balance
	}
	return lamports, tokens, nil
}

// mintDecimals returns the decimal count for the well-known mints the
// harness prices. Observations carry raw amounts without mint metadata,
// so unknown mints assume the native convention of nine.
func mintDecimals(mint string) uint8 {
	switch mint {
	case flow.USDCMint, flow.USDTMint:
		return 6
	default:
		return 9
	}
}

func mintSymbol(mint string) string {
	switch mint {
	case flow.NativeMint:
		return "SOL"
	case flow.USDCMint:
		return "USDC"
	case flow.USDTMint:
		return "USDT"
	default:
		return ""
	}
}

// scoringStatus folds the benchmark's expected terminal status into the
// status handed to scoring. Rejection benchmarks expect the chain to
// refuse: an actual failure is the correct outcome and scores as
// success, and a transaction that lands has defeated the benchmark's
// guard and scores as failure.
func scoringStatus(expected, actual string) string {
	if expected == benchmark.TransactionFailure {
		if actual == benchmark.TransactionFailure {
			return benchmark.TransactionSuccess
		}
		return benchmark.TransactionFailure
	}
	return actual
}

// encodeObservation renders the observation as the step's recorded
// output. jq extraction queries run against exactly this document.
func encodeObservation(obs *agent.Observation) string {
	if obs == nil {
		return "{}"
	}
	data, err := json.Marshal(obs)
	if err != nil {
		return "{}"
	}
	return string(data)
}
