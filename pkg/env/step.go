package env

import (
	"context"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/tombee/flowbench/internal/rpc"
	"github.com/tombee/flowbench/internal/txn"
	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/benchmark"
)

// StepOutcome is the result of executing one instruction set.
type StepOutcome struct {
	// Status is Success when the transaction confirmed, Failure
	// otherwise
	Status string

	// Signature identifies the confirmed transaction
	Signature string

	// Error describes why the step failed
	Error string

	// Logs are the program logs from simulation
	Logs []string

	// Observation is the environment state after the step settled
	Observation *agent.Observation
}

// Succeeded reports whether the step's transaction confirmed.
func (o *StepOutcome) Succeeded() bool {
	return o.Status == benchmark.TransactionSuccess
}

// Step executes one instruction set as a single transaction: resolve
// placeholders, compile the message, clone any referenced accounts the
// sandbox is missing, simulate, and only on simulation success fetch a
// fresh blockhash, sign, submit, and confirm. Reusing a blockhash across
// steps is a reliable way to fail otherwise-valid transactions, so every
// submission fetches its own.
//
// An instruction set the chain rejects produces a Failure outcome with a
// nil error; the run continues and the failure is scored. A non-nil
// error means the sandbox itself broke or the context expired, and the
// step has no outcome.
func (e *Environment) Step(ctx context.Context, instructions []agent.RawInstruction) (*StepOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("environment is closed")
	}
	if e.testCase == nil {
		return nil, fmt.Errorf("environment must be reset before stepping")
	}
	if e.validator != nil && e.validator.Pid() != 0 && !e.validator.Running() {
		return nil, fatal("step", "validator process exited", e.validator.ExitErr())
	}

	// Opaque-protocol benchmarks score tool usage, not transaction
	// layout; acting at all is the success condition.
	if e.testCase.GroundTruth.SkipInstructionValidation {
		if len(instructions) == 0 {
			return e.finishStep(ctx, &StepOutcome{
				Status: benchmark.TransactionFailure,
				Error:  "agent returned no instructions",
			}), nil
		}
		return e.finishStep(ctx, &StepOutcome{Status: benchmark.TransactionSuccess}), nil
	}

	if len(instructions) == 0 {
		return e.finishStep(ctx, &StepOutcome{
			Status: benchmark.TransactionFailure,
			Error:  "agent returned no instructions to execute",
		}), nil
	}

	compiled, err := e.convertInstructions(instructions)
	if err != nil {
		return e.finishStep(ctx, &StepOutcome{
			Status: benchmark.TransactionFailure,
			Error:  err.Error(),
		}), nil
	}

	payer := e.keyMap[e.feePayer]
	msg, err := txn.CompileMessage(payer, txn.Hash{}, compiled)
	if err != nil {
		return e.finishStep(ctx, &StepOutcome{
			Status: benchmark.TransactionFailure,
			Error:  fmt.Sprintf("failed to compile message: %v", err),
		}), nil
	}

	if err := e.preloadAccounts(ctx, msg, compiled); err != nil {
		return nil, e.stepInfraError(ctx, "failed to resolve referenced accounts", err)
	}

	outcome, err := e.submit(ctx, msg)
	if err != nil {
		return nil, err
	}
	return e.finishStep(ctx, outcome), nil
}

// submit runs the two-phase pipeline on a compiled message: simulate
// against a server-replaced blockhash, then sign with a fresh one and
// send. The simulation's logs are kept either way; confirmed
// transactions report them too since the settled transaction may not be
// queryable immediately.
func (e *Environment) submit(ctx context.Context, msg *txn.Message) (*StepOutcome, error) {
	unsigned := txn.NewTransaction(msg)
	encoded, err := unsigned.Base64()
	if err != nil {
		return nil, fatal("step", "failed to serialize transaction", err)
	}

	sim, err := e.sandbox.SimulateTransaction(ctx, encoded)
	if err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			return &StepOutcome{
				Status: benchmark.TransactionFailure,
				Error:  fmt.Sprintf("transaction simulation was rejected: %v", rpcErr),
			}, nil
		}
		return nil, e.stepInfraError(ctx, "transaction simulation did not answer", err)
	}
	if sim.Failed() {
		return &StepOutcome{
			Status: benchmark.TransactionFailure,
			Error:  fmt.Sprintf("transaction simulation failed: %s", sim.ErrText()),
			Logs:   sim.Logs,
		}, nil
	}

	blockhash, err := e.sandbox.LatestBlockhash(ctx)
	if err != nil {
		return nil, e.stepInfraError(ctx, "failed to fetch a fresh blockhash", err)
	}
	msg.RecentBlockhash = blockhash

	signed := txn.NewTransaction(msg)
	if err := signed.Sign(e.signerSet()...); err != nil {
		return &StepOutcome{
			Status: benchmark.TransactionFailure,
			Error:  fmt.Sprintf("failed to sign transaction: %v", err),
			Logs:   sim.Logs,
		}, nil
	}
	encoded, err = signed.Base64()
	if err != nil {
		return nil, fatal("step", "failed to serialize signed transaction", err)
	}

	signature, err := e.sandbox.SendTransaction(ctx, encoded)
	if err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			return &StepOutcome{
				Status: benchmark.TransactionFailure,
				Error:  fmt.Sprintf("transaction was rejected: %v", rpcErr),
				Logs:   sim.Logs,
			}, nil
		}
		return nil, e.stepInfraError(ctx, "transaction submission did not answer", err)
	}

	if err := e.sandbox.ConfirmTransaction(ctx, signature); err != nil {
		if errors.Is(err, rpc.ErrTransactionFailed) {
			return &StepOutcome{
				Status:    benchmark.TransactionFailure,
				Signature: signature,
				Error:     fmt.Sprintf("transaction execution failed after successful simulation: %v", err),
				Logs:      sim.Logs,
			}, nil
		}
		return nil, e.stepInfraError(ctx, fmt.Sprintf("confirmation of %s did not answer", signature), err)
	}

	e.logger.Info("transaction confirmed", "signature", signature)
	return &StepOutcome{
		Status:    benchmark.TransactionSuccess,
		Signature: signature,
		Logs:      sim.Logs,
	}, nil
}

// finishStep attaches the post-step observation and records the trace
// entry.
func (e *Environment) finishStep(ctx context.Context, outcome *StepOutcome) *StepOutcome {
	obs := e.observe(ctx, outcome.Status, outcome.Error, outcome.Logs)
	outcome.Observation = obs
	e.lastObs = obs
	e.steps = append(e.steps, stepTrace{
		index:     len(e.steps) + 1,
		status:    outcome.Status,
		signature: outcome.Signature,
		errText:   outcome.Error,
	})
	if outcome.Error != "" {
		e.logger.Warn("step failed", "step", len(e.steps), "error", outcome.Error)
	}
	return outcome
}

// stepInfraError classifies a broken pipeline call: a context that
// expired propagates as-is so the controller can record a timeout, while
// everything else is a fatal environment failure.
func (e *Environment) stepInfraError(ctx context.Context, message string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", message, ctx.Err())
	}
	return fatal("step", message, err)
}

// signerSet returns every keypair this run holds. Sign selects the
// required ones; a required signer outside the set fails the signing.
func (e *Environment) signerSet() []*txn.Keypair {
	signers := make([]*txn.Keypair, 0, len(e.keypairs))
	for _, kp := range e.keypairs {
		signers = append(signers, kp)
	}
	return signers
}

// convertInstructions resolves agent-emitted instructions into compiled
// form: placeholders through the key map, addresses as base58, payloads
// as base58 bytes.
func (e *Environment) convertInstructions(raws []agent.RawInstruction) ([]txn.Instruction, error) {
	out := make([]txn.Instruction, len(raws))
	for i, raw := range raws {
		ix, err := e.convertInstruction(raw)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i+1, err)
		}
		out[i] = ix
	}
	return out, nil
}

func (e *Environment) convertInstruction(raw agent.RawInstruction) (txn.Instruction, error) {
	program, err := e.resolveKey(raw.ProgramID)
	if err != nil {
		return txn.Instruction{}, fmt.Errorf("program id: %w", err)
	}
	metas := make([]txn.AccountMeta, len(raw.Accounts))
	for i, meta := range raw.Accounts {
		key, err := e.resolveKey(meta.Pubkey)
		if err != nil {
			return txn.Instruction{}, fmt.Errorf("account %d: %w", i+1, err)
		}
		metas[i] = txn.AccountMeta{
			Pubkey:     key,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		}
	}
	var data []byte
	if raw.Data != "" {
		data, err = base58.Decode(raw.Data)
		if err != nil {
			return txn.Instruction{}, fmt.Errorf("instruction data is not valid base58: %w", err)
		}
	}
	return txn.Instruction{ProgramID: program, Accounts: metas, Data: data}, nil
}
