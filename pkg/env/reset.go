package env

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tombee/flowbench/internal/lifecycle"
	"github.com/tombee/flowbench/internal/txn"
	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/benchmark"
	"github.com/tombee/flowbench/pkg/errors"
)

// Reset provisions the benchmark's initial on-chain state and returns the
// first observation. It clears any state from a previous run, generates a
// fresh keypair for every placeholder in the initial state, funds the fee
// payer through a real airdrop, injects the remaining balances and token
// accounts through privileged calls, and derives associated token account
// addresses for placeholders that name one.
//
// The first Reset of an owned environment also launches the validator
// child process. Subsequent Resets reuse it.
func (e *Environment) Reset(ctx context.Context, tc *benchmark.TestCase) (*agent.Observation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("environment is closed")
	}
	if tc == nil {
		return nil, &errors.ValidationError{
			Field:   "benchmark",
			Message: "reset requires a benchmark",
		}
	}

	if err := e.ensureSandbox(ctx); err != nil {
		return nil, err
	}

	e.testCase = tc
	e.keypairs = make(map[string]*txn.Keypair)
	e.keyMap = make(map[string]txn.Pubkey)
	e.feePayer = ""
	e.lastObs = nil
	e.steps = nil

	if err := e.discoverPlaceholders(tc); err != nil {
		return nil, err
	}

	if _, ok := e.keypairs[benchmark.UserWalletPlaceholder]; !ok {
		return nil, &errors.ValidationError{
			Field:      "initial_state",
			Message:    fmt.Sprintf("the %s placeholder must be provisioned to act as fee payer", benchmark.UserWalletPlaceholder),
			Suggestion: "add an initial_state account with that pubkey",
		}
	}
	e.feePayer = benchmark.UserWalletPlaceholder

	if err := e.provisionState(ctx, tc); err != nil {
		return nil, err
	}

	// Privileged writes are asynchronous on the validator side; give them
	// a moment before the first observation.
	select {
	case <-time.After(e.config.SettleDelay):
	case <-ctx.Done():
		return nil, fatal("reset", "interrupted while waiting for state to settle", ctx.Err())
	}

	obs := e.observe(ctx, InitialStatus, "", nil)
	e.lastObs = obs
	e.logger.Info("environment reset complete",
		"benchmark", tc.ID,
		"placeholders", len(e.keypairs),
		"fee_payer", e.keyMap[e.feePayer].String(),
	)
	return obs, nil
}

// ensureSandbox makes the sandbox endpoint answer health checks, starting
// the owned validator if this environment has one and it is not running.
func (e *Environment) ensureSandbox(ctx context.Context) error {
	if e.validator != nil {
		if e.validator.Running() {
			return nil
		}
		if e.validator.Pid() != 0 {
			return fatal("startup", "validator process exited", e.validator.ExitErr())
		}
		probe := func(ctx context.Context) error { return e.sandbox.Health(ctx) }
		if err := e.validator.Start(ctx, probe); err != nil {
			return fatal("startup", "validator failed to start", err)
		}
		return nil
	}

	timeout := e.config.Validator.StartupTimeout
	if timeout <= 0 {
		timeout = lifecycle.DefaultValidatorConfig().StartupTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	poller := lifecycle.NewReadinessPoller(func(ctx context.Context) error {
		return e.sandbox.Health(ctx)
	})
	if err := poller.WaitUntilReady(waitCtx); err != nil {
		return fatal("startup", fmt.Sprintf("sandbox at %s is not healthy", e.sandbox.Endpoint()), err)
	}
	return nil
}

// discoverPlaceholders walks the initial state and builds the key map: a
// fresh keypair per placeholder account, identity entries for literal
// addresses and owning programs. Token-program accounts are skipped here;
// their addresses are derived, not generated, during provisioning.
func (e *Environment) discoverPlaceholders(tc *benchmark.TestCase) error {
	for _, account := range tc.InitialState {
		if key, err := txn.ParsePubkey(account.Pubkey); err == nil {
			e.keyMap[account.Pubkey] = key
		} else if account.Owner != txn.TokenProgramID.String() {
			if err := e.generateKeypair(account.Pubkey); err != nil {
				return err
			}
		}

		if owner, err := txn.ParsePubkey(account.Owner); err == nil {
			e.keyMap[account.Owner] = owner
		}

		// The wallet owning a token account must be able to sign even when
		// it has no initial-state entry of its own.
		if account.Data != nil {
			if _, err := txn.ParsePubkey(account.Data.Owner); err != nil {
				if _, ok := e.keypairs[account.Data.Owner]; !ok {
					if err := e.generateKeypair(account.Data.Owner); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (e *Environment) generateKeypair(placeholder string) error {
	kp, err := txn.NewKeypair()
	if err != nil {
		return fatal("reset", fmt.Sprintf("failed to generate keypair for %s", placeholder), err)
	}
	e.keypairs[placeholder] = kp
	e.keyMap[placeholder] = kp.Pubkey()
	return nil
}

// provisionState injects the benchmark's initial balances. The fee payer
// is funded through a real airdrop so the submission path is exercised
// before the first step; everything else goes through privileged calls.
func (e *Environment) provisionState(ctx context.Context, tc *benchmark.TestCase) error {
	for _, account := range tc.InitialState {
		if account.Data != nil {
			if err := e.provisionTokenAccount(ctx, account); err != nil {
				return err
			}
			continue
		}

		if account.Pubkey == e.feePayer {
			if account.Lamports == 0 {
				continue
			}
			payer := e.keyMap[e.feePayer]
			signature, err := e.sandbox.RequestAirdrop(ctx, payer, account.Lamports)
			if err != nil {
				return fatal("reset", fmt.Sprintf("failed to fund fee payer %s", payer), err)
			}
			if err := e.sandbox.ConfirmTransaction(ctx, signature); err != nil {
				return fatal("reset", "fee payer airdrop did not confirm", err)
			}
			continue
		}

		if account.Lamports == 0 {
			continue
		}
		key, err := e.resolveKey(account.Pubkey)
		if err != nil {
			return &errors.ValidationError{
				Field:   "initial_state",
				Message: err.Error(),
			}
		}
		if err := e.sandbox.SetLamports(ctx, key, account.Lamports); err != nil {
			return fatal("reset", fmt.Sprintf("failed to set balance of %s", account.Pubkey), err)
		}
	}
	return nil
}

// provisionTokenAccount derives the real associated token account address
// for a token-account placeholder, maps the placeholder to it, and funds
// it through the privileged token call. The benchmark can only name a
// placeholder; the actual address depends on the owner keypair generated
// this run.
func (e *Environment) provisionTokenAccount(ctx context.Context, account benchmark.AccountState) error {
	data := account.Data
	mint, err := txn.ParsePubkey(data.Mint)
	if err != nil {
		return &errors.ValidationError{
			Field:   "initial_state",
			Message: fmt.Sprintf("token account %s has an invalid mint: %v", account.Pubkey, err),
		}
	}
	owner, err := e.resolveKey(data.Owner)
	if err != nil {
		return &errors.ValidationError{
			Field:   "initial_state",
			Message: fmt.Sprintf("token account %s: %v", account.Pubkey, err),
		}
	}
	amount, err := strconv.ParseUint(data.Amount, 10, 64)
	if err != nil {
		return &errors.ValidationError{
			Field:   "initial_state",
			Message: fmt.Sprintf("token account %s has an invalid amount %q", account.Pubkey, data.Amount),
		}
	}

	derived, err := txn.AssociatedTokenAddress(owner, mint)
	if err != nil {
		return fatal("reset", fmt.Sprintf("failed to derive token account for %s", account.Pubkey), err)
	}
	if _, parseErr := txn.ParsePubkey(account.Pubkey); parseErr != nil {
		e.keyMap[account.Pubkey] = derived
		e.logger.Debug("mapped token account placeholder",
			"placeholder", account.Pubkey,
			"derived", derived.String(),
		)
	}

	if err := e.sandbox.SetTokenAccount(ctx, owner, mint, amount); err != nil {
		return fatal("reset", fmt.Sprintf("failed to provision token account %s", account.Pubkey), err)
	}
	return nil
}
