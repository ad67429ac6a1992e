package env

import (
	"context"
	"strconv"
	"time"

	"github.com/tombee/flowbench/internal/rpc"
	"github.com/tombee/flowbench/internal/txn"
	"github.com/tombee/flowbench/pkg/agent"
)

// InitialStatus is the transaction status of the observation Reset
// returns, before any step has run.
const InitialStatus = "Initial"

// observe snapshots every mapped account into an observation. Accounts
// can lag privileged writes and fresh confirmations, so fetching retries
// a few rounds before accepting gaps; a partially observed state is
// reported rather than failing a step that already settled.
func (e *Environment) observe(ctx context.Context, status, errText string, logs []string) *agent.Observation {
	e.deriveAssertionAddresses()

	names := sortedKeys(e.keyMap)
	states := make(map[string]agent.AccountState, len(names))

	for attempt := 0; attempt < e.config.ObserveAttempts; attempt++ {
		var pending []string
		for _, name := range names {
			if _, ok := states[name]; !ok {
				pending = append(pending, name)
			}
		}
		if len(pending) == 0 {
			break
		}
		if attempt > 0 {
			select {
			case <-time.After(e.config.ObserveDelay):
			case <-ctx.Done():
				e.logger.Warn("observation interrupted", "missing", len(pending))
				return e.buildObservation(status, errText, logs, states)
			}
		}

		keys := make([]txn.Pubkey, len(pending))
		for i, name := range pending {
			keys[i] = e.keyMap[name]
		}
		accounts, err := e.sandbox.GetAccounts(ctx, keys)
		if err != nil {
			e.logger.Warn("observation fetch failed", "error", err, "attempt", attempt+1)
			continue
		}
		for i, account := range accounts {
			if account == nil {
				continue
			}
			states[pending[i]] = decodeAccountState(account)
		}
	}

	if len(states) < len(names) {
		e.logger.Warn("observation is missing accounts",
			"fetched", len(states),
			"mapped", len(names),
		)
	}
	return e.buildObservation(status, errText, logs, states)
}

func (e *Environment) buildObservation(status, errText string, logs []string, states map[string]agent.AccountState) *agent.Observation {
	keyMap := make(map[string]string, len(e.keyMap))
	for name, key := range e.keyMap {
		keyMap[name] = key.String()
	}
	return &agent.Observation{
		LastTransactionStatus: status,
		LastTransactionError:  errText,
		LastTransactionLogs:   logs,
		AccountStates:         states,
		KeyMap:                keyMap,
	}
}

// deriveAssertionAddresses maps assertion targets that carry an address
// derivation and are not yet in the key map. A deposit benchmark can
// assert on a token account that only exists once the agent's
// transaction creates it; its address is derivable up front from the
// owner wallet and the mint.
func (e *Environment) deriveAssertionAddresses() {
	if e.testCase == nil {
		return
	}
	for _, assertion := range e.testCase.GroundTruth.FinalStateAssertions {
		if assertion.Derivation == nil {
			continue
		}
		if _, ok := e.keyMap[assertion.Pubkey]; ok {
			continue
		}
		owner, ok := e.keyMap[assertion.Derivation.Owner]
		if !ok {
			e.logger.Warn("assertion derivation owner is unmapped",
				"assertion", assertion.Pubkey,
				"owner", assertion.Derivation.Owner,
			)
			continue
		}
		mint, err := txn.ParsePubkey(assertion.Derivation.Mint)
		if err != nil {
			e.logger.Warn("assertion derivation mint is invalid",
				"assertion", assertion.Pubkey,
				"mint", assertion.Derivation.Mint,
			)
			continue
		}
		derived, err := txn.AssociatedTokenAddress(owner, mint)
		if err != nil {
			e.logger.Warn("assertion derivation failed",
				"assertion", assertion.Pubkey,
				"error", err,
			)
			continue
		}
		e.keyMap[assertion.Pubkey] = derived
		e.logger.Debug("mapped derived assertion target",
			"placeholder", assertion.Pubkey,
			"derived", derived.String(),
		)
	}
}

// decodeAccountState converts a fetched account into observation form,
// unpacking the token fields when the account is an SPL token account.
func decodeAccountState(account *rpc.Account) agent.AccountState {
	state := agent.AccountState{
		Lamports:   account.Lamports,
		Owner:      account.Owner.String(),
		Executable: account.Executable,
		DataLen:    uint64(len(account.Data)),
	}
	if account.Owner == txn.TokenProgramID && len(account.Data) == txn.TokenAccountSize {
		if token, err := txn.DecodeTokenAccount(account.Data); err == nil {
			state.Token = &agent.TokenState{
				Mint:   token.Mint.String(),
				Owner:  token.Owner.String(),
				Amount: strconv.FormatUint(token.Amount, 10),
			}
		}
	}
	return state
}
