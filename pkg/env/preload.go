package env

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tombee/flowbench/internal/rpc"
	"github.com/tombee/flowbench/internal/txn"
)

// getMultipleAccounts caps its key list server-side.
const preloadBatchSize = 100

// preloadAccounts makes sure every account the compiled message touches
// exists in the sandbox before simulation. The sandbox forks the upstream
// ledger lazily, so accounts nobody has read yet are absent; a program
// call against an absent account fails in ways that look like agent
// mistakes. Accounts found in lookup tables count as referenced too, so
// present lookup tables are expanded and their entries resolved in a
// second round.
//
// Three kinds of referenced accounts are deliberately not cloned: the
// run's own generated signers, accounts the transaction itself creates,
// and accounts absent upstream as well. The last kind is excluded rather
// than injected empty; a zero-filled placeholder corrupts the simulation
// and surfaces later as a misleading failure.
func (e *Environment) preloadAccounts(ctx context.Context, msg *txn.Message, instructions []txn.Instruction) error {
	skip := e.preloadExclusions(instructions)

	seen := make(map[txn.Pubkey]bool, len(msg.AccountKeys))
	fresh := func(keys []txn.Pubkey) []txn.Pubkey {
		var out []txn.Pubkey
		for _, key := range keys {
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
		return out
	}

	// Round one resolves the message's static keys; round two resolves
	// whatever the lookup tables among them referenced. Tables do not
	// reference further tables.
	round := fresh(msg.AccountKeys)
	for depth := 0; depth < 2 && len(round) > 0; depth++ {
		entries, err := e.syncAccounts(ctx, round, skip)
		if err != nil {
			return err
		}
		round = fresh(entries)
	}
	if len(round) > 0 {
		e.logger.Warn("nested lookup-table entries left unresolved", "count", len(round))
	}
	return nil
}

// syncAccounts checks which keys exist in the sandbox, clones the absent
// ones from upstream, and returns any lookup-table entries discovered
// along the way.
func (e *Environment) syncAccounts(ctx context.Context, keys []txn.Pubkey, skip map[txn.Pubkey]bool) ([]txn.Pubkey, error) {
	local, err := e.fetchChunked(ctx, e.sandbox, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect sandbox accounts: %w", err)
	}

	var entries []txn.Pubkey
	var missing []txn.Pubkey
	for i, account := range local {
		if account != nil {
			entries = append(entries, e.lookupEntries(keys[i], account)...)
			continue
		}
		if !skip[keys[i]] {
			missing = append(missing, keys[i])
		}
	}
	if len(missing) == 0 {
		return entries, nil
	}

	e.logger.Info("cloning missing accounts from upstream", "count", len(missing))
	remote, err := e.fetchChunked(ctx, e.upstream, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch missing accounts from upstream: %w", err)
	}
	for i, account := range remote {
		if account == nil {
			// Absent upstream as well. Excluded, never zero-filled: the
			// transaction presumably creates it.
			e.logger.Warn("account not found upstream, leaving it to the transaction",
				"account", missing[i].String(),
			)
			continue
		}
		if err := e.sandbox.SetAccount(ctx, missing[i], account); err != nil {
			return nil, fmt.Errorf("failed to inject account %s: %w", missing[i], err)
		}
		entries = append(entries, e.lookupEntries(missing[i], account)...)
	}
	return entries, nil
}

// lookupEntries expands an account into its stored addresses when it is
// an address lookup table.
func (e *Environment) lookupEntries(key txn.Pubkey, account *rpc.Account) []txn.Pubkey {
	if account.Owner != txn.AddressLookupTableProgramID {
		return nil
	}
	entries, err := txn.DecodeLookupTable(account.Data)
	if err != nil {
		e.logger.Warn("referenced lookup table did not decode",
			"table", key.String(),
			"error", err,
		)
		return nil
	}
	e.logger.Debug("expanded lookup table", "table", key.String(), "entries", len(entries))
	return entries
}

// preloadExclusions collects the accounts that must not be cloned: every
// locally generated signer and every account the instruction set creates.
func (e *Environment) preloadExclusions(instructions []txn.Instruction) map[txn.Pubkey]bool {
	skip := make(map[txn.Pubkey]bool, len(e.keypairs))
	for _, kp := range e.keypairs {
		skip[kp.Pubkey()] = true
	}
	for key := range createdAccounts(instructions) {
		skip[key] = true
	}
	return skip
}

// createdAccounts identifies accounts the transaction itself brings into
// existence: system-program creations and associated token account
// creations. Cloning one from upstream would make the creation fail with
// an account-already-in-use error.
func createdAccounts(instructions []txn.Instruction) map[txn.Pubkey]bool {
	created := make(map[txn.Pubkey]bool)
	for _, ix := range instructions {
		switch ix.ProgramID {
		case txn.SystemProgramID:
			if len(ix.Data) < 4 || len(ix.Accounts) < 2 {
				continue
			}
			switch binary.LittleEndian.Uint32(ix.Data[:4]) {
			case 0, 3: // CreateAccount, CreateAccountWithSeed
				created[ix.Accounts[1].Pubkey] = true
			}
		case txn.AssociatedTokenProgramID:
			if len(ix.Accounts) < 2 {
				continue
			}
			// Create and CreateIdempotent; legacy builders send no data.
			if len(ix.Data) == 0 || ix.Data[0] == 0 || ix.Data[0] == 1 {
				created[ix.Accounts[1].Pubkey] = true
			}
		}
	}
	return created
}

func (e *Environment) fetchChunked(ctx context.Context, client *rpc.Client, keys []txn.Pubkey) ([]*rpc.Account, error) {
	accounts := make([]*rpc.Account, 0, len(keys))
	for start := 0; start < len(keys); start += preloadBatchSize {
		end := min(start+preloadBatchSize, len(keys))
		batch, err := client.GetAccounts(ctx, keys[start:end])
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, batch...)
	}
	return accounts, nil
}
