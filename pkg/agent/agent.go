// Package agent defines the contract between the harness and the agents
// under evaluation, plus the built-in agent implementations.
//
// An agent receives the step's natural-language prompt and the current
// on-chain observation, and returns the raw instruction set it wants
// executed. The harness treats the agent's internal reasoning as opaque:
// a deterministic replay, an HTTP service, and an MCP server are all
// driven through the same GetAction call.
package agent

import (
	"context"
)

// RawAccountMeta is one account reference of a raw instruction.
type RawAccountMeta struct {
	// Pubkey is the account address, or a placeholder name the
	// environment resolves through the run's key map
	Pubkey string `json:"pubkey" yaml:"pubkey"`

	// IsSigner marks accounts that must sign the transaction
	IsSigner bool `json:"is_signer" yaml:"is_signer"`

	// IsWritable marks accounts the program may mutate
	IsWritable bool `json:"is_writable" yaml:"is_writable"`
}

// RawInstruction is the wire form of one instruction as agents emit it.
// It decodes unchanged from the JSON agents return and from benchmark
// ground-truth documents.
type RawInstruction struct {
	// ProgramID is the program to execute
	ProgramID string `json:"program_id" yaml:"program_id"`

	// Accounts are the instruction's account references, in order
	Accounts []RawAccountMeta `json:"accounts" yaml:"accounts"`

	// Data is the instruction payload, base58 encoded
	Data string `json:"data" yaml:"data"`
}

// TokenState is the decoded SPL portion of a token account's state.
type TokenState struct {
	Mint   string `json:"mint" yaml:"mint"`
	Owner  string `json:"token_account_owner" yaml:"token_account_owner"`
	Amount string `json:"amount" yaml:"amount"`
}

// AccountState is the observed state of one account.
type AccountState struct {
	Lamports   uint64 `json:"lamports" yaml:"lamports"`
	Owner      string `json:"owner" yaml:"owner"`
	Executable bool   `json:"executable" yaml:"executable"`
	DataLen    uint64 `json:"data_len" yaml:"data_len"`

	// Token is set when the account decodes as an SPL token account
	Token *TokenState `json:"token,omitempty" yaml:"token,omitempty"`
}

// Observation is the environment state handed to the agent before each
// step and recorded after each step settles.
type Observation struct {
	// LastTransactionStatus is "Success" or "Failure" after a step, and
	// "Initial" on the observation reset returns
	LastTransactionStatus string `json:"last_transaction_status" yaml:"last_transaction_status"`

	// LastTransactionError carries the failure detail when the last
	// transaction did not land
	LastTransactionError string `json:"last_transaction_error,omitempty" yaml:"last_transaction_error,omitempty"`

	// LastTransactionLogs are the program logs of the last transaction
	LastTransactionLogs []string `json:"last_transaction_logs,omitempty" yaml:"last_transaction_logs,omitempty"`

	// AccountStates keys account state by placeholder name when the
	// account has one, by address otherwise
	AccountStates map[string]AccountState `json:"account_states" yaml:"account_states"`

	// KeyMap maps placeholder names to the addresses generated or
	// derived for them during reset
	KeyMap map[string]string `json:"key_map" yaml:"key_map"`
}

// Request carries everything an agent needs to decide one step.
type Request struct {
	// RunID identifies the evaluation run
	RunID string

	// BenchmarkID names the benchmark under evaluation. Remote agents
	// receive it as the request id; the reference agent's deterministic
	// backend replays ground truth keyed on it
	BenchmarkID string

	// Prompt is the step's natural-language request, with placeholder
	// names in parentheses marking the accounts involved
	Prompt string

	// Observation is the current environment state; never nil
	Observation *Observation

	// Model optionally selects a backend model for LLM-backed agents
	Model string
}

// Agent produces the instruction set for one step.
//
// Implementations must honor ctx: the controller bounds every call with
// the step's timeout. An empty instruction set with a nil error means
// the agent declined to act.
type Agent interface {
	GetAction(ctx context.Context, req Request) ([]RawInstruction, error)

	// Name identifies the implementation in logs and results.
	Name() string
}
