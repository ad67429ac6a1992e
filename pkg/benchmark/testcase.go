// Package benchmark loads and represents benchmark test cases.
//
// A benchmark document is a YAML file describing the initial on-chain state
// to provision, the natural-language prompt given to the agent, and the
// ground truth the agent's output is scored against. Single-transaction
// benchmarks carry one prompt; multi-step benchmarks carry a flow section
// whose steps convert into a flow.FlowPlan via ToFlowPlan.
//
// Account identifiers written in ALL_CAPS_WITH_UNDERSCORES form are
// placeholders: the execution environment generates a fresh keypair for each
// one at reset time and exposes the mapping in every observation. The fee
// payer placeholder is USER_WALLET_PUBKEY.
package benchmark

import (
	"strings"

	"github.com/tombee/flowbench/pkg/flow"
	"gopkg.in/yaml.v3"
)

const (
	// UserWalletPlaceholder identifies the account that pays fees and signs
	// every submitted transaction.
	UserWalletPlaceholder = "USER_WALLET_PUBKEY"

	// TransactionSuccess is the expected status for benchmarks whose
	// transaction should land.
	TransactionSuccess = "Success"

	// TransactionFailure is the expected status for benchmarks that test
	// correct rejection.
	TransactionFailure = "Failure"

	// DefaultMinScore is the final-score threshold at which a run counts as
	// succeeded. An agent that produced perfect instructions still passes
	// when execution failed for reasons outside its control.
	DefaultMinScore = 0.75
)

// TestCase is a complete benchmark, deserialized from one YAML document.
type TestCase struct {
	// ID uniquely identifies the benchmark (e.g. "001-sol-transfer")
	ID string `yaml:"id" json:"id"`

	// Description summarizes what the benchmark tests
	Description string `yaml:"description" json:"description"`

	// Tags categorize the benchmark for discovery filters
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// InitialState lists the accounts to provision before the agent runs
	InitialState []AccountState `yaml:"initial_state" json:"initial_state"`

	// Prompt is the natural-language request for single-transaction
	// benchmarks. Ignored when Flow is present.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	// Flow holds the ordered steps of a multi-step benchmark
	Flow []FlowStep `yaml:"flow,omitempty" json:"flow,omitempty"`

	// AtomicMode governs failure propagation for multi-step benchmarks.
	// Empty defaults to strict.
	AtomicMode flow.AtomicMode `yaml:"atomic_mode,omitempty" json:"atomic_mode,omitempty"`

	// GroundTruth holds the expected instructions and final-state assertions
	GroundTruth GroundTruth `yaml:"ground_truth" json:"ground_truth"`

	// Metadata carries free-form benchmark annotations
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// SourcePath records where the benchmark was loaded from. Not part of
	// the document format.
	SourcePath string `yaml:"-" json:"-"`
}

// AccountState is the initial on-chain state of one account.
type AccountState struct {
	// Pubkey is the account address, or a placeholder resolved at reset
	Pubkey string `yaml:"pubkey" json:"pubkey"`

	// Owner is the program that owns the account
	Owner string `yaml:"owner" json:"owner"`

	// Lamports is the initial balance
	Lamports uint64 `yaml:"lamports" json:"lamports"`

	// Data holds SPL token account fields when the account is a token
	// account
	Data *SplAccountData `yaml:"data,omitempty" json:"data,omitempty"`
}

// SplAccountData describes the decoded state of an SPL token account.
type SplAccountData struct {
	// Mint is the token mint address
	Mint string `yaml:"mint" json:"mint"`

	// Owner is the wallet that owns the token account
	Owner string `yaml:"owner" json:"owner"`

	// Amount is the token balance in base units, as a decimal string
	Amount string `yaml:"amount" json:"amount"`
}

// FlowStep is one step of a multi-step benchmark.
type FlowStep struct {
	// Step is the 1-based step number
	Step int `yaml:"step" json:"step"`

	// Description explains the step
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Prompt is the natural-language request for this step
	Prompt string `yaml:"prompt" json:"prompt"`

	// Critical marks a step whose failure fails the whole flow.
	// Defaults to true.
	Critical bool `yaml:"critical" json:"critical"`

	// DependsOn lists references to earlier steps. Accepted forms:
	// "step-1", "step_1", "step_1_result", or a bare number.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Timeout is the step execution budget in seconds. Zero uses the flow
	// default.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Recovery is consulted when the step fails with a recoverable error
	Recovery *flow.RecoveryStrategy `yaml:"recovery,omitempty" json:"recovery,omitempty"`

	// Condition optionally gates the step on an expression over the flow
	// context
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Extract maps context variable names to jq expressions applied to the
	// step observation
	Extract map[string]string `yaml:"extract,omitempty" json:"extract,omitempty"`
}

// UnmarshalYAML decodes a flow step, defaulting critical to true when the
// document leaves it unset.
func (s *FlowStep) UnmarshalYAML(value *yaml.Node) error {
	type rawStep FlowStep
	raw := rawStep{Critical: true}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*s = FlowStep(raw)
	return nil
}

// GroundTruth holds the expected outcome a run is scored against.
type GroundTruth struct {
	// TransactionStatus is the expected terminal status, Success or
	// Failure. Empty defaults to Success.
	TransactionStatus string `yaml:"transaction_status,omitempty" json:"transaction_status,omitempty"`

	// ExpectedInstructions are the ideal instructions the agent should
	// generate, used for instruction-similarity scoring
	ExpectedInstructions []ExpectedInstruction `yaml:"expected_instructions,omitempty" json:"expected_instructions,omitempty"`

	// FinalStateAssertions must hold on-chain after the run
	FinalStateAssertions []StateAssertion `yaml:"final_state_assertions,omitempty" json:"final_state_assertions,omitempty"`

	// SkipInstructionValidation bypasses instruction matching for
	// API-driven protocols whose instruction layout is opaque
	SkipInstructionValidation bool `yaml:"skip_instruction_validation,omitempty" json:"skip_instruction_validation,omitempty"`

	// MinScore is the final-score success threshold. Zero defaults to
	// DefaultMinScore.
	MinScore float64 `yaml:"min_score,omitempty" json:"min_score,omitempty"`
}

// ExpectedInstruction is the ground-truth form of one instruction.
type ExpectedInstruction struct {
	// Step is the 1-based flow step this instruction belongs to.
	// Zero defaults to 1.
	Step int `yaml:"step,omitempty" json:"step,omitempty"`

	// ProgramID is the program expected to execute the instruction
	ProgramID string `yaml:"program_id" json:"program_id"`

	// Accounts are the expected account metas, in instruction order
	Accounts []AccountMeta `yaml:"accounts,omitempty" json:"accounts,omitempty"`

	// Data is the expected instruction payload, base58 encoded
	Data string `yaml:"data,omitempty" json:"data,omitempty"`
}

// AccountMeta mirrors one account reference of an instruction.
type AccountMeta struct {
	// Pubkey is the account address or placeholder
	Pubkey string `yaml:"pubkey" json:"pubkey"`

	// IsSigner marks accounts that must sign the transaction
	IsSigner bool `yaml:"is_signer" json:"is_signer"`

	// IsWritable marks accounts the program may mutate
	IsWritable bool `yaml:"is_writable" json:"is_writable"`
}

// AssertionType discriminates final-state assertion kinds.
type AssertionType string

const (
	// AssertSolBalance checks an exact lamport balance.
	AssertSolBalance AssertionType = "SolBalance"

	// AssertSolBalanceChange checks a minimum lamport balance change,
	// which may be negative.
	AssertSolBalanceChange AssertionType = "SolBalanceChange"

	// AssertTokenAccountBalance checks an SPL token account balance,
	// exactly or as a minimum.
	AssertTokenAccountBalance AssertionType = "TokenAccountBalance"
)

// ValidAssertionTypes enumerates the accepted assertion kinds.
var ValidAssertionTypes = map[AssertionType]bool{
	AssertSolBalance:          true,
	AssertSolBalanceChange:    true,
	AssertTokenAccountBalance: true,
}

// AddressDerivation tells the environment how to resolve an assertion
// target that has no address until the run creates it, such as an
// associated token account the agent's transaction initializes.
type AddressDerivation struct {
	// Owner is the wallet placeholder the account belongs to
	Owner string `yaml:"owner" json:"owner"`

	// Mint is the token mint address
	Mint string `yaml:"mint" json:"mint"`
}

// StateAssertion is one condition on the final on-chain state. The Type
// field selects which operand fields apply; Validate enforces presence.
type StateAssertion struct {
	// Type selects the assertion kind
	Type AssertionType `yaml:"type" json:"type"`

	// Pubkey is the account the assertion inspects, possibly a placeholder
	Pubkey string `yaml:"pubkey" json:"pubkey"`

	// Derivation resolves the target address at observation time when
	// Pubkey is a placeholder with no initial-state account
	Derivation *AddressDerivation `yaml:"derivation,omitempty" json:"derivation,omitempty"`

	// Expected is the exact expected balance (SolBalance,
	// TokenAccountBalance)
	Expected *uint64 `yaml:"expected,omitempty" json:"expected,omitempty"`

	// ExpectedGte is the minimum expected balance (TokenAccountBalance)
	ExpectedGte *uint64 `yaml:"expected_gte,omitempty" json:"expected_gte,omitempty"`

	// ExpectedChangeGte is the minimum balance delta in lamports
	// (SolBalanceChange)
	ExpectedChangeGte *int64 `yaml:"expected_change_gte,omitempty" json:"expected_change_gte,omitempty"`
}

// IsPlaceholder reports whether an account identifier is a placeholder to
// be replaced with a generated keypair at reset time. Placeholders are
// ALL_CAPS_WITH_UNDERSCORES; real addresses are base58 and mixed case.
func IsPlaceholder(id string) bool {
	if !strings.Contains(id, "_") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// Placeholders returns every distinct placeholder referenced by the
// benchmark, in first-appearance order: initial state accounts, expected
// instruction accounts, and assertion targets.
func (tc *TestCase) Placeholders() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if IsPlaceholder(id) && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, account := range tc.InitialState {
		add(account.Pubkey)
		if account.Data != nil {
			add(account.Data.Owner)
		}
	}
	for _, ins := range tc.GroundTruth.ExpectedInstructions {
		for _, meta := range ins.Accounts {
			add(meta.Pubkey)
		}
	}
	for _, assertion := range tc.GroundTruth.FinalStateAssertions {
		add(assertion.Pubkey)
	}
	return out
}

// IsFlow reports whether the benchmark is multi-step.
func (tc *TestCase) IsFlow() bool {
	return len(tc.Flow) > 0
}

// HasTag reports whether the benchmark carries the given tag.
func (tc *TestCase) HasTag(tag string) bool {
	for _, t := range tc.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MatchesAny reports whether the benchmark carries at least one of the
// given tags. An empty filter matches everything.
func (tc *TestCase) MatchesAny(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, tag := range tags {
		if tc.HasTag(tag) {
			return true
		}
	}
	return false
}

// ExpectedInstructionsForStep returns the ground-truth instructions
// declared for the given 1-based step number.
func (g *GroundTruth) ExpectedInstructionsForStep(step int) []ExpectedInstruction {
	var out []ExpectedInstruction
	for _, ins := range g.ExpectedInstructions {
		if ins.Step == step {
			out = append(out, ins)
		}
	}
	return out
}
