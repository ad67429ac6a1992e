package benchmark

import (
	"fmt"
	"strconv"

	"github.com/tombee/flowbench/pkg/errors"
	"github.com/tombee/flowbench/pkg/flow"
)

// ApplyDefaults fills optional fields with their documented defaults.
func (tc *TestCase) ApplyDefaults() {
	if tc.AtomicMode == "" {
		tc.AtomicMode = flow.AtomicModeStrict
	}
	if tc.GroundTruth.TransactionStatus == "" {
		tc.GroundTruth.TransactionStatus = TransactionSuccess
	}
	if tc.GroundTruth.MinScore == 0 {
		tc.GroundTruth.MinScore = DefaultMinScore
	}
	for i := range tc.GroundTruth.ExpectedInstructions {
		if tc.GroundTruth.ExpectedInstructions[i].Step == 0 {
			tc.GroundTruth.ExpectedInstructions[i].Step = 1
		}
	}
}

// Validate checks structural integrity: identifiers, provisioned accounts,
// the prompt-or-flow requirement, step numbering with backward-only
// dependencies, and well-formed ground truth.
func (tc *TestCase) Validate() error {
	if tc.ID == "" {
		return &errors.ValidationError{
			Field:      "id",
			Message:    "benchmark id is required",
			Suggestion: "add a unique id such as 001-sol-transfer",
		}
	}

	if tc.Description == "" {
		return &errors.ValidationError{
			Field:      "description",
			Message:    "benchmark description is required",
			Suggestion: "describe what the benchmark tests",
		}
	}

	if len(tc.InitialState) == 0 {
		return &errors.ValidationError{
			Field:      "initial_state",
			Message:    "at least one initial account is required",
			Suggestion: "provision the fee payer, e.g. USER_WALLET_PUBKEY",
		}
	}

	for i, account := range tc.InitialState {
		if err := account.validate(i); err != nil {
			return err
		}
	}

	if !flow.ValidAtomicModes[tc.AtomicMode] {
		return &errors.ValidationError{
			Field:      "atomic_mode",
			Message:    fmt.Sprintf("invalid atomic mode: %q", tc.AtomicMode),
			Suggestion: "use one of: strict, lenient, conditional",
		}
	}

	if tc.Prompt == "" && len(tc.Flow) == 0 {
		return &errors.ValidationError{
			Field:      "prompt",
			Message:    "a prompt or a flow section is required",
			Suggestion: "add a prompt for single-transaction benchmarks or a flow section for multi-step ones",
		}
	}

	if err := tc.validateFlow(); err != nil {
		return err
	}

	return tc.validateGroundTruth()
}

func (a AccountState) validate(index int) error {
	if a.Pubkey == "" {
		return &errors.ValidationError{
			Field:   fmt.Sprintf("initial_state[%d].pubkey", index),
			Message: "account pubkey is required",
		}
	}
	if a.Owner == "" {
		return &errors.ValidationError{
			Field:      fmt.Sprintf("initial_state[%d].owner", index),
			Message:    fmt.Sprintf("account %s has no owner", a.Pubkey),
			Suggestion: "set the owning program id",
		}
	}
	if a.Data != nil {
		if a.Data.Mint == "" || a.Data.Owner == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("initial_state[%d].data", index),
				Message: fmt.Sprintf("token account %s needs both mint and owner", a.Pubkey),
			}
		}
		if _, err := strconv.ParseUint(a.Data.Amount, 10, 64); err != nil {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("initial_state[%d].data.amount", index),
				Message:    fmt.Sprintf("token amount %q is not a valid unsigned integer", a.Data.Amount),
				Suggestion: "write the balance in base units as a decimal string",
			}
		}
	}
	return nil
}

func (tc *TestCase) validateFlow() error {
	seen := make(map[int]bool, len(tc.Flow))
	previous := 0
	for i, step := range tc.Flow {
		if step.Step < 1 {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("flow[%d].step", i),
				Message: fmt.Sprintf("step number %d is invalid, numbering is 1-based", step.Step),
			}
		}
		// Document order is execution order, so numbering must ascend.
		if step.Step <= previous {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("flow[%d].step", i),
				Message:    fmt.Sprintf("step number %d repeats or goes backwards", step.Step),
				Suggestion: "list flow steps in ascending step order",
			}
		}
		previous = step.Step
		seen[step.Step] = true

		if step.Prompt == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("flow[%d].prompt", i),
				Message: fmt.Sprintf("step %d has no prompt", step.Step),
			}
		}
		if step.Timeout < 0 {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("flow[%d].timeout", i),
				Message: fmt.Sprintf("step %d has a negative timeout", step.Step),
			}
		}
		if step.Recovery != nil {
			if err := step.Recovery.Validate(); err != nil {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow[%d].recovery", i),
					Message: fmt.Sprintf("step %d recovery strategy: %v", step.Step, err),
				}
			}
		}

		for _, ref := range step.DependsOn {
			target, ok := parseStepRef(ref)
			if !ok {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("flow[%d].depends_on", i),
					Message:    fmt.Sprintf("unrecognized step reference %q", ref),
					Suggestion: "reference steps as step-1, step_1, or step_1_result",
				}
			}
			if target >= step.Step {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("flow[%d].depends_on", i),
					Message:    fmt.Sprintf("step %d depends on step %d, which does not run earlier", step.Step, target),
					Suggestion: "dependencies may only reference lower step numbers",
				}
			}
			if !seen[target] {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("flow[%d].depends_on", i),
					Message: fmt.Sprintf("step %d depends on unknown step %d", step.Step, target),
				}
			}
		}
	}
	return nil
}

func (tc *TestCase) validateGroundTruth() error {
	g := tc.GroundTruth

	if g.TransactionStatus != TransactionSuccess && g.TransactionStatus != TransactionFailure {
		return &errors.ValidationError{
			Field:      "ground_truth.transaction_status",
			Message:    fmt.Sprintf("invalid transaction status: %q", g.TransactionStatus),
			Suggestion: "use Success or Failure",
		}
	}

	if g.MinScore < 0 || g.MinScore > 1 {
		return &errors.ValidationError{
			Field:   "ground_truth.min_score",
			Message: fmt.Sprintf("min score %v is outside [0, 1]", g.MinScore),
		}
	}

	for i, ins := range g.ExpectedInstructions {
		if ins.ProgramID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("ground_truth.expected_instructions[%d].program_id", i),
				Message: "expected instruction has no program id",
			}
		}
		if tc.IsFlow() {
			if ins.Step < 1 || ins.Step > len(tc.Flow) {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("ground_truth.expected_instructions[%d].step", i),
					Message: fmt.Sprintf("expected instruction references step %d, flow has %d steps", ins.Step, len(tc.Flow)),
				}
			}
		}
		for j, meta := range ins.Accounts {
			if meta.Pubkey == "" {
				return &errors.ValidationError{
					Field:   fmt.Sprintf("ground_truth.expected_instructions[%d].accounts[%d].pubkey", i, j),
					Message: "expected account has no pubkey",
				}
			}
		}
	}

	for i, assertion := range g.FinalStateAssertions {
		if err := assertion.Validate(); err != nil {
			var verr *errors.ValidationError
			if errors.As(err, &verr) {
				verr.Field = fmt.Sprintf("ground_truth.final_state_assertions[%d].%s", i, verr.Field)
				return verr
			}
			return err
		}
	}

	return nil
}

// Validate checks that the assertion names a known type, a target account,
// and the operand its type requires.
func (a StateAssertion) Validate() error {
	if !ValidAssertionTypes[a.Type] {
		return &errors.ValidationError{
			Field:      "type",
			Message:    fmt.Sprintf("unknown assertion type: %q", a.Type),
			Suggestion: "use SolBalance, SolBalanceChange, or TokenAccountBalance",
		}
	}
	if a.Pubkey == "" {
		return &errors.ValidationError{
			Field:   "pubkey",
			Message: "assertion has no target account",
		}
	}
	if a.Derivation != nil && (a.Derivation.Owner == "" || a.Derivation.Mint == "") {
		return &errors.ValidationError{
			Field:      "derivation",
			Message:    "address derivation needs both owner and mint",
			Suggestion: "set derivation.owner to the wallet placeholder and derivation.mint to the token mint",
		}
	}

	switch a.Type {
	case AssertSolBalance:
		if a.Expected == nil {
			return &errors.ValidationError{
				Field:   "expected",
				Message: "SolBalance requires an exact expected balance",
			}
		}
	case AssertSolBalanceChange:
		if a.ExpectedChangeGte == nil {
			return &errors.ValidationError{
				Field:   "expected_change_gte",
				Message: "SolBalanceChange requires a minimum expected change",
			}
		}
	case AssertTokenAccountBalance:
		if a.Expected == nil && a.ExpectedGte == nil {
			return &errors.ValidationError{
				Field:      "expected",
				Message:    "TokenAccountBalance requires expected or expected_gte",
				Suggestion: "set expected for an exact match or expected_gte for a minimum",
			}
		}
	}
	return nil
}
