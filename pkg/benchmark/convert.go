package benchmark

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/errors"
	"github.com/tombee/flowbench/pkg/flow"
)

// StepID returns the flow step id for a 1-based benchmark step number.
func StepID(n int) string {
	return fmt.Sprintf("step-%d", n)
}

// parseStepRef extracts the step number from a dependency reference.
// Accepted forms: "step-1", "step_1", "step_1_result", or a bare number.
func parseStepRef(ref string) (int, bool) {
	s := strings.TrimSpace(ref)
	s = strings.TrimSuffix(s, "_result")
	switch {
	case strings.HasPrefix(s, "step-"):
		s = strings.TrimPrefix(s, "step-")
	case strings.HasPrefix(s, "step_"):
		s = strings.TrimPrefix(s, "step_")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// FeePayer returns the account that signs and pays fees for every
// transaction of the run: the USER_WALLET_PUBKEY placeholder when
// provisioned, else the first initial-state account.
func (tc *TestCase) FeePayer() string {
	for _, account := range tc.InitialState {
		if account.Pubkey == UserWalletPlaceholder {
			return UserWalletPlaceholder
		}
	}
	if len(tc.InitialState) > 0 {
		return tc.InitialState[0].Pubkey
	}
	return ""
}

// ToFlowPlan converts the benchmark into an executable flow plan.
// Single-transaction benchmarks become a one-step plan; flow benchmarks map
// each step to a flow step with normalized dependency ids. The returned
// plan is validated.
func (tc *TestCase) ToFlowPlan() (*flow.FlowPlan, error) {
	prompt := tc.Prompt
	if prompt == "" {
		prompt = tc.Description
	}

	plan := flow.NewFlowPlan(tc.ID, prompt, flow.NewWalletContext(tc.FeePayer())).
		WithAtomicMode(tc.AtomicMode)
	plan.Metadata.Category = tc.category()
	plan.Metadata.Tags = append([]string(nil), tc.Tags...)

	if !tc.IsFlow() {
		plan = plan.WithStep(flow.NewStep(StepID(1), tc.Prompt, tc.Description))
	}

	for _, fs := range tc.Flow {
		step := flow.NewStep(StepID(fs.Step), fs.Prompt, fs.Description).
			WithCritical(fs.Critical)
		if fs.Timeout > 0 {
			step = step.WithTimeout(fs.Timeout)
		}
		if fs.Recovery != nil {
			step = step.WithRecovery(fs.Recovery)
		}
		step.Condition = fs.Condition
		step.Extract = fs.Extract

		for _, ref := range fs.DependsOn {
			n, ok := parseStepRef(ref)
			if !ok {
				return nil, &errors.ValidationError{
					Field:      "depends_on",
					Message:    fmt.Sprintf("step %d has unrecognized step reference %q", fs.Step, ref),
					Suggestion: "reference steps as step-1, step_1, or step_1_result",
				}
			}
			step = step.WithDependsOn(StepID(n))
		}

		plan = plan.WithStep(step)
	}

	plan.ApplyDefaults()
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("benchmark %s does not form a valid flow plan: %w", tc.ID, err)
	}
	return plan, nil
}

// RawInstructions converts expected instructions into the wire form
// agents emit. Deterministic replay agents script their output from the
// ground truth through this conversion; placeholders stay unresolved.
func RawInstructions(expected []ExpectedInstruction) []agent.RawInstruction {
	out := make([]agent.RawInstruction, len(expected))
	for i, ins := range expected {
		raw := agent.RawInstruction{
			ProgramID: ins.ProgramID,
			Data:      ins.Data,
			Accounts:  make([]agent.RawAccountMeta, len(ins.Accounts)),
		}
		for j, acc := range ins.Accounts {
			raw.Accounts[j] = agent.RawAccountMeta{
				Pubkey:     acc.Pubkey,
				IsSigner:   acc.IsSigner,
				IsWritable: acc.IsWritable,
			}
		}
		out[i] = raw
	}
	return out
}

// category derives the plan category from the benchmark's tags.
func (tc *TestCase) category() string {
	for _, tag := range tc.Tags {
		switch tag {
		case "swap", "lend", "transfer", "stake":
			return tag
		}
	}
	return "general"
}
