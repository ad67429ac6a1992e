// Package scoring computes the two-tier correctness score for one
// executed step: how closely the agent's instructions match the ground
// truth, and whether the transaction landed with the expected final
// state.
//
// The blend weights reasoning over execution. An agent that produced the
// right instructions still earns most of the score when the transaction
// failed for reasons outside its control, but an instruction set that
// merely looks right can never score as if it had succeeded: on-chain
// failure caps the final score at InstructionWeight.
//
//	final = instruction*0.75 + onchain*0.25
//
// Benchmarks that set skip_instruction_validation trade the blend for an
// all-or-nothing gate, since their instruction layout is produced by an
// opaque protocol API and comparing it field by field is meaningless.
package scoring

import (
	"fmt"

	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/benchmark"
)

const (
	// InstructionWeight is the share of the final score carried by
	// instruction similarity.
	InstructionWeight = 0.75

	// OnChainWeight is the share of the final score carried by on-chain
	// execution.
	OnChainWeight = 0.25
)

// Breakdown is the detailed result of scoring one step.
type Breakdown struct {
	// InstructionScore is the similarity to the expected instructions,
	// in [0,1]
	InstructionScore float64 `yaml:"instruction_score" json:"instruction_score"`

	// OnChainScore is the binary execution outcome
	OnChainScore float64 `yaml:"onchain_score" json:"onchain_score"`

	// FinalScore is the weighted blend, in [0,1]
	FinalScore float64 `yaml:"final_score" json:"final_score"`

	// Issues summarize where points were lost
	Issues []string `yaml:"issues,omitempty" json:"issues,omitempty"`

	// Mismatches detail individual field and assertion differences
	Mismatches []string `yaml:"mismatches,omitempty" json:"mismatches,omitempty"`
}

// Passed reports whether the final score meets the benchmark's success
// threshold.
func (b *Breakdown) Passed(minScore float64) bool {
	if minScore <= 0 {
		minScore = benchmark.DefaultMinScore
	}
	return b.FinalScore >= minScore
}

// Input bundles everything needed to score one step.
type Input struct {
	// GroundTruth supplies the expected instructions, assertions, and
	// scoring flags
	GroundTruth benchmark.GroundTruth

	// Step is the 1-based flow step being scored. Zero means 1.
	Step int

	// Instructions are what the agent produced for this step
	Instructions []agent.RawInstruction

	// KeyMap resolves placeholder names on both sides of the comparison
	KeyMap map[string]string

	// Status is the step's execution status, Success or Failure
	Status string

	// Initial is the observation Reset returned, used by balance-change
	// assertions
	Initial *agent.Observation

	// Final is the observation after the step settled
	Final *agent.Observation

	// FinalStep enables final-state assertion checking. Set it on the
	// last step of a flow and on every single-transaction benchmark.
	FinalStep bool
}

// ScoreStep computes the breakdown for one executed step.
func ScoreStep(in Input) *Breakdown {
	b := &Breakdown{}

	landed := in.Status == benchmark.TransactionSuccess
	assertionsHold := true
	var assertionFailures []string
	if in.FinalStep {
		assertionsHold, assertionFailures = EvaluateAssertions(
			in.GroundTruth.FinalStateAssertions, in.Initial, in.Final,
		)
	}

	if in.GroundTruth.SkipInstructionValidation {
		// Opaque-protocol benchmarks: acting through the API
		// successfully is the whole test.
		b.InstructionScore = 1.0
		if landed && assertionsHold {
			b.OnChainScore = 1.0
			b.FinalScore = 1.0
		} else {
			b.OnChainScore = 0.0
			b.FinalScore = 0.0
			if !landed {
				b.Issues = append(b.Issues, "protocol call failed")
			}
		}
		b.Mismatches = append(b.Mismatches, assertionFailures...)
		if !assertionsHold {
			b.Issues = append(b.Issues, "final state assertions failed")
		}
		return b
	}

	expected := expectedForStep(in.GroundTruth.ExpectedInstructions, in.Step)
	score, mismatches := InstructionScore(expected, in.Instructions, in.KeyMap)
	b.InstructionScore = score
	b.Mismatches = append(b.Mismatches, mismatches...)
	if score < 1.0 {
		b.Issues = append(b.Issues, fmt.Sprintf("instruction matching lost %.1f points", (1.0-score)*100))
	}

	if landed && assertionsHold {
		b.OnChainScore = 1.0
	} else {
		b.OnChainScore = 0.0
		if !landed {
			b.Issues = append(b.Issues, "transaction failed on-chain execution")
			if in.Final != nil && in.Final.LastTransactionError != "" {
				b.Mismatches = append(b.Mismatches, "on-chain error: "+in.Final.LastTransactionError)
			}
		}
		if !assertionsHold {
			b.Issues = append(b.Issues, "final state assertions failed")
			b.Mismatches = append(b.Mismatches, assertionFailures...)
		}
	}

	b.FinalScore = clamp(b.InstructionScore*InstructionWeight + b.OnChainScore*OnChainWeight)
	return b
}

// expectedForStep filters the ground truth to the instructions of one
// flow step. Instructions without a step number belong to step 1.
func expectedForStep(all []benchmark.ExpectedInstruction, step int) []benchmark.ExpectedInstruction {
	if step <= 0 {
		step = 1
	}
	var out []benchmark.ExpectedInstruction
	for _, ix := range all {
		ixStep := ix.Step
		if ixStep <= 0 {
			ixStep = 1
		}
		if ixStep == step {
			out = append(out, ix)
		}
	}
	return out
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
