package scoring

import (
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/benchmark"
)

func uintPtr(v uint64) *uint64 { return &v }
func intPtr(v int64) *int64    { return &v }

func observation(states map[string]agent.AccountState) *agent.Observation {
	return &agent.Observation{AccountStates: states, KeyMap: testKeyMap()}
}

func transferGroundTruth() benchmark.GroundTruth {
	return benchmark.GroundTruth{
		TransactionStatus:    benchmark.TransactionSuccess,
		ExpectedInstructions: expectedTransfer(),
		FinalStateAssertions: []benchmark.StateAssertion{{
			Type:     benchmark.AssertSolBalance,
			Pubkey:   "RECIPIENT_WALLET_PUBKEY",
			Expected: uintPtr(1_100_000_000),
		}},
	}
}

func TestScoreStepPerfectRun(t *testing.T) {
	b := ScoreStep(Input{
		GroundTruth:  transferGroundTruth(),
		Instructions: []agent.RawInstruction{actualTransfer()},
		KeyMap:       testKeyMap(),
		Status:       benchmark.TransactionSuccess,
		Final: observation(map[string]agent.AccountState{
			"RECIPIENT_WALLET_PUBKEY": {Lamports: 1_100_000_000},
		}),
		FinalStep: true,
	})

	assert.Equal(t, 1.0, b.InstructionScore)
	assert.Equal(t, 1.0, b.OnChainScore)
	assert.Equal(t, 1.0, b.FinalScore)
	assert.Empty(t, b.Issues)
	assert.True(t, b.Passed(0))
}

func TestScoreStepPerfectInstructionChainFailure(t *testing.T) {
	// Correct reasoning with failed execution keeps the instruction
	// share of the score, exactly the weight and no more.
	b := ScoreStep(Input{
		GroundTruth:  transferGroundTruth(),
		Instructions: []agent.RawInstruction{actualTransfer()},
		KeyMap:       testKeyMap(),
		Status:       benchmark.TransactionFailure,
		Final: &agent.Observation{
			LastTransactionStatus: benchmark.TransactionFailure,
			LastTransactionError:  "custom program error: 0x1",
		},
		FinalStep: true,
	})

	assert.Equal(t, 1.0, b.InstructionScore)
	assert.Equal(t, 0.0, b.OnChainScore)
	assert.InDelta(t, 0.75, b.FinalScore, 1e-9)
	assert.Contains(t, b.Issues, "transaction failed on-chain execution")
	assert.Contains(t, b.Mismatches, "on-chain error: custom program error: 0x1")
	assert.True(t, b.Passed(0))
}

func TestScoreStepPartialInstructionCredit(t *testing.T) {
	// Right program and accounts with a wrong payload: partial
	// instruction credit, no on-chain credit, and a final score strictly
	// below what perfect reasoning alone would earn.
	actual := actualTransfer()
	actual.Data = base58.Encode([]byte{2, 0, 0, 0, 9, 9, 9, 9, 0, 0, 0, 0})

	b := ScoreStep(Input{
		GroundTruth:  transferGroundTruth(),
		Instructions: []agent.RawInstruction{actual},
		KeyMap:       testKeyMap(),
		Status:       benchmark.TransactionFailure,
		Final:        &agent.Observation{LastTransactionStatus: benchmark.TransactionFailure},
		FinalStep:    true,
	})

	require.InDelta(t, 5.0/7.0, b.InstructionScore, 1e-9)
	assert.Equal(t, 0.0, b.OnChainScore)
	assert.InDelta(t, InstructionWeight*5.0/7.0, b.FinalScore, 1e-9)
	assert.Less(t, b.FinalScore, 0.75)
	assert.False(t, b.Passed(0))
}

func TestScoreStepAssertionGate(t *testing.T) {
	// The transaction landed but did not produce the expected state: the
	// on-chain tier gives no credit.
	b := ScoreStep(Input{
		GroundTruth:  transferGroundTruth(),
		Instructions: []agent.RawInstruction{actualTransfer()},
		KeyMap:       testKeyMap(),
		Status:       benchmark.TransactionSuccess,
		Final: observation(map[string]agent.AccountState{
			"RECIPIENT_WALLET_PUBKEY": {Lamports: 1_000_000_000},
		}),
		FinalStep: true,
	})

	assert.Equal(t, 1.0, b.InstructionScore)
	assert.Equal(t, 0.0, b.OnChainScore)
	assert.InDelta(t, 0.75, b.FinalScore, 1e-9)
	assert.Contains(t, b.Issues, "final state assertions failed")
	require.NotEmpty(t, b.Mismatches)
	assert.Contains(t, b.Mismatches[0], "1000000000 lamports, want 1100000000")
}

func TestScoreStepIntermediateStepSkipsAssertions(t *testing.T) {
	gt := transferGroundTruth()
	b := ScoreStep(Input{
		GroundTruth:  gt,
		Step:         1,
		Instructions: []agent.RawInstruction{actualTransfer()},
		KeyMap:       testKeyMap(),
		Status:       benchmark.TransactionSuccess,
		Final:        observation(nil),
	})

	// Not the final step: the missing assertion account does not matter
	// yet.
	assert.Equal(t, 1.0, b.OnChainScore)
	assert.Equal(t, 1.0, b.FinalScore)
}

func TestScoreStepSkipValidation(t *testing.T) {
	gt := benchmark.GroundTruth{SkipInstructionValidation: true}

	success := ScoreStep(Input{
		GroundTruth: gt,
		Status:      benchmark.TransactionSuccess,
		FinalStep:   true,
	})
	assert.Equal(t, 1.0, success.FinalScore)
	assert.Equal(t, 1.0, success.InstructionScore)
	assert.Equal(t, 1.0, success.OnChainScore)

	failure := ScoreStep(Input{
		GroundTruth: gt,
		Status:      benchmark.TransactionFailure,
		FinalStep:   true,
	})
	assert.Equal(t, 0.0, failure.FinalScore)
	assert.Contains(t, failure.Issues, "protocol call failed")
}

func TestScoreStepSelectsStepInstructions(t *testing.T) {
	second := expectedTransfer()[0]
	second.Step = 2
	second.Data = base58.Encode([]byte{9, 9})
	gt := benchmark.GroundTruth{
		ExpectedInstructions: append(expectedTransfer(), second),
	}

	actual := actualTransfer()
	actual.Data = second.Data
	b := ScoreStep(Input{
		GroundTruth:  gt,
		Step:         2,
		Instructions: []agent.RawInstruction{actual},
		KeyMap:       testKeyMap(),
		Status:       benchmark.TransactionSuccess,
	})

	// Only step 2's expected instruction applies; step 1's different
	// payload must not drag the score down.
	assert.Equal(t, 1.0, b.InstructionScore)
	assert.Equal(t, 1.0, b.FinalScore)
}

func TestBreakdownPassed(t *testing.T) {
	b := &Breakdown{FinalScore: 0.75}
	assert.True(t, b.Passed(0))
	assert.False(t, (&Breakdown{FinalScore: 0.74}).Passed(0))
	assert.True(t, (&Breakdown{FinalScore: 0.5}).Passed(0.5))
	assert.False(t, (&Breakdown{FinalScore: 0.5}).Passed(0.9))
}

func TestEvaluateAssertions(t *testing.T) {
	initial := observation(map[string]agent.AccountState{
		"USER_WALLET_PUBKEY": {Lamports: 5_000_000_000},
	})
	final := observation(map[string]agent.AccountState{
		"USER_WALLET_PUBKEY": {Lamports: 4_899_995_000},
		"USER_USDC_ATA": {
			Lamports: 2_039_280,
			Token:    &agent.TokenState{Mint: "usdc", Owner: userAddr, Amount: "15000000"},
		},
	})

	tests := []struct {
		name      string
		assertion benchmark.StateAssertion
		want      bool
	}{
		{
			name: "sol balance exact",
			assertion: benchmark.StateAssertion{
				Type: benchmark.AssertSolBalance, Pubkey: "USER_WALLET_PUBKEY", Expected: uintPtr(4_899_995_000),
			},
			want: true,
		},
		{
			name: "sol balance wrong",
			assertion: benchmark.StateAssertion{
				Type: benchmark.AssertSolBalance, Pubkey: "USER_WALLET_PUBKEY", Expected: uintPtr(5_000_000_000),
			},
			want: false,
		},
		{
			name: "negative change within bound",
			assertion: benchmark.StateAssertion{
				Type: benchmark.AssertSolBalanceChange, Pubkey: "USER_WALLET_PUBKEY", ExpectedChangeGte: intPtr(-200_000_000),
			},
			want: true,
		},
		{
			name: "change below bound",
			assertion: benchmark.StateAssertion{
				Type: benchmark.AssertSolBalanceChange, Pubkey: "USER_WALLET_PUBKEY", ExpectedChangeGte: intPtr(0),
			},
			want: false,
		},
		{
			name: "token balance exact",
			assertion: benchmark.StateAssertion{
				Type: benchmark.AssertTokenAccountBalance, Pubkey: "USER_USDC_ATA", Expected: uintPtr(15_000_000),
			},
			want: true,
		},
		{
			name: "token balance minimum",
			assertion: benchmark.StateAssertion{
				Type: benchmark.AssertTokenAccountBalance, Pubkey: "USER_USDC_ATA", ExpectedGte: uintPtr(10_000_000),
			},
			want: true,
		},
		{
			name: "token balance below minimum",
			assertion: benchmark.StateAssertion{
				Type: benchmark.AssertTokenAccountBalance, Pubkey: "USER_USDC_ATA", ExpectedGte: uintPtr(20_000_000),
			},
			want: false,
		},
		{
			name: "not a token account",
			assertion: benchmark.StateAssertion{
				Type: benchmark.AssertTokenAccountBalance, Pubkey: "USER_WALLET_PUBKEY", Expected: uintPtr(1),
			},
			want: false,
		},
		{
			name: "missing account",
			assertion: benchmark.StateAssertion{
				Type: benchmark.AssertSolBalance, Pubkey: "NOBODY", Expected: uintPtr(1),
			},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, failures := EvaluateAssertions([]benchmark.StateAssertion{tt.assertion}, initial, final)
			assert.Equal(t, tt.want, ok)
			if !tt.want {
				assert.NotEmpty(t, failures)
			}
		})
	}

	ok, failures := EvaluateAssertions(nil, initial, final)
	assert.True(t, ok)
	assert.Empty(t, failures)
}
