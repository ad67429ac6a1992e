package scoring

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/benchmark"
)

// Field weights for instruction similarity. A transfer-shaped instruction
// with two accounts carries seven weighted fields: the program, each
// account's pubkey and privilege flags, and a double-weighted data
// payload. Matching everything but the data scores 5/7.
const (
	programWeight     = 1.0
	accountKeyWeight  = 1.0
	accountFlagWeight = 1.0
	dataWeight        = 2.0
)

// InstructionScore compares the agent's instructions against the expected
// ones field by field and returns the earned share of the total weight,
// with a mismatch note per lost field. Placeholder names on either side
// are resolved through the key map before comparison, so an agent may
// answer with placeholders or concrete addresses interchangeably.
//
// An empty expected set scores 1.0 as long as the agent acted at all:
// such benchmarks are judged purely by their final-state assertions. An
// agent that produced nothing scores 0.0 regardless.
func InstructionScore(expected []benchmark.ExpectedInstruction, actual []agent.RawInstruction, keyMap map[string]string) (float64, []string) {
	if len(actual) == 0 {
		return 0.0, []string{"agent produced no instructions"}
	}
	if len(expected) == 0 {
		return 1.0, nil
	}

	var mismatches []string
	if len(actual) != len(expected) {
		mismatches = append(mismatches, fmt.Sprintf("agent produced %d instructions, want %d", len(actual), len(expected)))
	}

	var earned, total float64
	for i, exp := range expected {
		var act agent.RawInstruction
		if i < len(actual) {
			act = actual[i]
		}
		e, t, notes := compareInstruction(i+1, exp, act, keyMap)
		earned += e
		total += t
		mismatches = append(mismatches, notes...)
	}
	return earned / total, mismatches
}

// compareInstruction scores one expected instruction against the agent's
// instruction at the same position.
func compareInstruction(n int, exp benchmark.ExpectedInstruction, act agent.RawInstruction, keyMap map[string]string) (earned, total float64, mismatches []string) {
	total = programWeight + dataWeight + float64(len(exp.Accounts))*(accountKeyWeight+accountFlagWeight)

	if resolveName(keyMap, act.ProgramID) == resolveName(keyMap, exp.ProgramID) {
		earned += programWeight
	} else {
		mismatches = append(mismatches, fmt.Sprintf("instruction %d: program %s, want %s", n, act.ProgramID, exp.ProgramID))
	}

	for i, expMeta := range exp.Accounts {
		if i >= len(act.Accounts) {
			mismatches = append(mismatches, fmt.Sprintf("instruction %d: missing account %d (%s)", n, i+1, expMeta.Pubkey))
			continue
		}
		actMeta := act.Accounts[i]
		if resolveName(keyMap, actMeta.Pubkey) != resolveName(keyMap, expMeta.Pubkey) {
			mismatches = append(mismatches, fmt.Sprintf("instruction %d: account %d is %s, want %s", n, i+1, actMeta.Pubkey, expMeta.Pubkey))
			continue
		}
		earned += accountKeyWeight
		// Privilege flags only count on the right account.
		if actMeta.IsSigner == expMeta.IsSigner && actMeta.IsWritable == expMeta.IsWritable {
			earned += accountFlagWeight
		} else {
			mismatches = append(mismatches, fmt.Sprintf(
				"instruction %d: account %d flags signer=%t writable=%t, want signer=%t writable=%t",
				n, i+1, actMeta.IsSigner, actMeta.IsWritable, expMeta.IsSigner, expMeta.IsWritable,
			))
		}
	}
	if len(act.Accounts) > len(exp.Accounts) {
		mismatches = append(mismatches, fmt.Sprintf("instruction %d: %d accounts, want %d", n, len(act.Accounts), len(exp.Accounts)))
	}

	if dataEqual(exp.Data, act.Data) {
		earned += dataWeight
	} else {
		mismatches = append(mismatches, fmt.Sprintf("instruction %d: data payload differs", n))
	}
	return earned, total, mismatches
}

// resolveName maps a placeholder through the key map, passing concrete
// addresses through unchanged.
func resolveName(keyMap map[string]string, name string) string {
	if resolved, ok := keyMap[name]; ok {
		return resolved
	}
	return name
}

// dataEqual compares two base58 payloads by their decoded bytes, falling
// back to string comparison when either side does not decode.
func dataEqual(expected, actual string) bool {
	if expected == actual {
		return true
	}
	expBytes, expErr := base58.Decode(expected)
	actBytes, actErr := base58.Decode(actual)
	if expErr != nil || actErr != nil {
		return false
	}
	return bytes.Equal(expBytes, actBytes)
}
