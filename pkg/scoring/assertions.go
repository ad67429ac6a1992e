package scoring

import (
	"fmt"
	"strconv"

	"github.com/tombee/flowbench/pkg/agent"
	"github.com/tombee/flowbench/pkg/benchmark"
)

// EvaluateAssertions checks every final-state assertion against the
// observations and reports whether all hold, with a detail line per
// failure. No assertions hold trivially. Evaluation is total: an account
// the final observation is missing fails its assertion rather than
// erroring, because scoring must always produce a result.
func EvaluateAssertions(assertions []benchmark.StateAssertion, initial, final *agent.Observation) (bool, []string) {
	var failures []string
	for _, assertion := range assertions {
		if ok, detail := evalAssertion(assertion, initial, final); !ok {
			failures = append(failures, detail)
		}
	}
	return len(failures) == 0, failures
}

func evalAssertion(a benchmark.StateAssertion, initial, final *agent.Observation) (bool, string) {
	state, ok := lookupState(final, a.Pubkey)
	if !ok {
		return false, fmt.Sprintf("%s: account %s not present in final state", a.Type, a.Pubkey)
	}

	switch a.Type {
	case benchmark.AssertSolBalance:
		if a.Expected == nil {
			return false, fmt.Sprintf("%s: %s has no expected value", a.Type, a.Pubkey)
		}
		if state.Lamports != *a.Expected {
			return false, fmt.Sprintf("%s: %s has %d lamports, want %d", a.Type, a.Pubkey, state.Lamports, *a.Expected)
		}
		return true, ""

	case benchmark.AssertSolBalanceChange:
		if a.ExpectedChangeGte == nil {
			return false, fmt.Sprintf("%s: %s has no expected change", a.Type, a.Pubkey)
		}
		var before uint64
		if initialState, ok := lookupState(initial, a.Pubkey); ok {
			before = initialState.Lamports
		}
		change := int64(state.Lamports) - int64(before)
		if change < *a.ExpectedChangeGte {
			return false, fmt.Sprintf("%s: %s changed by %d lamports, want at least %d", a.Type, a.Pubkey, change, *a.ExpectedChangeGte)
		}
		return true, ""

	case benchmark.AssertTokenAccountBalance:
		if state.Token == nil {
			return false, fmt.Sprintf("%s: %s is not a token account", a.Type, a.Pubkey)
		}
		amount, err := strconv.ParseUint(state.Token.Amount, 10, 64)
		if err != nil {
			return false, fmt.Sprintf("%s: %s has unreadable amount %q", a.Type, a.Pubkey, state.Token.Amount)
		}
		if a.Expected != nil && amount != *a.Expected {
			return false, fmt.Sprintf("%s: %s holds %d, want %d", a.Type, a.Pubkey, amount, *a.Expected)
		}
		if a.ExpectedGte != nil && amount < *a.ExpectedGte {
			return false, fmt.Sprintf("%s: %s holds %d, want at least %d", a.Type, a.Pubkey, amount, *a.ExpectedGte)
		}
		return true, ""
	}
	return false, fmt.Sprintf("unhandled assertion type %s", a.Type)
}

func lookupState(obs *agent.Observation, name string) (agent.AccountState, bool) {
	if obs == nil {
		return agent.AccountState{}, false
	}
	state, ok := obs.AccountStates[name]
	return state, ok
}
