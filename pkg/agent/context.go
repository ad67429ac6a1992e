package agent

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// placeholderPattern matches parenthesized placeholder names in a step
// prompt, e.g. "transfer 0.1 SOL from (USER_WALLET_PUBKEY) to
// (RECIPIENT_WALLET_PUBKEY)".
var placeholderPattern = regexp.MustCompile(`\(([A-Z_0-9]+)\)`)

// ExtractPlaceholders returns the placeholder names mentioned in a
// prompt, in first-appearance order without duplicates.
func ExtractPlaceholders(prompt string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(prompt, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}

// minimalAccountState is the trimmed per-account view sent to remote
// agents. Full account data stays harness-side; the agent only needs
// balances and token holdings to reason about the request.
type minimalAccountState struct {
	Lamports uint64      `yaml:"lamports"`
	Token    *TokenState `yaml:"token,omitempty"`
}

type contextDocument struct {
	AccountStates map[string]minimalAccountState `yaml:"account_states"`
	KeyMap        map[string]string              `yaml:"key_map"`
}

// BuildContext renders the on-chain context block sent alongside a step
// prompt. Only accounts the prompt mentions are included, keeping the
// agent's context focused on the step at hand.
func BuildContext(prompt string, obs *Observation) (string, error) {
	doc := contextDocument{
		AccountStates: make(map[string]minimalAccountState),
		KeyMap:        make(map[string]string),
	}

	if obs != nil {
		names := ExtractPlaceholders(prompt)
		if len(names) == 0 {
			// A prompt with no placeholders still benefits from the key
			// map: the agent cannot invent addresses on its own.
			for name := range obs.KeyMap {
				names = append(names, name)
			}
			sort.Strings(names)
		}
		for _, name := range names {
			if pubkey, ok := obs.KeyMap[name]; ok {
				doc.KeyMap[name] = pubkey
			}
			if state, ok := obs.AccountStates[name]; ok {
				doc.AccountStates[name] = minimalAccountState{
					Lamports: state.Lamports,
					Token:    state.Token,
				}
			}
		}
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to serialize agent context: %w", err)
	}
	return fmt.Sprintf("---\n\nCURRENT ON-CHAIN CONTEXT:\n%s\n---", body), nil
}
