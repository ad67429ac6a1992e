package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseInstructions decodes an agent's response payload into raw
// instructions. Agents return the instruction set in several shapes: a
// JSON array, a single object, a JSON-encoded string wrapping either,
// or any of those inside a markdown code fence. All are accepted; an
// empty or unrecognizable payload is an error.
func ParseInstructions(data []byte) ([]RawInstruction, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("agent returned an empty response")
	}

	// A JSON string wraps the real payload one level down.
	if strings.HasPrefix(text, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err == nil {
			return ParseInstructions([]byte(inner))
		}
	}

	text = stripCodeFence(text)

	if strings.HasPrefix(text, "[") {
		var instructions []RawInstruction
		if err := json.Unmarshal([]byte(text), &instructions); err != nil {
			return nil, fmt.Errorf("failed to decode instruction array: %w", err)
		}
		return instructions, nil
	}

	var single RawInstruction
	if err := json.Unmarshal([]byte(text), &single); err != nil {
		return nil, fmt.Errorf("failed to decode instruction: %w", err)
	}
	if single.ProgramID == "" {
		return nil, fmt.Errorf("agent response carries no program_id")
	}
	return []RawInstruction{single}, nil
}

// stripCodeFence removes a surrounding markdown code fence, with or
// without a language tag.
func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
