package agent

import (
	"context"
	"fmt"
	"sync"
)

// Deterministic replays a scripted instruction set, one batch per step,
// resolving placeholder pubkeys through the observation's key map. It is
// the reference agent for harness self-tests: against its own benchmark
// it must score 1.0, which makes any lower score a harness defect.
type Deterministic struct {
	mu    sync.Mutex
	steps [][]RawInstruction
	next  int
}

// NewDeterministic creates a replay agent from per-step instruction
// batches in execution order.
func NewDeterministic(steps [][]RawInstruction) *Deterministic {
	return &Deterministic{steps: steps}
}

// GetAction returns the next scripted batch with placeholders resolved.
// Calls beyond the scripted steps fail: the plan asked for more steps
// than the script covers, which is a benchmark defect.
func (d *Deterministic) GetAction(ctx context.Context, req Request) ([]RawInstruction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.next >= len(d.steps) {
		return nil, fmt.Errorf("no scripted instructions for step %d: script has %d steps", d.next+1, len(d.steps))
	}
	batch := d.steps[d.next]
	d.next++

	var keyMap map[string]string
	if req.Observation != nil {
		keyMap = req.Observation.KeyMap
	}
	return ResolveInstructions(batch, keyMap), nil
}

// Name implements Agent.
func (d *Deterministic) Name() string {
	return "deterministic"
}

// ResolveInstructions substitutes placeholder pubkeys in a batch
// through the key map. Shared with the reference agent service, which
// replays ground-truth instructions the same way.
func ResolveInstructions(batch []RawInstruction, keyMap map[string]string) []RawInstruction {
	resolved := make([]RawInstruction, len(batch))
	for i, ins := range batch {
		resolved[i] = resolveInstruction(ins, keyMap)
	}
	return resolved
}

// resolveInstruction substitutes placeholder pubkeys with their mapped
// addresses. Unmapped values pass through untouched; the environment
// rejects anything that still fails to parse as an address.
func resolveInstruction(ins RawInstruction, keyMap map[string]string) RawInstruction {
	out := RawInstruction{
		ProgramID: resolveKey(ins.ProgramID, keyMap),
		Data:      ins.Data,
		Accounts:  make([]RawAccountMeta, len(ins.Accounts)),
	}
	for i, acc := range ins.Accounts {
		out.Accounts[i] = RawAccountMeta{
			Pubkey:     resolveKey(acc.Pubkey, keyMap),
			IsSigner:   acc.IsSigner,
			IsWritable: acc.IsWritable,
		}
	}
	return out
}

func resolveKey(key string, keyMap map[string]string) string {
	if mapped, ok := keyMap[key]; ok {
		return mapped
	}
	return key
}
