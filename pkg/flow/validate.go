package flow

import (
	"encoding/json"
	"fmt"

	"github.com/tombee/flowbench/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseFlowPlan parses a flow plan from YAML bytes, applies defaults, and
// validates it. Plans that fail validation are never executed.
func ParseFlowPlan(data []byte) (*FlowPlan, error) {
	var plan FlowPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse flow plan: %w", err)
	}

	plan.ApplyDefaults()

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow plan: %w", err)
	}

	return &plan, nil
}

// ParseFlowPlanJSON parses a flow plan from JSON bytes with the same
// defaults and validation as ParseFlowPlan.
func ParseFlowPlanJSON(data []byte) (*FlowPlan, error) {
	var plan FlowPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse flow plan: %w", err)
	}

	plan.ApplyDefaults()

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow plan: %w", err)
	}

	return &plan, nil
}

// ToYAML serializes the plan to its external input format. Parsing the
// output with ParseFlowPlan yields an equivalent plan.
func (p *FlowPlan) ToYAML() ([]byte, error) {
	return yaml.Marshal(p)
}

// ToJSON serializes the plan to JSON.
func (p *FlowPlan) ToJSON() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// ApplyDefaults fills fields the document may omit.
func (p *FlowPlan) ApplyDefaults() {
	if p.AtomicMode == "" {
		p.AtomicMode = AtomicModeStrict
	}
	if p.Metadata.Version == "" {
		p.Metadata.Version = "1.0"
	}
	if p.Metadata.Category == "" {
		p.Metadata.Category = "general"
	}
	for i := range p.Steps {
		if p.Steps[i].EstimatedTime == 0 {
			p.Steps[i].EstimatedTime = DefaultStepTime
		}
	}
}

// Validate checks the plan's structural invariants: non-empty step list,
// unique step ids, dependencies that reference known earlier steps, and an
// acyclic dependency graph. Execution order is the plan order; backward-only
// dependencies make that a valid topological order.
func (p *FlowPlan) Validate() error {
	if p.FlowID == "" {
		return &errors.ValidationError{
			Field:      "flow_id",
			Message:    "flow id is required",
			Suggestion: "add a unique flow_id to the plan",
		}
	}

	if p.UserPrompt == "" {
		return &errors.ValidationError{
			Field:      "user_prompt",
			Message:    "user prompt is required",
			Suggestion: "add the originating request as user_prompt",
		}
	}

	if !ValidAtomicModes[p.AtomicMode] {
		return &errors.ValidationError{
			Field:      "atomic_mode",
			Message:    fmt.Sprintf("invalid atomic mode: %q", p.AtomicMode),
			Suggestion: "use one of: strict, lenient, conditional",
		}
	}

	if len(p.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "flow must have at least one step",
			Suggestion: "add at least one step to the plan",
		}
	}

	// Step ids must be unique; each step must be well formed.
	index := make(map[string]int, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			return &errors.ValidationError{
				Field:      "step_id",
				Message:    fmt.Sprintf("step %d has no id", i),
				Suggestion: "add a step_id to every step",
			}
		}
		if _, dup := index[step.ID]; dup {
			return &errors.ValidationError{
				Field:      "step_id",
				Message:    fmt.Sprintf("duplicate step id: %s", step.ID),
				Suggestion: "ensure each step has a unique step_id",
			}
		}
		index[step.ID] = i

		if step.PromptTemplate == "" {
			return &errors.ValidationError{
				Field:      "prompt_template",
				Message:    fmt.Sprintf("step %s has no prompt template", step.ID),
				Suggestion: "add a prompt_template describing the step's operation",
			}
		}
		if step.Timeout < 0 {
			return &errors.ValidationError{
				Field:      "timeout",
				Message:    fmt.Sprintf("step %s has negative timeout", step.ID),
				Suggestion: "use a positive timeout in seconds, or omit for the default",
			}
		}
		if step.Recovery != nil {
			if err := step.Recovery.Validate(); err != nil {
				return &errors.ValidationError{
					Field:      "recovery_strategy",
					Message:    fmt.Sprintf("step %s: %s", step.ID, err.Error()),
					Suggestion: "fix the recovery strategy declaration",
				}
			}
		}
	}

	// Dependencies must reference known steps.
	for i := range p.Steps {
		step := &p.Steps[i]
		for _, dep := range step.DependsOn {
			if _, ok := index[dep]; !ok {
				return &errors.ValidationError{
					Field:      "depends_on",
					Message:    fmt.Sprintf("step %s depends on unknown step: %s", step.ID, dep),
					Suggestion: "reference an existing step_id",
				}
			}
		}
	}

	// The dependency graph must be acyclic. Checked before the ordering rule
	// so a mutual dependency reports as a cycle, not a forward reference.
	if cycle := findDependencyCycle(p.Steps); len(cycle) > 0 {
		return &errors.ValidationError{
			Field:      "depends_on",
			Message:    fmt.Sprintf("dependency cycle: %s", joinCycle(cycle)),
			Suggestion: "remove the circular dependency between these steps",
		}
	}

	// Dependencies may only point backward: each transaction must observe
	// the chain state left by the steps before it.
	for i := range p.Steps {
		step := &p.Steps[i]
		for _, dep := range step.DependsOn {
			if index[dep] >= i {
				return &errors.ValidationError{
					Field:      "depends_on",
					Message:    fmt.Sprintf("step %s depends on later step: %s", step.ID, dep),
					Suggestion: "dependencies must reference earlier steps; reorder the plan",
				}
			}
		}
	}

	return nil
}

// findDependencyCycle runs a depth-first traversal over the dependency
// graph with a recursion-stack set. It returns the step ids forming the
// first cycle found, or nil when the graph is acyclic.
func findDependencyCycle(steps []Step) []string {
	deps := make(map[string][]string, len(steps))
	for i := range steps {
		deps[steps[i].ID] = steps[i].DependsOn
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))

	var cycle []string
	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		state[id] = inStack
		path = append(path, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case inStack:
				// Close the loop for the error message.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			case unvisited:
				if visit(dep, path) {
					return true
				}
			}
		}
		state[id] = done
		return false
	}

	for i := range steps {
		if state[steps[i].ID] == unvisited {
			if visit(steps[i].ID, nil) {
				return cycle
			}
		}
	}
	return nil
}

func joinCycle(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}
