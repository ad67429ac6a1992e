// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prompt collects interactive decisions from the operator: the
// user-fulfillment prompter the recovery engine consults for failed steps,
// and yes/no confirmations for destructive commands. Prompts are gated on
// a real terminal; non-interactive environments get errors, never hangs.
package prompt

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"golang.org/x/term"

	"github.com/tombee/flowbench/pkg/flow"
)

// Interactive reports whether stdin and stdout are attached to a terminal.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Prompter asks the operator how to proceed with a failed step. It
// implements the flow controller's UserPrompter contract using survey.
type Prompter struct {
	interactive bool
}

// New creates a prompter. Pass Interactive() unless a test or flag forces
// the mode.
func New(interactive bool) *Prompter {
	return &Prompter{interactive: interactive}
}

// IsInteractive returns whether prompts can be displayed.
func (p *Prompter) IsInteractive() bool {
	return p.interactive
}

// decisions in presentation order.
var decisionOptions = []string{
	string(flow.DecisionRetry),
	string(flow.DecisionSkip),
	string(flow.DecisionAbort),
}

// Ask surfaces the step's declared questions and collects a decision. It
// honors ctx: an expired context aborts the prompt and the answer is
// discarded.
func (p *Prompter) Ask(ctx context.Context, step *flow.Step, questions []string) (flow.UserDecision, error) {
	if !p.interactive {
		return flow.DecisionAbort, fmt.Errorf("cannot prompt in non-interactive mode")
	}

	msg := fmt.Sprintf("Step %q needs a decision", step.ID)
	if len(questions) > 0 {
		msg += ":\n  " + strings.Join(questions, "\n  ") + "\n"
	}

	type answer struct {
		choice string
		err    error
	}
	done := make(chan answer, 1)

	go func() {
		var choice string
		sel := &survey.Select{
			Message: msg,
			Options: decisionOptions,
			Default: string(flow.DecisionRetry),
		}
		err := survey.AskOne(sel, &choice)
		done <- answer{choice: choice, err: err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			return flow.DecisionAbort, fmt.Errorf("failed to read decision: %w", a.err)
		}
		return flow.UserDecision(a.choice), nil
	case <-ctx.Done():
		return flow.DecisionAbort, ctx.Err()
	}
}

// Confirm asks a yes/no question. Non-interactive mode returns the
// default without prompting, so scripted invocations keep working.
func (p *Prompter) Confirm(message string, def bool) (bool, error) {
	if !p.interactive {
		return def, nil
	}

	var result bool
	q := &survey.Confirm{
		Message: message,
		Default: def,
	}
	if err := survey.AskOne(q, &result); err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return result, nil
}
