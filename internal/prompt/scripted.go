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

package prompt

import (
	"context"
	"sync"

	"github.com/tombee/flowbench/pkg/flow"
)

// Scripted answers prompts from a queue of pre-recorded decisions. Tests
// and unattended runs use it in place of the interactive prompter; an
// exhausted queue aborts.
type Scripted struct {
	mu        sync.Mutex
	decisions []flow.UserDecision
	asked     []string
}

// NewScripted queues the given decisions in order.
func NewScripted(decisions ...flow.UserDecision) *Scripted {
	return &Scripted{decisions: decisions}
}

// Ask pops the next scripted decision.
func (s *Scripted) Ask(_ context.Context, step *flow.Step, _ []string) (flow.UserDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.asked = append(s.asked, step.ID)
	if len(s.decisions) == 0 {
		return flow.DecisionAbort, nil
	}

	next := s.decisions[0]
	s.decisions = s.decisions[1:]
	return next, nil
}

// Asked returns the step ids prompted for, in order.
func (s *Scripted) Asked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.asked...)
}
