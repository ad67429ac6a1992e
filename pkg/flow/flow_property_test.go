//go:build property
// +build property

// Package flow_test contains property-based tests for retry backoff, error
// classification, and plan serialization.
package flow_test

import (
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"gopkg.in/yaml.v3"

	"github.com/tombee/flowbench/pkg/flow"
)

// TestBackoffDelayClosedForm verifies the retry delay schedule.
// Property: BackoffDelay(n) == min(base * multiplier^n, max) for any config
func TestBackoffDelayClosedForm(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay follows the capped exponential schedule", prop.ForAll(
		func(base int64, multiplier float64, capMS int64, attempt int) bool {
			cfg := flow.DefaultRecoveryConfig()
			cfg.BaseRetryDelayMS = base
			cfg.BackoffMultiplier = multiplier
			cfg.MaxRetryDelayMS = capMS

			expected := float64(base) * math.Pow(multiplier, float64(attempt))
			if limit := float64(capMS); expected > limit {
				expected = limit
			}
			return cfg.BackoffDelay(attempt) == time.Duration(expected)*time.Millisecond
		},
		gen.Int64Range(1, 5000),
		gen.Float64Range(1.0, 4.0),
		gen.Int64Range(5000, 60000),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

// TestBackoffDelayMonotonic verifies later attempts never wait less.
// Property: BackoffDelay(n) <= BackoffDelay(n+1) <= max for any config
func TestBackoffDelayMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delay is non-decreasing and never exceeds the cap", prop.ForAll(
		func(base int64, multiplier float64, capMS int64, attempt int) bool {
			cfg := flow.DefaultRecoveryConfig()
			cfg.BaseRetryDelayMS = base
			cfg.BackoffMultiplier = multiplier
			cfg.MaxRetryDelayMS = capMS

			current := cfg.BackoffDelay(attempt)
			next := cfg.BackoffDelay(attempt + 1)
			limit := time.Duration(capMS) * time.Millisecond
			return current <= next && next <= limit
		},
		gen.Int64Range(1, 5000),
		gen.Float64Range(1.0, 4.0),
		gen.Int64Range(5000, 60000),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

// TestErrorClassificationStability verifies message classification is
// insensitive to case and surrounding text.
// Property: a permanent marker makes any message non-retryable; a message
// with no permanent marker is always retryable
func TestErrorClassificationStability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	permanent := []string{
		"insufficient funds",
		"invalid signature",
		"account not found",
		"invalid instruction",
		"custom program error",
		"permission denied",
		"authentication failed",
	}

	properties.Property("permanent markers are terminal in any casing or context", prop.ForAll(
		func(idx int, prefix, suffix string, upper bool) bool {
			msg := prefix + " " + permanent[idx] + " " + suffix
			if upper {
				msg = strings.ToUpper(msg)
			}
			return !flow.RetryableMessage(msg)
		},
		gen.IntRange(0, len(permanent)-1),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Bool(),
	))

	// Every permanent marker contains a space, so a single alphabetic token
	// can never trip one.
	properties.Property("messages without a permanent marker stay retryable", prop.ForAll(
		func(token string) bool {
			return flow.RetryableMessage("operation failed: " + token)
		},
		gen.AlphaString(),
	))

	properties.Property("classification is deterministic", prop.ForAll(
		func(msg string) bool {
			return flow.RetryableMessage(msg) == flow.RetryableMessage(msg)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestPlanYAMLRoundTrip verifies serialization preserves plan semantics.
// Property: ParseFlowPlan(Marshal(plan)) is equivalent to plan for any
// valid generated plan
func TestPlanYAMLRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	modes := []flow.AtomicMode{
		flow.AtomicModeStrict,
		flow.AtomicModeLenient,
		flow.AtomicModeConditional,
	}

	properties.Property("a valid plan survives a YAML round trip", prop.ForAll(
		func(flowID, prompt string, mode, stepCount, criticalMask, retryMask int) bool {
			plan := flow.NewFlowPlan("flow-"+flowID, "Execute "+prompt, flow.NewWalletContext("")).
				WithAtomicMode(modes[mode])
			for i := 0; i < stepCount; i++ {
				step := flow.NewStep(
					fmt.Sprintf("step-%d", i),
					fmt.Sprintf("Perform operation %d", i),
					"",
				).
					WithCritical(criticalMask&(1<<i) != 0).
					WithTimeout(30 + i)
				if retryMask&(1<<i) != 0 {
					step = step.WithRecovery(flow.Retry(1 + i%5))
				}
				if i > 0 && i%2 == 1 {
					step = step.WithDependsOn(fmt.Sprintf("step-%d", i-1))
				}
				plan = plan.WithStep(step)
			}

			data, err := yaml.Marshal(plan)
			if err != nil {
				return false
			}
			parsed, err := flow.ParseFlowPlan(data)
			if err != nil {
				return false
			}

			if parsed.FlowID != plan.FlowID ||
				parsed.UserPrompt != plan.UserPrompt ||
				parsed.AtomicMode != plan.AtomicMode ||
				len(parsed.Steps) != len(plan.Steps) {
				return false
			}
			for i, want := range plan.Steps {
				got := parsed.Steps[i]
				if got.ID != want.ID ||
					got.PromptTemplate != want.PromptTemplate ||
					got.Critical != want.Critical ||
					got.Timeout != want.Timeout ||
					got.EstimatedTime != want.EstimatedTime ||
					len(got.DependsOn) != len(want.DependsOn) {
					return false
				}
				for j, dep := range want.DependsOn {
					if got.DependsOn[j] != dep {
						return false
					}
				}
				if (got.Recovery == nil) != (want.Recovery == nil) {
					return false
				}
				if want.Recovery != nil {
					if got.Recovery.Type != want.Recovery.Type ||
						got.Recovery.MaxAttempts != want.Recovery.MaxAttempts {
						return false
					}
				}
			}
			return true
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.IntRange(0, 2),
		gen.IntRange(1, 6),
		gen.IntRange(0, 63),
		gen.IntRange(0, 63),
	))

	properties.TestingRun(t)
}
