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

// Package errors defines the error taxonomy shared by the flow controller,
// the recovery engine, and the execution environment.
//
// The class of an error decides how it propagates: validation errors block a
// run before any step executes, recoverable step errors are handed to the
// recovery engine, non-recoverable step errors fail the step immediately, and
// environment errors abort the entire run without a score.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents a malformed flow plan or benchmark document.
// Raised before any execution; never recovered.
type ValidationError struct {
	// Field identifies which part of the plan failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the plan
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier. Validation failures are permanent.
func (e *ValidationError) IsRetryable() bool { return false }

// RecoverableStepError represents a transient step failure, such as an RPC
// hiccup, a rate limit, or a stale blockhash. Eligible for the recovery
// engine.
type RecoverableStepError struct {
	// StepID identifies the failing step
	StepID string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *RecoverableStepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("step %s failed (recoverable): %s: %v", e.StepID, e.Message, e.Cause)
	}
	return fmt.Sprintf("step %s failed (recoverable): %s", e.StepID, e.Message)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *RecoverableStepError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *RecoverableStepError) ErrorType() string { return "step_recoverable" }

// IsRetryable implements ErrorClassifier.
func (e *RecoverableStepError) IsRetryable() bool { return true }

// NonRecoverableStepError represents a confirmed permanent step failure such
// as insufficient funds or an invalid instruction. Retrying cannot help; the
// recovery engine skips straight to alternative strategies, if any.
type NonRecoverableStepError struct {
	// StepID identifies the failing step
	StepID string

	// Reason describes why the failure is permanent
	Reason string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *NonRecoverableStepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("step %s failed permanently: %s: %v", e.StepID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("step %s failed permanently: %s", e.StepID, e.Reason)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *NonRecoverableStepError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *NonRecoverableStepError) ErrorType() string { return "step_permanent" }

// IsRetryable implements ErrorClassifier.
func (e *NonRecoverableStepError) IsRetryable() bool { return false }

// EnvironmentFatalError represents a broken sandbox: the validator process
// crashed, or its RPC endpoint never became reachable. The run aborts without
// a partial score. A crashed run is reported distinctly from a scored zero.
type EnvironmentFatalError struct {
	// Stage identifies where the environment failed (e.g. "startup", "reset", "step")
	Stage string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *EnvironmentFatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("environment failure during %s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("environment failure during %s: %s", e.Stage, e.Message)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *EnvironmentFatalError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *EnvironmentFatalError) ErrorType() string { return "environment" }

// IsRetryable implements ErrorClassifier. The run is over.
func (e *EnvironmentFatalError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "benchmark", "capability", "run")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// AgentError represents a failure calling the agent under evaluation.
type AgentError struct {
	// Agent identifies which agent endpoint failed
	Agent string

	// StatusCode is the HTTP status code, when the transport is HTTP
	StatusCode int

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance, if available
	Suggestion string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	msg := fmt.Sprintf("agent %s error", e.Agent)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	msg += ": " + e.Message
	return msg
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *AgentError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *AgentError) ErrorType() string { return "agent" }

// IsRetryable implements ErrorClassifier. Transport failures and agent 5xx
// are worth another attempt; 4xx are not.
func (e *AgentError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// ConfigError represents configuration-related failures.
type ConfigError struct {
	// Key is the configuration key that caused the error
	Key string

	// Reason describes what is wrong with the configuration
	Reason string

	// Cause is the underlying error, if any
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config error at %s: %s: %v", e.Key, e.Reason, e.Cause)
	}
	return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *ConfigError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents an operation that exceeded its time limit.
type TimeoutError struct {
	// Operation describes what timed out (e.g. "step", "recovery", "readiness")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (typically context.DeadlineExceeded)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier. The step may pass with more time;
// the recovery budget decides whether it gets any.
func (e *TimeoutError) IsRetryable() bool { return true }
