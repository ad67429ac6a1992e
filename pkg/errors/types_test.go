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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	fberrors "github.com/tombee/flowbench/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *fberrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &fberrors.ValidationError{
				Field:      "depends_on",
				Message:    "step swap references unknown step quote",
				Suggestion: "Declare the dependency before the step that uses it",
			},
			wantMsg: "validation failed on depends_on: step swap references unknown step quote",
		},
		{
			name: "without field",
			err: &fberrors.ValidationError{
				Message: "plan has no steps",
			},
			wantMsg: "validation failed: plan has no steps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestStepErrors_Error(t *testing.T) {
	recoverable := &fberrors.RecoverableStepError{
		StepID:  "swap-1",
		Message: "rpc request failed",
		Cause:   errors.New("connection refused"),
	}
	if got := recoverable.Error(); !strings.Contains(got, "swap-1") || !strings.Contains(got, "connection refused") {
		t.Errorf("RecoverableStepError.Error() = %q, missing step id or cause", got)
	}

	permanent := &fberrors.NonRecoverableStepError{
		StepID: "deposit-2",
		Reason: "insufficient funds",
	}
	if got := permanent.Error(); !strings.Contains(got, "deposit-2") || !strings.Contains(got, "permanently") {
		t.Errorf("NonRecoverableStepError.Error() = %q, missing step id or permanence", got)
	}
}

func TestStepErrors_Classification(t *testing.T) {
	tests := []struct {
		name          string
		err           fberrors.ErrorClassifier
		wantType      string
		wantRetryable bool
	}{
		{
			name:          "recoverable step error",
			err:           &fberrors.RecoverableStepError{StepID: "s1", Message: "timeout"},
			wantType:      "step_recoverable",
			wantRetryable: true,
		},
		{
			name:          "non-recoverable step error",
			err:           &fberrors.NonRecoverableStepError{StepID: "s1", Reason: "invalid signature"},
			wantType:      "step_permanent",
			wantRetryable: false,
		},
		{
			name:          "environment fatal error",
			err:           &fberrors.EnvironmentFatalError{Stage: "startup", Message: "validator never became ready"},
			wantType:      "environment",
			wantRetryable: false,
		},
		{
			name:          "validation error",
			err:           &fberrors.ValidationError{Field: "steps", Message: "empty"},
			wantType:      "validation",
			wantRetryable: false,
		},
		{
			name:          "timeout error",
			err:           &fberrors.TimeoutError{Operation: "step", Duration: 30 * time.Second},
			wantType:      "timeout",
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.ErrorType(); got != tt.wantType {
				t.Errorf("ErrorType() = %q, want %q", got, tt.wantType)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.wantRetryable)
			}
		})
	}
}

func TestAgentError_Retryable(t *testing.T) {
	tests := []struct {
		name string
		code int
		want bool
	}{
		{name: "transport failure", code: 0, want: true},
		{name: "server error", code: 503, want: true},
		{name: "bad request", code: 400, want: false},
		{name: "unauthorized", code: 401, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &fberrors.AgentError{Agent: "deterministic", StatusCode: tt.code, Message: "boom"}
			if got := err.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() with code %d = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("socket closed")
	wrapped := fmt.Errorf("executing step: %w", &fberrors.RecoverableStepError{
		StepID:  "swap-1",
		Message: "send failed",
		Cause:   cause,
	})

	var stepErr *fberrors.RecoverableStepError
	if !errors.As(wrapped, &stepErr) {
		t.Fatal("errors.As failed to find RecoverableStepError in chain")
	}
	if stepErr.StepID != "swap-1" {
		t.Errorf("StepID = %q, want swap-1", stepErr.StepID)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is failed to find root cause through the chain")
	}
}

func TestIsFatal(t *testing.T) {
	fatal := fmt.Errorf("run aborted: %w", &fberrors.EnvironmentFatalError{
		Stage:   "step",
		Message: "validator process exited",
	})
	if !fberrors.IsFatal(fatal) {
		t.Error("IsFatal() = false for wrapped EnvironmentFatalError, want true")
	}

	scored := &fberrors.NonRecoverableStepError{StepID: "s1", Reason: "insufficient funds"}
	if fberrors.IsFatal(scored) {
		t.Error("IsFatal() = true for a scored step failure, want false")
	}
}

func TestIsRecoverable(t *testing.T) {
	if !fberrors.IsRecoverable(&fberrors.RecoverableStepError{StepID: "s1", Message: "timeout"}) {
		t.Error("IsRecoverable() = false for RecoverableStepError, want true")
	}
	if fberrors.IsRecoverable(&fberrors.ValidationError{Message: "bad plan"}) {
		t.Error("IsRecoverable() = true for ValidationError, want false")
	}
	if fberrors.IsRecoverable(errors.New("unclassified")) {
		t.Error("IsRecoverable() = true for unclassified error, want false")
	}
}
