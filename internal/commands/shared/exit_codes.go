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

package shared

import (
	"errors"
	"fmt"
	"os"

	flowerrors "github.com/tombee/flowbench/pkg/errors"
)

// Exit codes for the flowbench CLI
const (
	ExitSuccess          = 0
	ExitRunFailed        = 1
	ExitInvalidBenchmark = 2
	ExitConfigError      = 3
	ExitAgentError       = 4
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewRunFailedError creates an error for a benchmark run that finished
// below the passing verdict or did not finish at all
func NewRunFailedError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitRunFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewInvalidBenchmarkError creates an error for benchmark documents that
// fail to parse or validate
func NewInvalidBenchmarkError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidBenchmark,
		Message: msg,
		Cause:   cause,
	}
}

// NewConfigError creates an error for configuration problems
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitConfigError,
		Message: msg,
		Cause:   cause,
	}
}

// NewAgentError creates an error for agent transport or construction failures
func NewAgentError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitAgentError,
		Message: msg,
		Cause:   cause,
	}
}

// HandleExitError checks if an error is an ExitError and exits with the
// appropriate code
func HandleExitError(err error) {
	if err == nil {
		return
	}

	code := ExitRunFailed
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printSuggestion(err)
	os.Exit(code)
}

// printSuggestion surfaces actionable guidance carried by errors in the
// chain. Validation and agent errors are the two types that carry one.
func printSuggestion(err error) {
	var suggestion string

	var vErr *flowerrors.ValidationError
	var aErr *flowerrors.AgentError
	switch {
	case errors.As(err, &vErr):
		suggestion = vErr.Suggestion
	case errors.As(err, &aErr):
		suggestion = aErr.Suggestion
	}

	if suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", suggestion)
	}
}
