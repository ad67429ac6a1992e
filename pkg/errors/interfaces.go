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

package errors

// ErrorClassifier defines methods for programmatic error handling.
// The recovery engine and the flow controller dispatch on these instead of
// string-matching error text wherever a typed error is available.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "step_recoverable", "environment", "timeout"
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}

// IsFatal reports whether err (or anything it wraps) is an environment
// failure that must abort the run without a score.
func IsFatal(err error) bool {
	var fatal *EnvironmentFatalError
	return As(err, &fatal)
}

// IsRecoverable reports whether err (or anything it wraps) is classified
// retryable. Unclassified errors report false; the recovery engine falls
// back to message heuristics for those.
func IsRecoverable(err error) bool {
	var classifier ErrorClassifier
	if As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return false
}
