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

package log

import (
	"log/slog"
	"time"
)

// RPCCall captures one sandbox RPC invocation for logging purposes.
type RPCCall struct {
	// Method is the JSON-RPC method name (e.g., "getLatestBlockhash",
	// "surfnet_setAccount").
	Method string

	// Endpoint is the RPC endpoint URL.
	Endpoint string

	// Privileged marks cheat-code calls, which must only run during setup.
	Privileged bool
}

// RPCCallResult captures the outcome of one sandbox RPC invocation.
type RPCCallResult struct {
	// Success indicates whether the call succeeded.
	Success bool

	// Error is the error message if the call failed.
	Error string

	// DurationMs is the duration of the call in milliseconds.
	DurationMs int64
}

// LogRPCCall logs an outbound sandbox RPC call at debug level.
func LogRPCCall(logger *slog.Logger, call *RPCCall) {
	attrs := []any{
		EventKey, "rpc_call",
		"method", call.Method,
		"endpoint", call.Endpoint,
	}
	if call.Privileged {
		attrs = append(attrs, "privileged", true)
	}
	logger.Debug("rpc call", attrs...)
}

// LogRPCResult logs the outcome of a sandbox RPC call.
// Failures log at warn level, successes at debug level.
func LogRPCResult(logger *slog.Logger, call *RPCCall, result *RPCCallResult) {
	attrs := []any{
		EventKey, "rpc_result",
		"method", call.Method,
		DurationKey, result.DurationMs,
		"success", result.Success,
	}
	if result.Error != "" {
		attrs = append(attrs, "error", result.Error)
	}

	if result.Success {
		logger.Debug("rpc result", attrs...)
	} else {
		logger.Warn("rpc result", attrs...)
	}
}

// TimeRPCCall logs the call, then returns a completion function that logs
// the result with its measured duration. Intended usage:
//
//	done := log.TimeRPCCall(logger, call)
//	err := doCall()
//	done(err)
func TimeRPCCall(logger *slog.Logger, call *RPCCall) func(error) {
	LogRPCCall(logger, call)
	start := time.Now()
	return func(err error) {
		result := &RPCCallResult{
			Success:    err == nil,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			result.Error = err.Error()
		}
		LogRPCResult(logger, call, result)
	}
}
