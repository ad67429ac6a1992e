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

/*
Package lifecycle owns the sandbox validator child process.

Each environment instance starts exactly one validator, polls it to
readiness under a bounded timeout, and guarantees termination on every
exit path. A validator left behind by a crashed run is detected through
its PID file and reaped before the next run starts.

# Validator ownership

	v := lifecycle.NewValidator(lifecycle.DefaultValidatorConfig(), logger)
	if err := v.Start(ctx, probe); err != nil {
	    // validator never became ready; it has already been stopped
	}
	defer v.Stop()

The readiness probe is supplied by the caller, typically the RPC
client's health call, so this package stays ignorant of the wire
protocol.

# PID files

PID files decide which process receives shutdown signals, so creation is
atomic (O_EXCL) and guarded by an exclusive flock. Before any signal is
sent the target's command line is checked against the validator binary
name; a stale file pointing at a reused PID must never kill an unrelated
process.
*/
package lifecycle
