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

// Package httpclient builds the HTTP clients flowbench uses to talk to
// agent endpoints, the execution API, and the sandbox validator RPC.
//
// Every client composes the same transport stack:
//   - retries with exponential backoff and jitter, honoring Retry-After
//   - request bodies replayed through GetBody so POST retries are safe
//   - request logging with sensitive URL parts redacted
//   - User-Agent injection
//   - TLS 1.2 minimum and pooled connections
//
// Non-idempotent methods are not retried unless the config opts in.
// The validator RPC client opts in: a signed transaction submitted twice
// lands once, keyed by its signature.
//
//	client, err := httpclient.New(httpclient.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Get(healthURL)
package httpclient
