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

// Package client is a typed client for the flowbench execution API.
// CLI commands use it to query a remote server instead of the local run
// store, and it doubles as the reference consumer of the /v1 surface.
//
//	c, err := client.New("http://127.0.0.1:9700", client.WithToken(token))
//	if err != nil {
//	    return err
//	}
//	state, err := c.Submit(ctx, "001-sol-transfer", "")
package client
