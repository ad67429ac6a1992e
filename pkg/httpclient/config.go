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

package httpclient

import (
	"fmt"
	"time"
)

// DefaultUserAgent identifies flowbench clients that set no explicit agent.
const DefaultUserAgent = "flowbench-client/1.0"

// Config configures the transport stack of a client.
type Config struct {
	// Timeout bounds one request including all retries. Must be > 0.
	Timeout time.Duration

	// RetryAttempts is how many times a failed request is retried.
	// Zero disables retries.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry. Doubles per
	// attempt. Must be > 0 when retries are enabled.
	RetryBackoff time.Duration

	// MaxBackoff caps the per-retry delay. Must be >= RetryBackoff.
	MaxBackoff time.Duration

	// UserAgent is sent on requests that carry no User-Agent of their
	// own. Required.
	UserAgent string

	// AllowNonIdempotentRetry retries POST, PUT, PATCH, and DELETE in
	// addition to the safe methods. Enable only when a replayed request
	// cannot apply twice, as with signed transactions submitted to the
	// validator.
	AllowNonIdempotentRetry bool
}

// DefaultConfig returns the settings shared by flowbench clients.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		UserAgent:     DefaultUserAgent,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retries are enabled, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}
