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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envPrefix namespaces secret environment variables.
const envPrefix = "FLOWBENCH_SECRET_"

// EnvBackend resolves secrets from the process environment. A key like
// "openai_api_key" maps to FLOWBENCH_SECRET_OPENAI_API_KEY. The backend
// is read-only.
type EnvBackend struct{}

// NewEnvBackend creates the environment backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

func (e *EnvBackend) Name() string { return "env" }

func (e *EnvBackend) Get(_ context.Context, key string) (string, error) {
	if value := os.Getenv(envKey(key)); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (e *EnvBackend) Set(context.Context, string, string) error {
	return ErrReadOnly
}

func (e *EnvBackend) Delete(context.Context, string) error {
	return ErrReadOnly
}

func (e *EnvBackend) Available() bool { return true }

func (e *EnvBackend) Priority() int { return EnvPriority }

// envKey normalizes a secret key to its environment variable name:
// "providers/openai/api-key" becomes FLOWBENCH_SECRET_PROVIDERS_OPENAI_API_KEY.
func envKey(key string) string {
	normalized := strings.ToUpper(key)
	normalized = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(normalized)
	return envPrefix + normalized
}
