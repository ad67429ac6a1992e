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
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name for keyring entries.
const keyringService = "flowbench"

// KeyringBackend stores secrets in the OS keyring: Keychain on macOS,
// Secret Service on Linux, Credential Manager on Windows.
type KeyringBackend struct {
	available bool
}

// NewKeyringBackend probes the keyring service and marks the backend
// unavailable when it cannot be reached (headless hosts, locked
// keychains).
func NewKeyringBackend() *KeyringBackend {
	b := &KeyringBackend{available: true}

	_, err := keyring.Get(keyringService, "__flowbench_probe__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		b.available = false
	}

	return b
}

func (k *KeyringBackend) Name() string { return "keyring" }

func (k *KeyringBackend) Get(_ context.Context, key string) (string, error) {
	if !k.available {
		return "", fmt.Errorf("%w: keyring service unreachable", ErrUnavailable)
	}

	value, err := keyring.Get(keyringService, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if lockedKeyring(err) {
			return "", fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
		}
		return "", fmt.Errorf("keyring error: %w", err)
	}
	return value, nil
}

func (k *KeyringBackend) Set(_ context.Context, key, value string) error {
	if !k.available {
		return fmt.Errorf("%w: keyring service unreachable", ErrUnavailable)
	}

	if err := keyring.Set(keyringService, key, value); err != nil {
		if lockedKeyring(err) {
			return fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
		}
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}

func (k *KeyringBackend) Delete(_ context.Context, key string) error {
	if !k.available {
		return fmt.Errorf("%w: keyring service unreachable", ErrUnavailable)
	}

	if err := keyring.Delete(keyringService, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("keyring error: %w", err)
	}
	return nil
}

func (k *KeyringBackend) Available() bool { return k.available }

func (k *KeyringBackend) Priority() int { return KeyringPriority }

// lockedKeyring matches error texts that indicate a locked or
// unreachable keyring rather than a missing entry.
func lockedKeyring(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"locked", "denied", "no such interface", "cannot autolaunch", "connection refused"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
