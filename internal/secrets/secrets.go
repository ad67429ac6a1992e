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

// Package secrets stores agent credentials: LLM API keys, agent endpoint
// tokens and the server's JWT signing key. Backends are queried in
// priority order, environment first, so deployment-injected values always
// win over locally stored ones.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNotFound is returned when a key does not exist in any backend.
	ErrNotFound = errors.New("secret not found")

	// ErrUnavailable is returned when a backend cannot be used in the
	// current environment.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrReadOnly is returned when writing to a read-only backend.
	ErrReadOnly = errors.New("backend is read-only")
)

// Standard backend priorities (higher = checked first).
const (
	EnvPriority     = 100
	KeyringPriority = 50
	FilePriority    = 25
)

// Backend provides storage for sensitive values.
type Backend interface {
	// Name returns the backend identifier (e.g. "env", "keyring", "file").
	Name() string

	// Get retrieves a secret by key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a secret. Returns ErrReadOnly if unsupported.
	Set(ctx context.Context, key, value string) error

	// Delete removes a secret. Returns ErrNotFound if absent and
	// ErrReadOnly if unsupported.
	Delete(ctx context.Context, key string) error

	// Available reports whether the backend is usable right now.
	Available() bool

	// Priority orders resolution (higher = checked first).
	Priority() int
}

// Resolver queries backends in priority order.
type Resolver struct {
	backends []Backend
}

// NewResolver keeps the available backends, sorted by descending
// priority.
func NewResolver(backends ...Backend) *Resolver {
	available := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Available() {
			available = append(available, b)
		}
	}

	sort.Slice(available, func(i, j int) bool {
		return available[i].Priority() > available[j].Priority()
	})

	return &Resolver{backends: available}
}

// DefaultResolver wires the standard backend chain: environment,
// system keyring, encrypted file.
func DefaultResolver() *Resolver {
	file, err := NewFileBackend("", "")
	if err != nil {
		return NewResolver(NewEnvBackend(), NewKeyringBackend())
	}
	return NewResolver(NewEnvBackend(), NewKeyringBackend(), file)
}

// Get returns the first backend's value for key. A backend failure other
// than not-found is reported; plain misses fall through.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	if len(r.backends) == 0 {
		return "", fmt.Errorf("%w: no available backends", ErrUnavailable)
	}

	var lastErr error
	for _, backend := range r.backends {
		value, err := backend.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("failed to get secret %q: %w", key, lastErr)
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, key)
}

// Set stores the secret in the highest-priority writable backend.
func (r *Resolver) Set(ctx context.Context, key, value string) error {
	for _, backend := range r.backends {
		err := backend.Set(ctx, key, value)
		if errors.Is(err, ErrReadOnly) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to set secret in %s: %w", backend.Name(), err)
		}
		return nil
	}
	return fmt.Errorf("%w: no writable backend", ErrUnavailable)
}

// Delete removes the secret from every backend holding it.
func (r *Resolver) Delete(ctx context.Context, key string) error {
	deleted := false
	for _, backend := range r.backends {
		err := backend.Delete(ctx, key)
		if err == nil {
			deleted = true
			continue
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrReadOnly) {
			continue
		}
		return fmt.Errorf("failed to delete secret from %s: %w", backend.Name(), err)
	}
	if !deleted {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return nil
}

// Backends returns the active chain in resolution order.
func (r *Resolver) Backends() []Backend {
	return append([]Backend(nil), r.backends...)
}
