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
	"testing"
)

// fakeBackend is a test implementation of Backend.
type fakeBackend struct {
	name      string
	priority  int
	available bool
	readOnly  bool
	failGet   error
	secrets   map[string]string
}

func newFakeBackend(name string, priority int) *fakeBackend {
	return &fakeBackend{
		name:      name,
		priority:  priority,
		available: true,
		secrets:   make(map[string]string),
	}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Get(_ context.Context, key string) (string, error) {
	if f.failGet != nil {
		return "", f.failGet
	}
	if value, ok := f.secrets[key]; ok {
		return value, nil
	}
	return "", ErrNotFound
}

func (f *fakeBackend) Set(_ context.Context, key, value string) error {
	if f.readOnly {
		return ErrReadOnly
	}
	f.secrets[key] = value
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, key string) error {
	if f.readOnly {
		return ErrReadOnly
	}
	if _, ok := f.secrets[key]; !ok {
		return ErrNotFound
	}
	delete(f.secrets, key)
	return nil
}

func (f *fakeBackend) Available() bool { return f.available }

func (f *fakeBackend) Priority() int { return f.priority }

func TestResolverGetPriorityOrder(t *testing.T) {
	ctx := context.Background()

	low := newFakeBackend("low", 10)
	low.secrets["api-key"] = "from-low"
	high := newFakeBackend("high", 100)
	high.secrets["api-key"] = "from-high"

	// Registration order must not matter.
	resolver := NewResolver(low, high)

	value, err := resolver.Get(ctx, "api-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "from-high" {
		t.Errorf("Get() = %q, want %q", value, "from-high")
	}
}

func TestResolverGetFallsThrough(t *testing.T) {
	ctx := context.Background()

	high := newFakeBackend("high", 100)
	low := newFakeBackend("low", 10)
	low.secrets["api-key"] = "from-low"

	resolver := NewResolver(high, low)

	value, err := resolver.Get(ctx, "api-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "from-low" {
		t.Errorf("Get() = %q, want %q", value, "from-low")
	}
}

func TestResolverGetNotFound(t *testing.T) {
	resolver := NewResolver(newFakeBackend("a", 10), newFakeBackend("b", 20))

	_, err := resolver.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestResolverGetReportsBackendFailure(t *testing.T) {
	broken := newFakeBackend("broken", 100)
	broken.failGet = errors.New("keyring locked")

	resolver := NewResolver(broken)

	_, err := resolver.Get(context.Background(), "api-key")
	if err == nil {
		t.Fatal("Get() error = nil, want backend failure")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want non-NotFound failure", err)
	}
}

func TestResolverSkipsUnavailableBackends(t *testing.T) {
	offline := newFakeBackend("offline", 100)
	offline.available = false
	offline.secrets["api-key"] = "stale"
	online := newFakeBackend("online", 10)
	online.secrets["api-key"] = "fresh"

	resolver := NewResolver(offline, online)

	if got := len(resolver.Backends()); got != 1 {
		t.Fatalf("Backends() length = %d, want 1", got)
	}

	value, err := resolver.Get(context.Background(), "api-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "fresh" {
		t.Errorf("Get() = %q, want %q", value, "fresh")
	}
}

func TestResolverGetNoBackends(t *testing.T) {
	resolver := NewResolver()

	_, err := resolver.Get(context.Background(), "api-key")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}
}

func TestResolverSetSkipsReadOnly(t *testing.T) {
	ctx := context.Background()

	readOnly := newFakeBackend("env", 100)
	readOnly.readOnly = true
	writable := newFakeBackend("file", 25)

	resolver := NewResolver(readOnly, writable)

	if err := resolver.Set(ctx, "api-key", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if writable.secrets["api-key"] != "value" {
		t.Errorf("secret stored in %q, want writable backend", writable.secrets)
	}
}

func TestResolverSetNoWritableBackend(t *testing.T) {
	readOnly := newFakeBackend("env", 100)
	readOnly.readOnly = true

	resolver := NewResolver(readOnly)

	err := resolver.Set(context.Background(), "api-key", "value")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Set() error = %v, want ErrUnavailable", err)
	}
}

func TestResolverDeleteRemovesFromAllBackends(t *testing.T) {
	ctx := context.Background()

	first := newFakeBackend("keyring", 50)
	first.secrets["api-key"] = "a"
	second := newFakeBackend("file", 25)
	second.secrets["api-key"] = "b"

	resolver := NewResolver(first, second)

	if err := resolver.Delete(ctx, "api-key"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := first.secrets["api-key"]; ok {
		t.Error("secret still present in first backend")
	}
	if _, ok := second.secrets["api-key"]; ok {
		t.Error("secret still present in second backend")
	}
}

func TestResolverDeleteNotFound(t *testing.T) {
	resolver := NewResolver(newFakeBackend("file", 25))

	err := resolver.Delete(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestEnvBackendGet(t *testing.T) {
	t.Setenv("FLOWBENCH_SECRET_OPENROUTER_API_KEY", "sk-test-123")

	backend := NewEnvBackend()
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr bool
	}{
		{name: "exact key", key: "openrouter_api_key", want: "sk-test-123"},
		{name: "slash separated", key: "openrouter/api-key", want: "sk-test-123"},
		{name: "dotted", key: "openrouter.api.key", want: "sk-test-123"},
		{name: "missing", key: "anthropic_api_key", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := backend.Get(ctx, tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("Get() error = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if value != tt.want {
				t.Errorf("Get() = %q, want %q", value, tt.want)
			}
		})
	}
}

func TestEnvBackendReadOnly(t *testing.T) {
	backend := NewEnvBackend()
	ctx := context.Background()

	if err := backend.Set(ctx, "key", "value"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Set() error = %v, want ErrReadOnly", err)
	}
	if err := backend.Delete(ctx, "key"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Delete() error = %v, want ErrReadOnly", err)
	}
}

func TestEnvBackendMetadata(t *testing.T) {
	backend := NewEnvBackend()

	if backend.Name() != "env" {
		t.Errorf("Name() = %q, want %q", backend.Name(), "env")
	}
	if backend.Priority() != EnvPriority {
		t.Errorf("Priority() = %d, want %d", backend.Priority(), EnvPriority)
	}
	if !backend.Available() {
		t.Error("Available() = false, want true")
	}
}
