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
	"os"
	"path/filepath"
	"testing"
)

func newTestFileBackend(t *testing.T) *FileBackend {
	t.Helper()

	path := filepath.Join(t.TempDir(), "secrets.enc")
	backend, err := NewFileBackend(path, "test-master-key-for-encryption")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	return backend
}

func TestFileBackendMetadata(t *testing.T) {
	backend := newTestFileBackend(t)

	if backend.Name() != "file" {
		t.Errorf("Name() = %q, want %q", backend.Name(), "file")
	}
	if backend.Priority() != FilePriority {
		t.Errorf("Priority() = %d, want %d", backend.Priority(), FilePriority)
	}
	if !backend.Available() {
		t.Error("Available() = false, want true")
	}
}

func TestFileBackendSetGetDelete(t *testing.T) {
	backend := newTestFileBackend(t)
	ctx := context.Background()

	if err := backend.Set(ctx, "llm/api-key", "sk-secret-value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	info, err := os.Stat(backend.path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file permissions = %o, want 0600", info.Mode().Perm())
	}

	value, err := backend.Get(ctx, "llm/api-key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "sk-secret-value" {
		t.Errorf("Get() = %q, want %q", value, "sk-secret-value")
	}

	if err := backend.Delete(ctx, "llm/api-key"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := backend.Get(ctx, "llm/api-key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestFileBackendGetMissing(t *testing.T) {
	backend := newTestFileBackend(t)

	_, err := backend.Get(context.Background(), "never-set")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestFileBackendDeleteMissing(t *testing.T) {
	backend := newTestFileBackend(t)
	ctx := context.Background()

	if err := backend.Set(ctx, "exists", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := backend.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestFileBackendPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	masterKey := "shared-master-key"
	ctx := context.Background()

	first, err := NewFileBackend(path, masterKey)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	if err := first.Set(ctx, "agent/token", "persisted"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	second, err := NewFileBackend(path, masterKey)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	value, err := second.Get(ctx, "agent/token")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "persisted" {
		t.Errorf("Get() = %q, want %q", value, "persisted")
	}
}

func TestFileBackendWrongMasterKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	ctx := context.Background()

	first, err := NewFileBackend(path, "correct-key")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	if err := first.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	second, err := NewFileBackend(path, "wrong-key")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	if _, err := second.Get(ctx, "key"); err == nil {
		t.Error("Get() with wrong master key succeeded, want decryption failure")
	}
}

func TestFileBackendUnavailableWithoutMasterKey(t *testing.T) {
	// Point config discovery at an empty directory so no master.key is
	// found, and clear the environment source.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("FLOWBENCH_MASTER_KEY", "")

	path := filepath.Join(t.TempDir(), "secrets.enc")
	backend, err := NewFileBackend(path, "")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	if backend.Available() {
		t.Error("Available() = true, want false without a master key")
	}
	if _, err := backend.Get(context.Background(), "key"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}
	if err := backend.Set(context.Background(), "key", "value"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Set() error = %v, want ErrUnavailable", err)
	}
}

func TestFileBackendMasterKeyFromEnv(t *testing.T) {
	t.Setenv("FLOWBENCH_MASTER_KEY", "env-master-key")

	path := filepath.Join(t.TempDir(), "secrets.enc")
	backend, err := NewFileBackend(path, "")
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	if !backend.Available() {
		t.Fatal("Available() = false, want true with FLOWBENCH_MASTER_KEY set")
	}

	ctx := context.Background()
	if err := backend.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	value, err := backend.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if value != "value" {
		t.Errorf("Get() = %q, want %q", value, "value")
	}
}

func TestVerifyFilePermissions(t *testing.T) {
	dir := t.TempDir()

	strict := filepath.Join(dir, "strict.key")
	if err := os.WriteFile(strict, []byte("key"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := verifyFilePermissions(strict); err != nil {
		t.Errorf("verifyFilePermissions(0600) error = %v", err)
	}

	open := filepath.Join(dir, "open.key")
	if err := os.WriteFile(open, []byte("key"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := verifyFilePermissions(open); err == nil {
		t.Error("verifyFilePermissions(0644) error = nil, want permission rejection")
	}

	link := filepath.Join(dir, "link.key")
	if err := os.Symlink(strict, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	if err := verifyFilePermissions(link); err == nil {
		t.Error("verifyFilePermissions(symlink) error = nil, want rejection")
	}
}
