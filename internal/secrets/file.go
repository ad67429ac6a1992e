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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Key derivation and cipher parameters.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // AES-256

	gcmNonceSize = 12
	saltSize     = 16
)

// FileBackend stores secrets in one AES-256-GCM encrypted JSON file. The
// cipher key derives from a master key via argon2id with a fresh salt per
// save. Master key sources, in order: the explicit argument,
// FLOWBENCH_MASTER_KEY, ~/.config/flowbench/master.key (0600 required).
type FileBackend struct {
	path      string
	masterKey []byte
	mu        sync.Mutex
	available bool
}

// encryptedFile is the on-disk layout.
type encryptedFile struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// NewFileBackend creates the encrypted file backend. An empty path
// defaults to ~/.config/flowbench/secrets.enc. A missing master key
// yields an unavailable backend rather than an error, so the resolver
// chain stays usable.
func NewFileBackend(path, masterKey string) (*FileBackend, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config directory: %w", err)
		}
		path = filepath.Join(configDir, "flowbench", "secrets.enc")
	}

	key, err := resolveMasterKey(masterKey)
	if err != nil {
		return &FileBackend{path: path, available: false}, nil
	}

	b := &FileBackend{path: path, masterKey: key, available: true}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}
	return b, nil
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) Get(_ context.Context, key string) (string, error) {
	if !f.available {
		return "", fmt.Errorf("%w: master key not available", ErrUnavailable)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	store, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to load secrets: %w", err)
	}

	value, ok := store[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, nil
}

func (f *FileBackend) Set(_ context.Context, key, value string) error {
	if !f.available {
		return fmt.Errorf("%w: master key not available", ErrUnavailable)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	store, err := f.load()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load secrets: %w", err)
	}
	if store == nil {
		store = make(map[string]string)
	}

	store[key] = value
	if err := f.save(store); err != nil {
		return fmt.Errorf("failed to save secrets: %w", err)
	}
	return nil
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	if !f.available {
		return fmt.Errorf("%w: master key not available", ErrUnavailable)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	store, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	if _, ok := store[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	delete(store, key)
	if err := f.save(store); err != nil {
		return fmt.Errorf("failed to save secrets: %w", err)
	}
	return nil
}

func (f *FileBackend) Available() bool { return f.available }

func (f *FileBackend) Priority() int { return FilePriority }

// load reads and decrypts the store.
func (f *FileBackend) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	var enc encryptedFile
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, fmt.Errorf("invalid encrypted file format: %w", err)
	}

	key := argon2.IDKey(f.masterKey, enc.Salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, enc.Nonce, enc.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong master key or corrupted file): %w", err)
	}
	defer zeroBytes(plaintext)

	var store map[string]string
	if err := json.Unmarshal(plaintext, &store); err != nil {
		return nil, fmt.Errorf("invalid decrypted payload: %w", err)
	}
	return store, nil
}

// save encrypts and atomically replaces the store.
func (f *FileBackend) save(store map[string]string) error {
	plaintext, err := json.Marshal(store)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zeroBytes(plaintext)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(f.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	raw, err := json.Marshal(encryptedFile{
		Salt:  salt,
		Nonce: nonce,
		Data:  gcm.Seal(nil, nonce, plaintext, nil),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal encrypted file: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// resolveMasterKey finds the master key: explicit value, environment,
// key file with strict permissions.
func resolveMasterKey(provided string) ([]byte, error) {
	if provided != "" {
		return []byte(provided), nil
	}

	if envKey := os.Getenv("FLOWBENCH_MASTER_KEY"); envKey != "" {
		return []byte(envKey), nil
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		keyPath := filepath.Join(configDir, "flowbench", "master.key")
		if verifyFilePermissions(keyPath) == nil {
			if key, err := os.ReadFile(keyPath); err == nil {
				return key, nil
			}
		}
	}

	return nil, errors.New("master key not available (set FLOWBENCH_MASTER_KEY or create ~/.config/flowbench/master.key)")
}

// verifyFilePermissions rejects key files readable by group or other,
// and symlinked key files.
func verifyFilePermissions(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return errors.New("key file is a symlink")
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("key file permissions too open (got %o, want 0600)", perm)
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
