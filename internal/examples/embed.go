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

// Package examples ships starter benchmarks inside the binary so a
// fresh install can run and copy working documents without fetching a
// benchmark library first.
package examples

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tombee/flowbench/pkg/benchmark"
)

//go:embed *.yaml
var embeddedFS embed.FS

// ErrExists marks a destination file that is already present.
var ErrExists = errors.New("file already exists")

// Example describes one embedded starter benchmark.
type Example struct {
	// Name is the lookup key, the file name without extension.
	Name string `json:"name"`

	// ID is the benchmark id declared in the document.
	ID string `json:"id"`

	// Description is the benchmark's own description line.
	Description string `json:"description"`

	// Tags are the benchmark's tags.
	Tags []string `json:"tags,omitempty"`

	// Steps is 1 for prompt benchmarks, the flow length otherwise.
	Steps int `json:"steps"`

	// FileName is the name the document is written under.
	FileName string `json:"file_name"`
}

// List returns every embedded example, sorted by name. Metadata comes
// from parsing each document, so the list fails if an embedded file no
// longer validates.
func List() ([]Example, error) {
	entries, err := embeddedFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded examples: %w", err)
	}

	examples := make([]Example, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		data, err := embeddedFS.ReadFile(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read example %s: %w", entry.Name(), err)
		}
		tc, err := benchmark.ParseTestCase(data)
		if err != nil {
			return nil, fmt.Errorf("embedded example %s: %w", entry.Name(), err)
		}

		steps := 1
		if tc.IsFlow() {
			steps = len(tc.Flow)
		}

		examples = append(examples, Example{
			Name:        strings.TrimSuffix(entry.Name(), ".yaml"),
			ID:          tc.ID,
			Description: tc.Description,
			Tags:        tc.Tags,
			Steps:       steps,
			FileName:    entry.Name(),
		})
	}

	sort.Slice(examples, func(i, j int) bool { return examples[i].Name < examples[j].Name })
	return examples, nil
}

// Get returns the raw document of the named example.
func Get(name string) ([]byte, error) {
	content, err := embeddedFS.ReadFile(name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("example %q not found", name)
	}
	return content, nil
}

// Exists reports whether the named example is embedded.
func Exists(name string) bool {
	_, err := embeddedFS.ReadFile(name + ".yaml")
	return err == nil
}

// WriteTo copies the named example into dir, creating it as needed.
// Returns the written path. An existing file is not overwritten.
func WriteTo(name, dir string) (string, error) {
	content, err := Get(name)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	dest := filepath.Join(dir, name+".yaml")
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("%w: %s", ErrExists, dest)
	}

	if err := os.WriteFile(dest, content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return dest, nil
}

// WriteAll copies every embedded example into dir, skipping files that
// already exist. Returns the written paths.
func WriteAll(dir string) ([]string, error) {
	all, err := List()
	if err != nil {
		return nil, err
	}

	var written []string
	for _, ex := range all {
		dest, err := WriteTo(ex.Name, dir)
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return written, err
		}
		written = append(written, dest)
	}
	return written, nil
}
