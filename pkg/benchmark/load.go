package benchmark

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ParseTestCase parses a benchmark document from YAML bytes, applies
// defaults, and validates it.
func ParseTestCase(data []byte) (*TestCase, error) {
	var tc TestCase
	if err := yaml.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("failed to parse benchmark: %w", err)
	}

	tc.ApplyDefaults()

	if err := tc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid benchmark: %w", err)
	}

	return &tc, nil
}

// Load reads and parses the benchmark at path, recording the source path
// on the returned case.
func Load(path string) (*TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read benchmark %s: %w", path, err)
	}

	tc, err := ParseTestCase(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	tc.SourcePath = path
	return tc, nil
}

// Discover returns every benchmark document under root, sorted by path.
// Both .yml and .yaml extensions are matched, at any depth.
func Discover(root string) ([]string, error) {
	patterns := []string{
		filepath.Join(root, "**", "*.yml"),
		filepath.Join(root, "**", "*.yaml"),
	}

	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to glob benchmarks under %s: %w", root, err)
		}
		for _, match := range matches {
			if !seen[match] {
				seen[match] = true
				paths = append(paths, match)
			}
		}
	}

	sort.Strings(paths)
	return paths, nil
}

// LoadDir discovers and loads every benchmark under root, keeping only
// cases that carry at least one of the given tags. An empty tag filter
// keeps everything.
func LoadDir(root string, tags []string) ([]*TestCase, error) {
	paths, err := Discover(root)
	if err != nil {
		return nil, err
	}

	var cases []*TestCase
	for _, path := range paths {
		tc, err := Load(path)
		if err != nil {
			return nil, err
		}
		if tc.MatchesAny(tags) {
			cases = append(cases, tc)
		}
	}
	return cases, nil
}
