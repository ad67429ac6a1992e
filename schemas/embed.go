// Package schemas provides access to embedded JSON schemas.
package schemas

import (
	_ "embed"
)

// Embed the benchmark document JSON Schema into the binary. The schema
// mirrors the loader's validation rules and exists for editor
// integration and schema-based tooling; the loader itself remains the
// authority on what parses.
//
//go:embed benchmark.schema.json
var benchmarkSchema []byte

// GetBenchmarkSchema returns the embedded benchmark JSON Schema as raw bytes.
func GetBenchmarkSchema() []byte {
	return benchmarkSchema
}

// GetBenchmarkSchemaString returns the embedded benchmark JSON Schema as a
// string for use cases that need one.
func GetBenchmarkSchemaString() string {
	return string(benchmarkSchema)
}
