// Package extract pulls structured values out of raw step output using jq
// expressions. The flow controller hands it each successful step's output
// together with the step's declared extract queries; the resulting values
// feed parameter templates and conditions of later steps.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds the evaluation of a single query (1 second)
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize is the largest step output queries run against (10MB)
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Extractor evaluates jq queries against step output with timeout and size
// limits. It implements the flow controller's OutputExtractor contract.
type Extractor struct {
	timeout      time.Duration
	maxInputSize int64
}

// New creates an extractor with the given limits. Zero values select the
// defaults.
func New(timeout time.Duration, maxInputSize int64) *Extractor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}

	return &Extractor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
	}
}

// Extract runs every query against the output and returns the values keyed
// by the query's variable name. Output that parses as JSON is queried as
// the parsed document; anything else is queried as a plain string, so `.`
// still captures free-text output. A failing query fails the whole
// extraction, naming the variable.
func (e *Extractor) Extract(output string, queries map[string]string) (map[string]any, error) {
	if len(queries) == 0 {
		return nil, nil
	}

	if int64(len(output)) > e.maxInputSize {
		return nil, fmt.Errorf("step output (%d bytes) exceeds maximum (%d bytes)",
			len(output), e.maxInputSize)
	}

	data := parseOutput(output)

	values := make(map[string]any, len(queries))
	for name, expression := range queries {
		value, err := e.run(expression, data)
		if err != nil {
			return nil, fmt.Errorf("extract %q: %w", name, err)
		}
		values[name] = value
	}

	return values, nil
}

// run evaluates one expression with timeout protection. An empty
// expression yields the whole document.
func (e *Extractor) run(expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	resultChan := make(chan any, 1)
	errorChan := make(chan error, 1)

	go func() {
		// RunWithContext aborts the iterator when the timeout fires,
		// so a runaway query cannot leak a spinning goroutine.
		iter := code.RunWithContext(ctx, data)

		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}

			if err, isErr := v.(error); isErr {
				errorChan <- err
				return
			}

			results = append(results, v)
		}

		// A single result is returned directly; multiple results
		// collapse into an array.
		switch len(results) {
		case 0:
			resultChan <- nil
		case 1:
			resultChan <- results[0]
		default:
			resultChan <- results
		}
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errorChan:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("execution timeout after %v", e.timeout)
	}
}

// Validate compiles every query, catching syntax errors during plan
// validation rather than mid-flow.
func Validate(queries map[string]string) error {
	for name, expression := range queries {
		if expression == "" {
			continue
		}

		query, err := gojq.Parse(expression)
		if err != nil {
			return fmt.Errorf("extract %q: invalid jq expression: %w", name, err)
		}

		if _, err := gojq.Compile(query); err != nil {
			return fmt.Errorf("extract %q: jq compilation failed: %w", name, err)
		}
	}

	return nil
}

// parseOutput interprets step output as JSON when it decodes cleanly, and
// as a raw string otherwise.
func parseOutput(output string) any {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return output
	}

	var data any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return output
	}
	return data
}
