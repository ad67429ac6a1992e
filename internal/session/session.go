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

// Package session records evaluation runs: a JSONL event log per run for
// replay and rendering, and a SQLite store of run summaries for history
// queries across runs.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType discriminates session log events.
type EventType string

const (
	// EventPrompt records the prompt handed to the agent.
	EventPrompt EventType = "prompt"

	// EventToolInput records a capability invocation request.
	EventToolInput EventType = "tool_input"

	// EventToolOutput records a capability invocation result.
	EventToolOutput EventType = "tool_output"

	// EventStepComplete records a finished flow step.
	EventStepComplete EventType = "step_complete"

	// EventRunComplete records the run's terminal summary.
	EventRunComplete EventType = "run_complete"
)

// PromptEvent is the agent-facing prompt for one step.
type PromptEvent struct {
	// Tools lists the capability names offered to the agent
	Tools []string `json:"tools,omitempty"`

	// UserPrompt is the benchmark's raw prompt text
	UserPrompt string `json:"user_prompt"`

	// FinalPrompt is the enriched prompt actually sent
	FinalPrompt string `json:"final_prompt,omitempty"`
}

// ToolInputEvent is one capability invocation request.
type ToolInputEvent struct {
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// ToolOutputEvent is one capability invocation result.
type ToolOutputEvent struct {
	ToolName string          `json:"tool_name"`
	Success  bool            `json:"success"`
	Results  json.RawMessage `json:"results,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// StepEvent summarizes one finished flow step.
type StepEvent struct {
	StepID string  `json:"step_id"`
	Status string  `json:"status"`
	Score  float64 `json:"score"`
	Error  string  `json:"error,omitempty"`
}

// RunEvent is the run's terminal summary.
type RunEvent struct {
	BenchmarkID string  `json:"benchmark_id"`
	Agent       string  `json:"agent"`
	Status      string  `json:"status"`
	Score       float64 `json:"score"`
}

// Timing carries elapsed milliseconds at the moment an event was logged.
type Timing struct {
	// RunMS is elapsed time since the session started
	RunMS int64 `json:"run_ms"`

	// StepMS is elapsed time since the current step started
	StepMS int64 `json:"step_ms"`
}

// Event is one JSONL session log line. Exactly one payload field is set,
// selected by Type.
type Event struct {
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  string           `json:"session_id"`
	Type       EventType        `json:"event_type"`
	Prompt     *PromptEvent     `json:"prompt,omitempty"`
	ToolInput  *ToolInputEvent  `json:"tool_input,omitempty"`
	ToolOutput *ToolOutputEvent `json:"tool_output,omitempty"`
	Step       *StepEvent       `json:"step,omitempty"`
	Run        *RunEvent        `json:"run,omitempty"`
	Timing     Timing           `json:"timing"`
}

// Writer appends session events to a JSONL file, one JSON document per
// line. It is safe for concurrent use.
type Writer struct {
	mu        sync.Mutex
	file      *os.File
	buf       *bufio.Writer
	sessionID string
	path      string
	start     time.Time
	stepStart time.Time
	closed    bool
}

// NewWriter opens (creating directories as needed) the session log at
// dir/<sessionID>.jsonl and appends to it.
func NewWriter(dir, sessionID string) (*Writer, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	path := filepath.Join(dir, sessionID+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}

	now := time.Now()
	return &Writer{
		file:      file,
		buf:       bufio.NewWriter(file),
		sessionID: sessionID,
		path:      path,
		start:     now,
		stepStart: now,
	}, nil
}

// SessionID returns the writer's session identifier.
func (w *Writer) SessionID() string { return w.sessionID }

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// Append writes one event, stamping timestamp, session id and timing.
// Each event is flushed to disk immediately so a crashed run still leaves
// a readable log.
func (w *Writer) Append(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("session writer is closed")
	}

	now := time.Now()
	ev.Timestamp = now
	ev.SessionID = w.sessionID
	ev.Timing = Timing{
		RunMS:  now.Sub(w.start).Milliseconds(),
		StepMS: now.Sub(w.stepStart).Milliseconds(),
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}

	return nil
}

// StepStarted resets the per-step clock.
func (w *Writer) StepStarted() {
	w.mu.Lock()
	w.stepStart = time.Now()
	w.mu.Unlock()
}

// LogPrompt records the prompt handed to the agent.
func (w *Writer) LogPrompt(tools []string, userPrompt, finalPrompt string) error {
	return w.Append(Event{
		Type: EventPrompt,
		Prompt: &PromptEvent{
			Tools:       tools,
			UserPrompt:  userPrompt,
			FinalPrompt: finalPrompt,
		},
	})
}

// LogToolInput records a capability invocation request.
func (w *Writer) LogToolInput(toolName string, args json.RawMessage) error {
	return w.Append(Event{
		Type:      EventToolInput,
		ToolInput: &ToolInputEvent{ToolName: toolName, Args: args},
	})
}

// LogToolOutput records a capability invocation result.
func (w *Writer) LogToolOutput(toolName string, success bool, results json.RawMessage, errMsg string) error {
	return w.Append(Event{
		Type: EventToolOutput,
		ToolOutput: &ToolOutputEvent{
			ToolName: toolName,
			Success:  success,
			Results:  results,
			Error:    errMsg,
		},
	})
}

// LogStepComplete records a finished step and resets the step clock.
func (w *Writer) LogStepComplete(stepID, status string, score float64, errMsg string) error {
	err := w.Append(Event{
		Type: EventStepComplete,
		Step: &StepEvent{StepID: stepID, Status: status, Score: score, Error: errMsg},
	})
	w.StepStarted()
	return err
}

// LogRunComplete records the run's terminal summary.
func (w *Writer) LogRunComplete(benchmarkID, agent, status string, score float64) error {
	return w.Append(Event{
		Type: EventRunComplete,
		Run: &RunEvent{
			BenchmarkID: benchmarkID,
			Agent:       agent,
			Status:      status,
			Score:       score,
		},
	})
}

// Close flushes and closes the log file. Further appends fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush session log: %w", err)
	}
	return w.file.Close()
}

// maxLineSize bounds a single session log line (16MB); observation
// payloads for large flows can run long.
const maxLineSize = 16 * 1024 * 1024

// Read loads every event from a JSONL session log in order. Blank lines
// are skipped; a malformed line fails the read with its line number.
func Read(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var events []Event
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("malformed session event at line %d: %w", lineNo, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}

	return events, nil
}
