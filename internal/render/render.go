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

// Package render draws evaluation runs as ASCII trees: the session's
// prompt, tool and step events in order, the final score, and the wallet
// snapshot after the last step. Output is plain text by default; color is
// opt-in for interactive terminals.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/tombee/flowbench/internal/session"
	"github.com/tombee/flowbench/pkg/flow"
)

// CLI style colors using lipgloss
var (
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	statusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	statusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
)

// Symbols for status indicators
const (
	symbolOK    = "✓"
	symbolWarn  = "⚠"
	symbolError = "✗"
	symbolInfo  = "•"
)

// printer formats amounts with English digit grouping.
var printer = message.NewPrinter(language.English)

// Options controls rendering.
type Options struct {
	// Color applies terminal styles to status markers
	Color bool
}

// Input bundles everything the renderer draws. Events come from the run's
// session log; Result, when present, contributes the score summary and the
// final wallet snapshot. BenchmarkID and Agent are fallbacks for logs that
// never reached a run_complete event.
type Input struct {
	Events      []session.Event
	Result      *flow.FlowResult
	BenchmarkID string
	Agent       string
}

// Tree renders the run as an ASCII tree, one line per event, ending with a
// trailing newline.
func Tree(in Input, opts Options) string {
	st := styler{color: opts.Color}

	root := &node{label: rootLabel(in, st)}

	if in.Result != nil {
		root.add(scoreLine(in.Result))
		if in.Result.ErrorMessage != "" {
			root.add("error: " + in.Result.ErrorMessage)
		}
	}

	num := 0
	for i := range in.Events {
		ev := &in.Events[i]
		if ev.Type == session.EventRunComplete {
			continue
		}
		num++
		root.addNode(eventNode(num, ev, st))
	}

	if in.Result != nil && in.Result.FinalContext != nil {
		root.addNode(walletNode(in.Result.FinalContext))
	}

	var sb strings.Builder
	root.render(&sb)
	return sb.String()
}

// rootLabel builds the header line: benchmark, agent, status, duration.
// The run_complete event is authoritative; Input fields and the flow
// result fill the gaps for interrupted logs.
func rootLabel(in Input, st styler) string {
	bench := in.BenchmarkID
	agent := in.Agent
	status := ""
	var durMS int64 = -1

	if in.Result != nil {
		status = string(in.Result.Status)
	}
	for i := range in.Events {
		ev := &in.Events[i]
		if ev.Type != session.EventRunComplete || ev.Run == nil {
			continue
		}
		bench = ev.Run.BenchmarkID
		agent = ev.Run.Agent
		status = ev.Run.Status
		durMS = ev.Timing.RunMS
	}

	if bench == "" {
		bench = "session"
	}

	label := fmt.Sprintf("%s [%s] %s", bench, agent, st.status(status))
	if durMS >= 0 && terminalStatus(status) {
		label += " in " + fmtMS(durMS)
	}
	return label
}

func scoreLine(r *flow.FlowResult) string {
	return fmt.Sprintf("score %.2f · steps %d/%d succeeded · tool calls %d",
		r.Score, r.Metrics.SuccessfulSteps, len(r.StepResults), r.Metrics.TotalToolCalls)
}

// eventNode draws one numbered session event. Events with a missing
// payload fall back to a bare type line rather than failing the render.
func eventNode(num int, ev *session.Event, st styler) *node {
	switch {
	case ev.Type == session.EventPrompt && ev.Prompt != nil:
		n := &node{label: fmt.Sprintf("%d. prompt (tools: %d) [+%s]",
			num, len(ev.Prompt.Tools), fmtMS(ev.Timing.RunMS))}
		if ev.Prompt.UserPrompt != "" {
			n.add(truncate(ev.Prompt.UserPrompt, 80))
		}
		return n

	case ev.Type == session.EventToolInput && ev.ToolInput != nil:
		n := &node{label: fmt.Sprintf("%d. tool %s [+%s]",
			num, ev.ToolInput.ToolName, fmtMS(ev.Timing.RunMS))}
		if len(ev.ToolInput.Args) > 0 {
			n.add("args: " + truncate(compactJSON(ev.ToolInput.Args), 100))
		}
		return n

	case ev.Type == session.EventToolOutput && ev.ToolOutput != nil:
		mark := st.ok(symbolOK)
		if !ev.ToolOutput.Success {
			mark = st.err(symbolError)
		}
		n := &node{label: fmt.Sprintf("%d. tool %s %s [+%s]",
			num, ev.ToolOutput.ToolName, mark, fmtMS(ev.Timing.RunMS))}
		if ev.ToolOutput.Error != "" {
			n.add("error: " + truncate(ev.ToolOutput.Error, 100))
		}
		return n

	case ev.Type == session.EventStepComplete && ev.Step != nil:
		n := &node{label: fmt.Sprintf("%d. step %s %s score %.2f [step %s]",
			num, ev.Step.StepID, st.stepStatus(ev.Step.Status),
			ev.Step.Score, fmtMS(ev.Timing.StepMS))}
		if ev.Step.Error != "" {
			n.add("error: " + truncate(ev.Step.Error, 100))
		}
		return n
	}

	return &node{label: fmt.Sprintf("%d. %s [+%s]", num, ev.Type, fmtMS(ev.Timing.RunMS))}
}

// walletNode draws the final wallet snapshot with grouped amounts.
func walletNode(w *flow.WalletContext) *node {
	n := &node{label: "wallet " + w.Owner}
	n.add(printer.Sprintf("%d lamports (%.2f SOL)", w.SolBalance, w.SolBalanceSOL()))

	mints := make([]string, 0, len(w.TokenBalances))
	for mint := range w.TokenBalances {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	for _, mint := range mints {
		b := w.TokenBalances[mint]
		sym := b.Symbol
		if sym == "" {
			sym = shortKey(mint)
		}
		n.add(fmt.Sprintf("%.6f %s", b.UIAmount(), sym))
	}

	if w.TotalValueUSD > 0 {
		n.add(printer.Sprintf("portfolio value $%.2f", w.TotalValueUSD))
	}
	return n
}

// styler applies status colors when enabled and passes text through
// otherwise, keeping golden output byte-stable.
type styler struct {
	color bool
}

func (s styler) ok(t string) string {
	if s.color {
		return statusOK.Render(t)
	}
	return t
}

func (s styler) warn(t string) string {
	if s.color {
		return statusWarn.Render(t)
	}
	return t
}

func (s styler) err(t string) string {
	if s.color {
		return statusError.Render(t)
	}
	return t
}

func (s styler) muted(t string) string {
	if s.color {
		return mutedStyle.Render(t)
	}
	return t
}

// status renders a run status as glyph plus word.
func (s styler) status(status string) string {
	switch status {
	case string(flow.FlowSucceeded):
		return s.ok(symbolOK + " SUCCEEDED")
	case string(flow.FlowFailed):
		return s.err(symbolError + " FAILED")
	case string(flow.FlowPartiallyFailed):
		return s.warn(symbolWarn + " PARTIALLY FAILED")
	case "", string(flow.FlowRunning):
		return symbolInfo + " RUNNING"
	}
	return symbolInfo + " " + strings.ToUpper(strings.ReplaceAll(status, "_", " "))
}

// stepStatus renders a step status word.
func (s styler) stepStatus(status string) string {
	switch status {
	case string(flow.StepSuccess):
		return s.ok(status)
	case string(flow.StepFailed), string(flow.StepTimeout):
		return s.err(status)
	case string(flow.StepSkipped):
		return s.muted(status)
	}
	return status
}

func terminalStatus(status string) bool {
	switch status {
	case string(flow.FlowSucceeded), string(flow.FlowFailed), string(flow.FlowPartiallyFailed):
		return true
	}
	return false
}

// fmtMS renders milliseconds human-readably: sub-second as "840ms",
// otherwise "12.40s".
func fmtMS(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.2fs", float64(ms)/1000)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func shortKey(k string) string {
	if len(k) <= 10 {
		return k
	}
	return k[:4] + ".." + k[len(k)-4:]
}

// node is one tree line with children.
type node struct {
	label    string
	children []*node
}

func (n *node) add(label string) *node {
	c := &node{label: label}
	n.children = append(n.children, c)
	return c
}

func (n *node) addNode(c *node) {
	n.children = append(n.children, c)
}

func (n *node) render(sb *strings.Builder) {
	sb.WriteString(n.label)
	sb.WriteByte('\n')
	n.renderChildren(sb, "")
}

func (n *node) renderChildren(sb *strings.Builder, prefix string) {
	for i, c := range n.children {
		branch, cont := "├── ", "│   "
		if i == len(n.children)-1 {
			branch, cont = "└── ", "    "
		}
		sb.WriteString(prefix)
		sb.WriteString(branch)
		sb.WriteString(c.label)
		sb.WriteByte('\n')
		c.renderChildren(sb, prefix+cont)
	}
}
