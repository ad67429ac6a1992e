// Package flow provides the flow orchestration data model and engine.
//
// A FlowPlan describes one multi-step financial operation as an ordered list
// of steps with explicit dependencies, criticality flags, and recovery
// strategies. Plans are executed by the Controller under one of three atomic
// modes (strict, lenient, conditional) that govern how a step failure
// propagates to the rest of the flow. The package also carries the wallet
// context snapshot that parameter resolution reads between steps.
package flow

import (
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// Mint addresses for tokens the resolver knows fallback prices for.
const (
	// NativeMint is the wrapped SOL mint address.
	NativeMint = "So11111111111111111111111111111111111111112"

	// USDCMint is the mainnet USDC mint address.
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	// USDTMint is the mainnet USDT mint address.
	USDTMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// AtomicMode controls how a step failure propagates through a flow.
type AtomicMode string

const (
	// AtomicModeStrict halts the flow on the first step failure. Steps after
	// the failure point are never attempted.
	AtomicModeStrict AtomicMode = "strict"

	// AtomicModeLenient continues past non-critical failures. The flow fails
	// only when a step marked critical fails.
	AtomicModeLenient AtomicMode = "lenient"

	// AtomicModeConditional skips the transitive dependents of a failed step
	// without attempting them; independent steps still execute.
	AtomicModeConditional AtomicMode = "conditional"
)

// ValidAtomicModes for validation.
var ValidAtomicModes = map[AtomicMode]bool{
	AtomicModeStrict:      true,
	AtomicModeLenient:     true,
	AtomicModeConditional: true,
}

// String returns the mode's wire representation.
func (m AtomicMode) String() string {
	return string(m)
}

// RecoveryType identifies a recovery strategy.
type RecoveryType string

const (
	// RecoveryRetry re-invokes the failing step with exponential backoff.
	RecoveryRetry RecoveryType = "retry"

	// RecoveryAlternativeFlow substitutes a pre-declared alternate step once
	// and re-executes. The substitution never recurses into further recovery.
	RecoveryAlternativeFlow RecoveryType = "alternative_flow"

	// RecoveryUserFulfillment suspends the step, surfaces its declared
	// questions to the caller, and resumes once answered.
	RecoveryUserFulfillment RecoveryType = "user_fulfillment"
)

// RecoveryStrategy declares how a failed step should be recovered.
// It is attached to a step at plan time and consulted only on failure.
type RecoveryStrategy struct {
	// Type selects the strategy (retry, alternative_flow, user_fulfillment)
	Type RecoveryType `yaml:"type" json:"type"`

	// MaxAttempts bounds retry re-invocations (type: retry)
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// FlowID names the pre-declared alternate (type: alternative_flow)
	FlowID string `yaml:"flow_id,omitempty" json:"flow_id,omitempty"`

	// Questions are surfaced to the caller (type: user_fulfillment)
	Questions []string `yaml:"questions,omitempty" json:"questions,omitempty"`
}

// Retry builds a retry strategy with the given attempt bound.
func Retry(maxAttempts int) *RecoveryStrategy {
	return &RecoveryStrategy{Type: RecoveryRetry, MaxAttempts: maxAttempts}
}

// AlternativeFlow builds an alternative-flow strategy referencing a
// pre-declared alternate by id.
func AlternativeFlow(flowID string) *RecoveryStrategy {
	return &RecoveryStrategy{Type: RecoveryAlternativeFlow, FlowID: flowID}
}

// UserFulfillment builds a user-fulfillment strategy with the questions to
// surface when the step fails.
func UserFulfillment(questions ...string) *RecoveryStrategy {
	return &RecoveryStrategy{Type: RecoveryUserFulfillment, Questions: questions}
}

// Validate checks the strategy's per-type required fields.
func (r *RecoveryStrategy) Validate() error {
	switch r.Type {
	case RecoveryRetry:
		if r.MaxAttempts < 1 {
			return fmt.Errorf("retry strategy requires max_attempts >= 1, got %d", r.MaxAttempts)
		}
	case RecoveryAlternativeFlow:
		if r.FlowID == "" {
			return fmt.Errorf("alternative_flow strategy requires flow_id")
		}
	case RecoveryUserFulfillment:
		if len(r.Questions) == 0 {
			return fmt.Errorf("user_fulfillment strategy requires at least one question")
		}
	default:
		return fmt.Errorf("unknown recovery strategy type: %q", r.Type)
	}
	return nil
}

// DefaultStepTime is the default estimated execution time for a step, in
// seconds. Also used as the per-step execution timeout when none is set.
const DefaultStepTime = 30

// Step is one unit of a flow plan. Steps are created at plan time and are
// immutable during execution except for re-resolved parameters.
type Step struct {
	// ID is the unique step identifier within the flow
	ID string `yaml:"step_id" json:"step_id"`

	// Critical marks a step whose failure fails the whole flow.
	// Defaults to true: atomic behavior unless explicitly relaxed.
	Critical bool `yaml:"critical" json:"critical"`

	// PromptTemplate is the parameter template rendered against the wallet
	// context and prior step results before each attempt
	PromptTemplate string `yaml:"prompt_template" json:"prompt_template"`

	// Description explains the step to users
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// RequiredTools names the capabilities this step needs, looked up from
	// the tool registry by name
	RequiredTools []string `yaml:"required_tools,omitempty" json:"required_tools,omitempty"`

	// DependsOn lists ids of earlier steps this step requires
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Timeout is the maximum execution time for one attempt, in seconds.
	// Zero means DefaultStepTime.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Recovery is consulted when the step fails with a recoverable error
	Recovery *RecoveryStrategy `yaml:"recovery_strategy,omitempty" json:"recovery_strategy,omitempty"`

	// Condition is an optional expression evaluated against the flow context
	// before execution; false skips the step
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Extract maps context variable names to jq expressions applied to the
	// step's observation after success
	Extract map[string]string `yaml:"extract,omitempty" json:"extract,omitempty"`

	// EstimatedTime is the expected execution time in seconds
	EstimatedTime int `yaml:"estimated_time_seconds,omitempty" json:"estimated_time_seconds,omitempty"`
}

// NewStep creates a step with atomic defaults: critical, with the default
// estimated execution time.
func NewStep(id, promptTemplate, description string) *Step {
	return &Step{
		ID:             id,
		Critical:       true,
		PromptTemplate: promptTemplate,
		Description:    description,
		EstimatedTime:  DefaultStepTime,
	}
}

// WithCritical sets the criticality flag.
func (s *Step) WithCritical(critical bool) *Step {
	s.Critical = critical
	return s
}

// WithTool appends a required capability name.
func (s *Step) WithTool(tool string) *Step {
	s.RequiredTools = append(s.RequiredTools, tool)
	return s
}

// WithDependsOn appends dependency step ids.
func (s *Step) WithDependsOn(ids ...string) *Step {
	s.DependsOn = append(s.DependsOn, ids...)
	return s
}

// WithRecovery attaches a recovery strategy.
func (s *Step) WithRecovery(strategy *RecoveryStrategy) *Step {
	s.Recovery = strategy
	return s
}

// WithTimeout sets the per-attempt timeout in seconds.
func (s *Step) WithTimeout(seconds int) *Step {
	s.Timeout = seconds
	return s
}

// WithEstimatedTime sets the expected execution time in seconds.
func (s *Step) WithEstimatedTime(seconds int) *Step {
	s.EstimatedTime = seconds
	return s
}

// ExecutionTimeout returns the step's effective per-attempt timeout.
func (s *Step) ExecutionTimeout() time.Duration {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultStepTime
	}
	return time.Duration(timeout) * time.Second
}

// UnmarshalYAML decodes a step, seeding defaults that plain decoding cannot
// express: critical is true unless the document says otherwise.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	type rawStep Step
	raw := rawStep{
		Critical:      true,
		EstimatedTime: DefaultStepTime,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*s = Step(raw)
	return nil
}

// TokenBalance is one token holding inside a wallet context.
type TokenBalance struct {
	// Mint is the token mint address
	Mint string `yaml:"mint" json:"mint"`

	// Balance is the raw amount in the token's smallest units
	Balance uint64 `yaml:"balance" json:"balance"`

	// Decimals is the mint's decimal count
	Decimals uint8 `yaml:"decimals" json:"decimals"`

	// Symbol if known (e.g. "USDC")
	Symbol string `yaml:"symbol,omitempty" json:"symbol,omitempty"`
}

// UIAmount returns the balance scaled by the mint's decimals.
func (t TokenBalance) UIAmount() float64 {
	return float64(t.Balance) / math.Pow10(int(t.Decimals))
}

// WalletContext is a snapshot of a wallet's balances and token prices.
// It is rebuilt or refreshed between steps and never mutated in place by
// more than one caller at a time.
type WalletContext struct {
	// Owner is the wallet's public key
	Owner string `yaml:"owner" json:"owner"`

	// SolBalance is the native balance in lamports
	SolBalance uint64 `yaml:"sol_balance" json:"sol_balance"`

	// TokenBalances maps mint address to holding
	TokenBalances map[string]TokenBalance `yaml:"token_balances,omitempty" json:"token_balances,omitempty"`

	// TokenPrices maps mint address to USD price. A mint absent from this
	// map could not be priced by any source.
	TokenPrices map[string]float64 `yaml:"token_prices,omitempty" json:"token_prices,omitempty"`

	// TotalValueUSD is the priced portfolio value
	TotalValueUSD float64 `yaml:"total_value_usd" json:"total_value_usd"`
}

// NewWalletContext creates an empty context for the given owner.
func NewWalletContext(owner string) WalletContext {
	return WalletContext{
		Owner:         owner,
		TokenBalances: make(map[string]TokenBalance),
		TokenPrices:   make(map[string]float64),
	}
}

// SolBalanceSOL returns the native balance in SOL units.
func (w *WalletContext) SolBalanceSOL() float64 {
	return float64(w.SolBalance) / LamportsPerSOL
}

// TokenBalanceFor returns the holding for a mint, if present.
func (w *WalletContext) TokenBalanceFor(mint string) (TokenBalance, bool) {
	b, ok := w.TokenBalances[mint]
	return b, ok
}

// TokenPriceFor returns the USD price for a mint, if one was resolved.
func (w *WalletContext) TokenPriceFor(mint string) (float64, bool) {
	p, ok := w.TokenPrices[mint]
	return p, ok
}

// AddTokenBalance records a token holding.
func (w *WalletContext) AddTokenBalance(mint string, balance TokenBalance) {
	if w.TokenBalances == nil {
		w.TokenBalances = make(map[string]TokenBalance)
	}
	w.TokenBalances[mint] = balance
}

// AddTokenPrice records a resolved USD price.
func (w *WalletContext) AddTokenPrice(mint string, price float64) {
	if w.TokenPrices == nil {
		w.TokenPrices = make(map[string]float64)
	}
	w.TokenPrices[mint] = price
}

// CalculateTotalValue recomputes TotalValueUSD from balances and prices.
// A token whose price was not resolved is omitted rather than valued at
// zero, so an unpriced holding never silently drags the total down.
func (w *WalletContext) CalculateTotalValue() {
	total := 0.0
	if price, ok := w.TokenPrices[NativeMint]; ok {
		total += w.SolBalanceSOL() * price
	}
	for mint, balance := range w.TokenBalances {
		price, ok := w.TokenPrices[mint]
		if !ok {
			continue
		}
		total += balance.UIAmount() * price
	}
	w.TotalValueUSD = total
}

// FlowMetadata carries tracking fields for a plan.
type FlowMetadata struct {
	// CreatedAt is the plan creation timestamp
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`

	// Category classifies the flow (swap, lend, transfer, general)
	Category string `yaml:"category" json:"category"`

	// ComplexityScore is a coarse 1-10 difficulty rating
	ComplexityScore int `yaml:"complexity_score" json:"complexity_score"`

	// Tags are free-form labels
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Version tracks the plan schema version
	Version string `yaml:"version" json:"version"`
}

// NewFlowMetadata returns metadata with defaults.
func NewFlowMetadata() FlowMetadata {
	return FlowMetadata{
		CreatedAt:       time.Now().UTC(),
		Category:        "general",
		ComplexityScore: 1,
		Version:         "1.0",
	}
}

// FlowPlan is the shared contract between the Controller, the Recovery
// Engine, and the Context Resolver: one multi-step operation with explicit
// failure-propagation semantics. The Controller exclusively owns the plan
// for the duration of one run.
type FlowPlan struct {
	// FlowID is the unique flow identifier
	FlowID string `yaml:"flow_id" json:"flow_id"`

	// UserPrompt is the originating request that produced this plan
	UserPrompt string `yaml:"user_prompt" json:"user_prompt"`

	// Steps in execution order. Dependencies may only reference earlier steps.
	Steps []Step `yaml:"steps" json:"steps"`

	// Context is the wallet snapshot at plan creation time
	Context WalletContext `yaml:"context" json:"context"`

	// Metadata carries tracking fields
	Metadata FlowMetadata `yaml:"metadata" json:"metadata"`

	// AtomicMode governs failure propagation. Empty defaults to strict.
	AtomicMode AtomicMode `yaml:"atomic_mode" json:"atomic_mode"`
}

// NewFlowPlan creates an empty plan in strict mode.
func NewFlowPlan(flowID, userPrompt string, context WalletContext) *FlowPlan {
	return &FlowPlan{
		FlowID:     flowID,
		UserPrompt: userPrompt,
		Context:    context,
		Metadata:   NewFlowMetadata(),
		AtomicMode: AtomicModeStrict,
	}
}

// WithStep appends a step.
func (p *FlowPlan) WithStep(step *Step) *FlowPlan {
	p.Steps = append(p.Steps, *step)
	return p
}

// WithAtomicMode sets the failure-propagation mode.
func (p *FlowPlan) WithAtomicMode(mode AtomicMode) *FlowPlan {
	p.AtomicMode = mode
	return p
}

// StepByID returns the step with the given id, if present.
func (p *FlowPlan) StepByID(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// CriticalSteps returns the steps whose failure fails the flow.
func (p *FlowPlan) CriticalSteps() []*Step {
	var steps []*Step
	for i := range p.Steps {
		if p.Steps[i].Critical {
			steps = append(steps, &p.Steps[i])
		}
	}
	return steps
}

// EstimatedTime returns the summed estimated execution time.
func (p *FlowPlan) EstimatedTime() time.Duration {
	total := 0
	for i := range p.Steps {
		total += p.Steps[i].EstimatedTime
	}
	return time.Duration(total) * time.Second
}

// StepStatus is the terminal status of one step attempt.
type StepStatus string

const (
	// StepSuccess indicates the step executed and scored at or above the
	// success threshold.
	StepSuccess StepStatus = "success"

	// StepFailed indicates the step executed and failed, after any recovery.
	StepFailed StepStatus = "failed"

	// StepTimeout indicates the per-step or recovery time budget elapsed.
	StepTimeout StepStatus = "timeout"

	// StepSkipped indicates the step was never attempted: its preconditions
	// could not be satisfied or its condition evaluated to false.
	StepSkipped StepStatus = "skipped"

	// StepWaiting indicates the step is suspended on user fulfillment.
	StepWaiting StepStatus = "waiting"
)

// Terminal reports whether the status is an end state for the step.
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailed || s == StepTimeout || s == StepSkipped
}

// StepResult is produced exactly once per attempted step. Skipped steps
// never reach the environment.
type StepResult struct {
	// StepID identifies the step
	StepID string `yaml:"step_id" json:"step_id"`

	// Status is the step's terminal status
	Status StepStatus `yaml:"status" json:"status"`

	// Output is the step's observation payload, JSON-encoded
	Output string `yaml:"output,omitempty" json:"output,omitempty"`

	// Error is the failure message, if any
	Error string `yaml:"error,omitempty" json:"error,omitempty"`

	// Score is the step's final weighted score in [0,1]
	Score float64 `yaml:"score" json:"score"`

	// DurationMS is the wall-clock execution time in milliseconds
	DurationMS int64 `yaml:"duration_ms" json:"duration_ms"`

	// ToolCalls lists the capability invocations made during the step
	ToolCalls []string `yaml:"tool_calls,omitempty" json:"tool_calls,omitempty"`

	// Attempts counts executions of this step including retries
	Attempts int `yaml:"attempts" json:"attempts"`

	// RecoveryAttempts counts recovery re-invocations
	RecoveryAttempts int `yaml:"recovery_attempts" json:"recovery_attempts"`
}

// Succeeded reports whether the step reached success.
func (r *StepResult) Succeeded() bool {
	return r.Status == StepSuccess
}

// FlowStatus is the terminal status of a flow run.
type FlowStatus string

const (
	// FlowRunning indicates the flow is still executing.
	FlowRunning FlowStatus = "running"

	// FlowSucceeded indicates every attempted step succeeded.
	FlowSucceeded FlowStatus = "succeeded"

	// FlowFailed indicates the flow failed under its atomic mode.
	FlowFailed FlowStatus = "failed"

	// FlowPartiallyFailed indicates non-critical failures or skips occurred
	// but no critical step failed.
	FlowPartiallyFailed FlowStatus = "partially_failed"
)

// FlowMetrics aggregates execution counters for one run.
type FlowMetrics struct {
	// TotalDurationMS is the wall-clock run time in milliseconds
	TotalDurationMS int64 `yaml:"total_duration_ms" json:"total_duration_ms"`

	// SuccessfulSteps counts steps that reached success
	SuccessfulSteps int `yaml:"successful_steps" json:"successful_steps"`

	// FailedSteps counts steps that terminally failed or timed out
	FailedSteps int `yaml:"failed_steps" json:"failed_steps"`

	// SkippedSteps counts steps never attempted
	SkippedSteps int `yaml:"skipped_steps" json:"skipped_steps"`

	// CriticalFailures counts failed steps marked critical
	CriticalFailures int `yaml:"critical_failures" json:"critical_failures"`

	// NonCriticalFailures counts failed steps not marked critical
	NonCriticalFailures int `yaml:"non_critical_failures" json:"non_critical_failures"`

	// TotalToolCalls sums capability invocations across steps
	TotalToolCalls int `yaml:"total_tool_calls" json:"total_tool_calls"`

	// ContextResolutionMS is time spent resolving wallet context
	ContextResolutionMS int64 `yaml:"context_resolution_ms" json:"context_resolution_ms"`

	// CacheHitRate is the resolver's cache hit rate in [0,1]
	CacheHitRate float64 `yaml:"cache_hit_rate" json:"cache_hit_rate"`
}

// SuccessRate returns successful/(successful+failed), or 0 when nothing ran.
func (m *FlowMetrics) SuccessRate() float64 {
	attempted := m.SuccessfulSteps + m.FailedSteps
	if attempted == 0 {
		return 0
	}
	return float64(m.SuccessfulSteps) / float64(attempted)
}

// FlowResult is the outcome of one flow run: ordered step results, overall
// status, and the aggregate score. The core never mutates it after
// construction.
type FlowResult struct {
	// FlowID identifies the flow
	FlowID string `yaml:"flow_id" json:"flow_id"`

	// UserPrompt is the originating request
	UserPrompt string `yaml:"user_prompt" json:"user_prompt"`

	// Status is the flow's terminal status
	Status FlowStatus `yaml:"status" json:"status"`

	// StepResults in execution order, one per attempted or skipped step
	StepResults []StepResult `yaml:"step_results" json:"step_results"`

	// Score is the aggregate flow score in [0,1] under the active atomic mode
	Score float64 `yaml:"score" json:"score"`

	// Metrics are the run's execution counters
	Metrics FlowMetrics `yaml:"metrics" json:"metrics"`

	// FinalContext is the wallet snapshot after the last executed step
	FinalContext *WalletContext `yaml:"final_context,omitempty" json:"final_context,omitempty"`

	// ErrorMessage describes the failure when Status is failed
	ErrorMessage string `yaml:"error_message,omitempty" json:"error_message,omitempty"`
}

// Succeeded reports whether the flow reached full success.
func (r *FlowResult) Succeeded() bool {
	return r.Status == FlowSucceeded
}

// ResultFor returns the step result for a step id, if present.
func (r *FlowResult) ResultFor(stepID string) (*StepResult, bool) {
	for i := range r.StepResults {
		if r.StepResults[i].StepID == stepID {
			return &r.StepResults[i], true
		}
	}
	return nil, false
}

// FlowState describes the controller's position inside a running flow.
// It is handed to collaborators that build per-step parameters.
type FlowState struct {
	// CurrentStepIndex is the zero-based index of the executing step
	CurrentStepIndex int `yaml:"current_step_index" json:"current_step_index"`

	// TotalSteps is the plan's step count
	TotalSteps int `yaml:"total_steps" json:"total_steps"`

	// AtomicMode is the active failure-propagation mode
	AtomicMode AtomicMode `yaml:"atomic_mode" json:"atomic_mode"`

	// PreviousStepSuccess reports whether the prior step succeeded
	PreviousStepSuccess bool `yaml:"previous_step_success" json:"previous_step_success"`
}
