package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/tombee/flowbench/pkg/errors"
)

// DefaultRetryAttempts is used when a step fails without declaring a
// recovery strategy.
const DefaultRetryAttempts = 3

// RecoveryConfig tunes the recovery engine.
type RecoveryConfig struct {
	// BaseRetryDelayMS is the delay before the first retry, in milliseconds
	BaseRetryDelayMS int64 `yaml:"base_retry_delay_ms" json:"base_retry_delay_ms"`

	// MaxRetryDelayMS caps the backoff delay, in milliseconds
	MaxRetryDelayMS int64 `yaml:"max_retry_delay_ms" json:"max_retry_delay_ms"`

	// BackoffMultiplier is the exponential backoff multiplier
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// MaxRecoveryTimeMS bounds total recovery time per step, in milliseconds
	MaxRecoveryTimeMS int64 `yaml:"max_recovery_time_ms" json:"max_recovery_time_ms"`

	// EnableAlternativeFlows allows alternative-flow substitution
	EnableAlternativeFlows bool `yaml:"enable_alternative_flows" json:"enable_alternative_flows"`

	// EnableUserFulfillment allows interactive recovery. Off by default so
	// automated runs never block on a prompt.
	EnableUserFulfillment bool `yaml:"enable_user_fulfillment" json:"enable_user_fulfillment"`
}

// DefaultRecoveryConfig returns the standard recovery tuning.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		BaseRetryDelayMS:       1000,
		MaxRetryDelayMS:        10000,
		BackoffMultiplier:      2.0,
		MaxRecoveryTimeMS:      30000,
		EnableAlternativeFlows: true,
		EnableUserFulfillment:  false,
	}
}

// BackoffDelay returns the cooperative delay before retry number attempt
// (zero-based): min(base * multiplier^attempt, max).
func (c RecoveryConfig) BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.BaseRetryDelayMS) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if capMS := float64(c.MaxRetryDelayMS); delay > capMS {
		delay = capMS
	}
	return time.Duration(delay) * time.Millisecond
}

// Error-message fragments that identify a failure as permanent. A confirmed
// permanent failure is never retried.
var permanentErrorFragments = []string{
	"insufficient funds",
	"invalid signature",
	"account not found",
	"invalid instruction",
	"custom program error",
	"permission denied",
	"authentication failed",
}

// Error-message fragments that identify a failure as transient.
var transientErrorFragments = []string{
	"timeout",
	"network error",
	"connection refused",
	"rate limit",
	"temporary failure",
	"service unavailable",
	"slot skipped",
	"blockhash not found",
}

// RetryableMessage classifies an error message by keyword: permanent
// fragments are never retried, transient fragments always are, and unknown
// errors default to retryable.
func RetryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, fragment := range permanentErrorFragments {
		if strings.Contains(lower, fragment) {
			return false
		}
	}
	for _, fragment := range transientErrorFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return true
}

// Retryable reports whether a step error is eligible for retry. Typed
// errors answer for themselves; untyped errors fall back to the keyword
// classification.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var classifier errors.ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return RetryableMessage(err.Error())
}

// StepFunc re-invokes a step. attempt is 1-based across recovery
// re-invocations of the same step.
type StepFunc func(ctx context.Context, step *Step, attempt int) (*StepResult, error)

// UserDecision is the caller's answer to a user-fulfillment prompt.
type UserDecision string

const (
	// DecisionRetry re-executes the failed step once.
	DecisionRetry UserDecision = "retry"

	// DecisionSkip gives up on the step and lets the flow continue under
	// its atomic mode.
	DecisionSkip UserDecision = "skip"

	// DecisionAbort halts the entire flow.
	DecisionAbort UserDecision = "abort"
)

// UserPrompter surfaces a failed step's declared questions to the caller
// and blocks until answered or the context expires.
type UserPrompter interface {
	Ask(ctx context.Context, step *Step, questions []string) (UserDecision, error)
}

// RecoveryOutcome tells the controller how to proceed after recovery.
type RecoveryOutcome string

const (
	// OutcomeContinue: recovery succeeded, continue with the next step.
	OutcomeContinue RecoveryOutcome = "continue"

	// OutcomeContinueNonCritical: the step stays failed but the flow
	// continues under its atomic mode.
	OutcomeContinueNonCritical RecoveryOutcome = "continue_non_critical"

	// OutcomeAbortCritical: halt the flow.
	OutcomeAbortCritical RecoveryOutcome = "abort_critical"

	// OutcomeAbortTimeout: the recovery time budget elapsed.
	OutcomeAbortTimeout RecoveryOutcome = "abort_timeout"
)

// RecoveryResult reports one recovery pass over a failed step.
type RecoveryResult struct {
	// Success reports whether the step now succeeds
	Success bool

	// AttemptsMade counts re-invocations performed during recovery
	AttemptsMade int

	// StrategyUsed is the strategy that ran
	StrategyUsed RecoveryType

	// Result is the successful step result, when Success is true
	Result *StepResult

	// ErrorMessage describes why recovery failed
	ErrorMessage string

	// RecoveryTimeMS is the wall-clock recovery time in milliseconds
	RecoveryTimeMS int64

	timedOut bool
	aborted  bool
}

// AttemptRecord is one entry in the operation history: a single execution
// attempt of a step, initial or recovery-driven.
type AttemptRecord struct {
	// StepID identifies the step
	StepID string `json:"step_id"`

	// Attempt is the 1-based attempt number for the step
	Attempt int `json:"attempt"`

	// Strategy is the recovery strategy that drove the attempt, empty for
	// the initial execution
	Strategy RecoveryType `json:"strategy,omitempty"`

	// Params are the resolved parameters the attempt ran with
	Params map[string]string `json:"params,omitempty"`

	// Err is the failure message, if any
	Err string `json:"error,omitempty"`

	// Success reports whether the attempt succeeded
	Success bool `json:"success"`

	// At is when the attempt finished
	At time.Time `json:"at"`
}

// OperationHistory records every step attempt, success or failure. The
// context resolver consults it so re-resolved parameters never repeat a
// known-invalid value.
type OperationHistory struct {
	mu      sync.Mutex
	records []AttemptRecord
}

// NewOperationHistory creates an empty history.
func NewOperationHistory() *OperationHistory {
	return &OperationHistory{}
}

// Append records an attempt.
func (h *OperationHistory) Append(rec AttemptRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
}

// All returns a copy of every record in append order.
func (h *OperationHistory) All() []AttemptRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]AttemptRecord, len(h.records))
	copy(out, h.records)
	return out
}

// ForStep returns the records for one step in append order.
func (h *OperationHistory) ForStep(stepID string) []AttemptRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []AttemptRecord
	for _, rec := range h.records {
		if rec.StepID == stepID {
			out = append(out, rec)
		}
	}
	return out
}

// RejectedParams returns, per parameter name, the values that failed for a
// step. Parameter re-resolution skips these.
func (h *OperationHistory) RejectedParams(stepID string) map[string][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]string)
	for _, rec := range h.records {
		if rec.StepID != stepID || rec.Success {
			continue
		}
		for param, value := range rec.Params {
			out[param] = append(out[param], value)
		}
	}
	return out
}

// IsRejected reports whether a parameter value already failed for a step.
func (h *OperationHistory) IsRejected(stepID, param, value string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range h.records {
		if rec.StepID != stepID || rec.Success {
			continue
		}
		if rec.Params[param] == value {
			return true
		}
	}
	return false
}

// Len returns the number of recorded attempts.
func (h *OperationHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// RecoveryEngine classifies step failures and attempts the step's declared
// recovery strategy under a bounded time budget.
type RecoveryEngine struct {
	config       RecoveryConfig
	prompter     UserPrompter
	alternatives map[string]*Step
	history      *OperationHistory
	logger       *slog.Logger

	// sleep waits cooperatively between retries; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRecoveryEngine creates an engine with the given tuning.
func NewRecoveryEngine(config RecoveryConfig) *RecoveryEngine {
	return &RecoveryEngine{
		config:       config,
		alternatives: make(map[string]*Step),
		history:      NewOperationHistory(),
		logger:       slog.Default(),
		sleep:        sleepContext,
	}
}

// WithLogger sets a custom logger.
func (e *RecoveryEngine) WithLogger(logger *slog.Logger) *RecoveryEngine {
	e.logger = logger
	return e
}

// WithPrompter sets the user-fulfillment prompter.
func (e *RecoveryEngine) WithPrompter(prompter UserPrompter) *RecoveryEngine {
	e.prompter = prompter
	return e
}

// RegisterAlternative declares the alternate step an alternative_flow
// strategy substitutes, keyed by the strategy's flow id.
func (e *RecoveryEngine) RegisterAlternative(flowID string, step *Step) {
	e.alternatives[flowID] = step
}

// History returns the engine's operation history.
func (e *RecoveryEngine) History() *OperationHistory {
	return e.history
}

// Recover attempts the step's declared recovery strategy and reports how
// the controller should proceed. exec re-invokes the step; it is called
// only from here during recovery, so the flow's single thread of control
// is preserved.
func (e *RecoveryEngine) Recover(ctx context.Context, step *Step, mode AtomicMode, cause error, exec StepFunc) (*RecoveryResult, RecoveryOutcome) {
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, time.Duration(e.config.MaxRecoveryTimeMS)*time.Millisecond)
	defer cancel()

	strategy := step.Recovery
	if strategy == nil {
		strategy = Retry(DefaultRetryAttempts)
	}

	e.logger.Info("starting recovery for failed step",
		"step_id", step.ID,
		"critical", step.Critical,
		"strategy", string(strategy.Type),
		"atomic_mode", mode.String(),
		"error", cause.Error(),
	)

	var result *RecoveryResult
	switch strategy.Type {
	case RecoveryRetry:
		result = e.recoverRetry(rctx, step, strategy, cause, exec)
	case RecoveryAlternativeFlow:
		result = e.recoverAlternative(rctx, step, strategy, exec)
	case RecoveryUserFulfillment:
		result = e.recoverUserFulfillment(rctx, step, strategy, exec)
	default:
		result = &RecoveryResult{
			StrategyUsed: strategy.Type,
			ErrorMessage: fmt.Sprintf("unknown recovery strategy: %q", strategy.Type),
		}
	}
	result.RecoveryTimeMS = time.Since(start).Milliseconds()

	outcome := e.outcomeFor(step, mode, result)
	if result.Success {
		e.logger.Info("recovery successful",
			"step_id", step.ID,
			"strategy", string(result.StrategyUsed),
			"attempts", result.AttemptsMade,
			"duration_ms", result.RecoveryTimeMS,
		)
	} else {
		e.logger.Warn("recovery failed",
			"step_id", step.ID,
			"strategy", string(result.StrategyUsed),
			"attempts", result.AttemptsMade,
			"outcome", string(outcome),
			"error", result.ErrorMessage,
		)
	}
	return result, outcome
}

// outcomeFor maps a recovery result onto the flow's atomic mode.
func (e *RecoveryEngine) outcomeFor(step *Step, mode AtomicMode, result *RecoveryResult) RecoveryOutcome {
	if result.Success {
		return OutcomeContinue
	}
	if result.timedOut {
		return OutcomeAbortTimeout
	}
	if result.aborted {
		return OutcomeAbortCritical
	}
	switch mode {
	case AtomicModeStrict:
		// Any unrecovered failure halts a strict flow.
		return OutcomeAbortCritical
	default:
		// Lenient and conditional flows keep going; criticality and skip
		// propagation are settled by the controller.
		return OutcomeContinueNonCritical
	}
}

func (e *RecoveryEngine) recoverRetry(ctx context.Context, step *Step, strategy *RecoveryStrategy, cause error, exec StepFunc) *RecoveryResult {
	maxAttempts := strategy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultRetryAttempts
	}

	if !Retryable(cause) {
		return &RecoveryResult{
			StrategyUsed: RecoveryRetry,
			ErrorMessage: fmt.Sprintf("error is not retryable: %v", cause),
		}
	}

	lastErr := cause
	for attempt := 0; attempt < maxAttempts; attempt++ {
		delay := e.config.BackoffDelay(attempt)
		e.logger.Debug("waiting before retry",
			"step_id", step.ID,
			"attempt", attempt+1,
			"delay_ms", delay.Milliseconds(),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return &RecoveryResult{
				StrategyUsed: RecoveryRetry,
				AttemptsMade: attempt,
				ErrorMessage: "recovery deadline exceeded",
				timedOut:     true,
			}
		}

		res, err := exec(ctx, step, attempt+1)
		e.history.Append(AttemptRecord{
			StepID:   step.ID,
			Attempt:  attempt + 1,
			Strategy: RecoveryRetry,
			Err:      errMessage(err),
			Success:  err == nil,
			At:       time.Now(),
		})
		if err == nil {
			res.RecoveryAttempts = attempt + 1
			return &RecoveryResult{
				Success:      true,
				StrategyUsed: RecoveryRetry,
				AttemptsMade: attempt + 1,
				Result:       res,
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			return &RecoveryResult{
				StrategyUsed: RecoveryRetry,
				AttemptsMade: attempt + 1,
				ErrorMessage: "recovery deadline exceeded",
				timedOut:     true,
			}
		}
		if !Retryable(err) {
			return &RecoveryResult{
				StrategyUsed: RecoveryRetry,
				AttemptsMade: attempt + 1,
				ErrorMessage: fmt.Sprintf("error is not retryable: %v", err),
			}
		}
	}

	return &RecoveryResult{
		StrategyUsed: RecoveryRetry,
		AttemptsMade: maxAttempts,
		ErrorMessage: fmt.Sprintf("all %d retry attempts failed: %v", maxAttempts, lastErr),
	}
}

// recoverAlternative substitutes the pre-declared alternate step once and
// re-executes. The substitution never recurses into further recovery, so
// alternation chains stay bounded.
func (e *RecoveryEngine) recoverAlternative(ctx context.Context, step *Step, strategy *RecoveryStrategy, exec StepFunc) *RecoveryResult {
	if !e.config.EnableAlternativeFlows {
		return &RecoveryResult{
			StrategyUsed: RecoveryAlternativeFlow,
			ErrorMessage: "alternative flows are disabled",
		}
	}
	alt, ok := e.alternatives[strategy.FlowID]
	if !ok {
		return &RecoveryResult{
			StrategyUsed: RecoveryAlternativeFlow,
			ErrorMessage: fmt.Sprintf("no alternative registered for flow id %q", strategy.FlowID),
		}
	}

	e.logger.Info("substituting alternative step",
		"step_id", step.ID,
		"alternative_flow_id", strategy.FlowID,
		"alternative_step_id", alt.ID,
	)

	res, err := exec(ctx, alt, 1)
	e.history.Append(AttemptRecord{
		StepID:   step.ID,
		Attempt:  1,
		Strategy: RecoveryAlternativeFlow,
		Err:      errMessage(err),
		Success:  err == nil,
		At:       time.Now(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return &RecoveryResult{
				StrategyUsed: RecoveryAlternativeFlow,
				AttemptsMade: 1,
				ErrorMessage: "recovery deadline exceeded",
				timedOut:     true,
			}
		}
		return &RecoveryResult{
			StrategyUsed: RecoveryAlternativeFlow,
			AttemptsMade: 1,
			ErrorMessage: fmt.Sprintf("alternative flow %q failed: %v", strategy.FlowID, err),
		}
	}

	// Record the substitute's result under the original step's slot.
	res.StepID = step.ID
	res.RecoveryAttempts = 1
	return &RecoveryResult{
		Success:      true,
		StrategyUsed: RecoveryAlternativeFlow,
		AttemptsMade: 1,
		Result:       res,
	}
}

// recoverUserFulfillment suspends the step, surfaces its declared questions,
// and acts on the caller's decision: retry re-executes once, skip leaves the
// step failed, abort halts the flow.
func (e *RecoveryEngine) recoverUserFulfillment(ctx context.Context, step *Step, strategy *RecoveryStrategy, exec StepFunc) *RecoveryResult {
	if !e.config.EnableUserFulfillment || e.prompter == nil {
		return &RecoveryResult{
			StrategyUsed: RecoveryUserFulfillment,
			ErrorMessage: "user fulfillment is disabled",
		}
	}

	e.logger.Info("step waiting on user fulfillment",
		"step_id", step.ID,
		"questions", len(strategy.Questions),
	)

	decision, err := e.prompter.Ask(ctx, step, strategy.Questions)
	if err != nil {
		timedOut := ctx.Err() != nil
		msg := fmt.Sprintf("user fulfillment failed: %v", err)
		if timedOut {
			msg = "user fulfillment timed out"
		}
		return &RecoveryResult{
			StrategyUsed: RecoveryUserFulfillment,
			ErrorMessage: msg,
			timedOut:     timedOut,
		}
	}

	switch decision {
	case DecisionRetry:
		res, execErr := exec(ctx, step, 1)
		e.history.Append(AttemptRecord{
			StepID:   step.ID,
			Attempt:  1,
			Strategy: RecoveryUserFulfillment,
			Err:      errMessage(execErr),
			Success:  execErr == nil,
			At:       time.Now(),
		})
		if execErr != nil {
			return &RecoveryResult{
				StrategyUsed: RecoveryUserFulfillment,
				AttemptsMade: 1,
				ErrorMessage: fmt.Sprintf("retry after user fulfillment failed: %v", execErr),
			}
		}
		res.RecoveryAttempts = 1
		return &RecoveryResult{
			Success:      true,
			StrategyUsed: RecoveryUserFulfillment,
			AttemptsMade: 1,
			Result:       res,
		}
	case DecisionAbort:
		return &RecoveryResult{
			StrategyUsed: RecoveryUserFulfillment,
			ErrorMessage: "user chose to abort the flow",
			aborted:      true,
		}
	default:
		return &RecoveryResult{
			StrategyUsed: RecoveryUserFulfillment,
			ErrorMessage: "user chose to skip the step",
		}
	}
}

// sleepContext waits for d or until the context expires.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
