package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/flowbench/pkg/errors"
	"github.com/tombee/flowbench/pkg/flow/expression"
)

// StepContext carries the inputs a runner needs to execute one step.
type StepContext struct {
	// FlowID is the owning flow
	FlowID string

	// UserPrompt is the flow's original user request
	UserPrompt string

	// Wallet is the most recently resolved wallet context
	Wallet *WalletContext

	// State is the flow's execution state at this step
	State FlowState

	// Previous holds the results of all prior steps in order
	Previous []StepResult

	// Extracted holds values pulled out of prior step outputs
	Extracted map[string]any

	// Attempt is the 1-based attempt number for this step
	Attempt int

	// Rejected lists parameter values that already failed for this step,
	// keyed by parameter name
	Rejected map[string][]string
}

// StepRunner executes a single step against the environment. A non-nil
// error marks the step failed; on success the result carries the step's
// output and score. RunStep must honor ctx cancellation, since the
// controller bounds every invocation with the step's timeout.
type StepRunner interface {
	RunStep(ctx context.Context, step *Step, sctx *StepContext) (*StepResult, error)
}

// OutputExtractor pulls named values out of a step's raw output, driven by
// the step's extract queries.
type OutputExtractor interface {
	Extract(output string, queries map[string]string) (map[string]any, error)
}

// StepObserver receives step-boundary notifications. StepStarted fires for
// every execution attempt, recovery re-invocations included; StepFinished
// fires once per step with its final result, skips included.
type StepObserver interface {
	StepStarted(flowID string, step *Step, attempt int)
	StepFinished(flowID string, result *StepResult)
}

// Controller executes flow plans step by step under their atomic mode. It
// gates steps on their conditions and dependencies, hands failures to the
// recovery engine, and keeps the wallet context fresh between
// state-changing steps.
type Controller struct {
	runner    StepRunner
	resolver  *ContextResolver
	recovery  *RecoveryEngine
	extractor OutputExtractor
	evaluator *expression.Evaluator
	observers []StepObserver
	logger    *slog.Logger
}

// NewController creates a controller around a step runner.
func NewController(runner StepRunner) *Controller {
	return &Controller{
		runner:    runner,
		evaluator: expression.New(),
		logger:    slog.Default(),
	}
}

// WithResolver attaches a context resolver for wallet resolution between
// steps.
func (c *Controller) WithResolver(resolver *ContextResolver) *Controller {
	c.resolver = resolver
	return c
}

// WithRecovery attaches a recovery engine for failed steps. Without one,
// any step failure is final.
func (c *Controller) WithRecovery(engine *RecoveryEngine) *Controller {
	c.recovery = engine
	return c
}

// WithExtractor attaches an output extractor for steps that declare
// extract queries.
func (c *Controller) WithExtractor(extractor OutputExtractor) *Controller {
	c.extractor = extractor
	return c
}

// WithLogger sets a custom logger.
func (c *Controller) WithLogger(logger *slog.Logger) *Controller {
	c.logger = logger
	return c
}

// WithObserver registers a step observer.
func (c *Controller) WithObserver(observer StepObserver) *Controller {
	c.observers = append(c.observers, observer)
	return c
}

// flowRun is the mutable state of one Execute call.
type flowRun struct {
	plan      *FlowPlan
	result    *FlowResult
	state     FlowState
	wallet    *WalletContext
	extracted map[string]any

	// unusable marks steps that failed or were skipped; in conditional
	// mode their dependents are skipped in turn
	unusable map[string]bool

	halted bool
}

// Execute runs a flow plan to completion and returns its result.
//
// A plan that fails validation returns the validation error with no
// result. An environment-fatal error aborts the run the same way: the
// environment can no longer be trusted, so no partial result is scored.
// Every other failure is absorbed into the FlowResult under the plan's
// atomic mode.
func (c *Controller) Execute(ctx context.Context, plan *FlowPlan) (*FlowResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	run := &flowRun{
		plan: plan,
		result: &FlowResult{
			FlowID:     plan.FlowID,
			UserPrompt: plan.UserPrompt,
			Status:     FlowRunning,
		},
		state: FlowState{
			TotalSteps:          len(plan.Steps),
			AtomicMode:          plan.AtomicMode,
			PreviousStepSuccess: true,
		},
		wallet:    &plan.Context,
		extracted: make(map[string]any),
		unusable:  make(map[string]bool),
	}

	if c.resolver != nil && plan.Context.Owner != "" {
		resolveStart := time.Now()
		wallet, err := c.resolver.Resolve(ctx, plan.Context.Owner)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve initial wallet context: %w", err)
		}
		run.wallet = wallet
		run.result.Metrics.ContextResolutionMS = time.Since(resolveStart).Milliseconds()
	}

	c.logger.Info("starting flow execution",
		"flow_id", plan.FlowID,
		"steps", len(plan.Steps),
		"atomic_mode", plan.AtomicMode.String(),
	)

	for i := range plan.Steps {
		step := &plan.Steps[i]
		run.state.CurrentStepIndex = i

		// Conditional mode: a step whose dependency failed or was skipped
		// is skipped, and the skip propagates through its own dependents.
		// Dependencies are forward-only, so checking direct dependencies
		// in step order covers the transitive closure.
		if plan.AtomicMode == AtomicModeConditional {
			if dep, blocked := blockedBy(step, run.unusable); blocked {
				res := c.skipStep(run, step, fmt.Sprintf("skipped: dependency %s did not succeed", dep))
				c.notifyFinished(plan.FlowID, res)
				c.logger.Info("step skipped",
					"flow_id", plan.FlowID,
					"step_id", step.ID,
					"dependency", dep,
				)
				continue
			}
		}

		if step.Condition != "" {
			pass, condErr := c.evaluator.Evaluate(step.Condition, c.conditionEnv(run))
			if condErr != nil {
				res := &StepResult{
					StepID: step.ID,
					Status: StepFailed,
					Error:  fmt.Sprintf("condition evaluation failed: %v", condErr),
				}
				c.notifyFinished(plan.FlowID, res)
				if c.failStep(run, step, res) {
					break
				}
				continue
			}
			if !pass {
				res := c.skipStep(run, step, "condition not met")
				c.notifyFinished(plan.FlowID, res)
				c.logger.Info("step skipped, condition not met",
					"flow_id", plan.FlowID,
					"step_id", step.ID,
					"condition", step.Condition,
				)
				continue
			}
		}

		sctx := &StepContext{
			FlowID:     plan.FlowID,
			UserPrompt: plan.UserPrompt,
			Wallet:     run.wallet,
			State:      run.state,
			Previous:   run.result.StepResults,
			Extracted:  run.extracted,
			Attempt:    1,
		}
		if c.recovery != nil {
			sctx.Rejected = c.recovery.History().RejectedParams(step.ID)
		}

		res, execErr := c.executeOnce(ctx, step, sctx)
		if c.recovery != nil {
			c.recovery.History().Append(AttemptRecord{
				StepID:  step.ID,
				Attempt: 1,
				Err:     errMessage(execErr),
				Success: execErr == nil,
				At:      time.Now(),
			})
		}

		if execErr != nil {
			if errors.IsFatal(execErr) {
				c.logger.Error("environment fatal error, aborting run",
					"flow_id", plan.FlowID,
					"step_id", step.ID,
					"error", execErr.Error(),
				)
				return nil, execErr
			}

			// A per-step timeout halts further attempts for that step, so
			// recovery only sees plain failures.
			if res.Status != StepTimeout && c.recovery != nil {
				res, execErr = c.recoverStep(ctx, run, step, sctx, res, execErr)
			}
		}

		if execErr == nil {
			c.succeedStep(ctx, run, step, res)
			c.notifyFinished(plan.FlowID, res)
			continue
		}

		c.notifyFinished(plan.FlowID, res)
		if c.failStep(run, step, res) {
			break
		}
	}

	run.result.Metrics.TotalDurationMS = time.Since(start).Milliseconds()
	if c.resolver != nil {
		run.result.Metrics.CacheHitRate = c.resolver.HitRate()
	}
	run.result.FinalContext = run.wallet
	run.result.Status = flowStatus(run)
	run.result.Score = aggregateScore(plan, run.result)

	c.logger.Info("flow execution complete",
		"flow_id", plan.FlowID,
		"status", string(run.result.Status),
		"score", run.result.Score,
		"successful_steps", run.result.Metrics.SuccessfulSteps,
		"failed_steps", run.result.Metrics.FailedSteps,
		"skipped_steps", run.result.Metrics.SkippedSteps,
		"duration_ms", run.result.Metrics.TotalDurationMS,
	)
	return run.result, nil
}

// executeOnce runs a single attempt of a step under its timeout.
func (c *Controller) executeOnce(ctx context.Context, step *Step, sctx *StepContext) (*StepResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, step.ExecutionTimeout())
	defer cancel()

	c.notifyStarted(sctx.FlowID, step, sctx.Attempt)
	c.logger.Debug("executing step",
		"flow_id", sctx.FlowID,
		"step_id", step.ID,
		"attempt", sctx.Attempt,
		"timeout", step.ExecutionTimeout().String(),
	)

	start := time.Now()
	res, err := c.runner.RunStep(stepCtx, step, sctx)
	if res == nil {
		res = &StepResult{}
	}
	res.StepID = step.ID
	res.DurationMS = time.Since(start).Milliseconds()
	res.Attempts = sctx.Attempt

	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			res.Status = StepTimeout
			res.Error = fmt.Sprintf("step timed out after %s", step.ExecutionTimeout())
			return res, err
		}
		res.Status = StepFailed
		res.Error = err.Error()
		return res, err
	}

	res.Status = StepSuccess
	return res, nil
}

// recoverStep hands a failed step to the recovery engine and folds the
// outcome back into the run.
func (c *Controller) recoverStep(ctx context.Context, run *flowRun, step *Step, sctx *StepContext, res *StepResult, cause error) (*StepResult, error) {
	exec := func(rctx context.Context, s *Step, attempt int) (*StepResult, error) {
		retryCtx := *sctx
		retryCtx.Attempt = attempt + 1
		retryCtx.Rejected = c.recovery.History().RejectedParams(step.ID)
		return c.executeOnce(rctx, s, &retryCtx)
	}

	rres, outcome := c.recovery.Recover(ctx, step, run.plan.AtomicMode, cause, exec)
	switch outcome {
	case OutcomeContinue:
		return rres.Result, nil
	case OutcomeAbortTimeout:
		res.RecoveryAttempts = rres.AttemptsMade
		run.halted = true
		run.result.ErrorMessage = fmt.Sprintf("step %s recovery exceeded the recovery time budget", step.ID)
	case OutcomeAbortCritical:
		res.RecoveryAttempts = rres.AttemptsMade
		run.halted = true
		run.result.ErrorMessage = fmt.Sprintf("step %s failed and aborted the flow: %s", step.ID, rres.ErrorMessage)
	default:
		res.RecoveryAttempts = rres.AttemptsMade
	}
	return res, cause
}

// succeedStep records a successful step, extracts declared outputs, and
// refreshes the wallet context when the step could have changed it.
func (c *Controller) succeedStep(ctx context.Context, run *flowRun, step *Step, res *StepResult) {
	run.result.StepResults = append(run.result.StepResults, *res)
	run.state.PreviousStepSuccess = true
	run.result.Metrics.SuccessfulSteps++
	run.result.Metrics.TotalToolCalls += len(res.ToolCalls)

	if c.extractor != nil && len(step.Extract) > 0 {
		values, err := c.extractor.Extract(res.Output, step.Extract)
		if err != nil {
			c.logger.Warn("output extraction failed",
				"flow_id", run.plan.FlowID,
				"step_id", step.ID,
				"error", err.Error(),
			)
		} else {
			for name, value := range values {
				run.extracted[name] = value
			}
		}
	}

	// A step that invoked no tools cannot have changed chain state.
	if c.resolver != nil && run.wallet.Owner != "" && len(res.ToolCalls) > 0 {
		refreshStart := time.Now()
		refreshed, err := c.resolver.Refresh(ctx, run.wallet.Owner)
		if err != nil {
			c.logger.Warn("wallet context refresh failed",
				"flow_id", run.plan.FlowID,
				"owner", run.wallet.Owner,
				"error", err.Error(),
			)
			return
		}
		run.wallet = refreshed
		run.result.Metrics.ContextResolutionMS += time.Since(refreshStart).Milliseconds()
	}
}

// failStep records an unrecovered failure and applies atomic-mode
// semantics. It reports whether the flow must halt.
func (c *Controller) failStep(run *flowRun, step *Step, res *StepResult) bool {
	run.result.StepResults = append(run.result.StepResults, *res)
	run.state.PreviousStepSuccess = false
	run.result.Metrics.FailedSteps++
	if step.Critical {
		run.result.Metrics.CriticalFailures++
	} else {
		run.result.Metrics.NonCriticalFailures++
	}
	run.unusable[step.ID] = true

	if run.halted {
		return true
	}
	if run.plan.AtomicMode == AtomicModeStrict {
		run.halted = true
		run.result.ErrorMessage = fmt.Sprintf("step %s failed in strict mode: %s", step.ID, res.Error)
		return true
	}
	return false
}

// skipStep records a skipped step without executing it. Skips never touch
// PreviousStepSuccess, which tracks only executed steps.
func (c *Controller) skipStep(run *flowRun, step *Step, reason string) *StepResult {
	res := StepResult{
		StepID: step.ID,
		Status: StepSkipped,
		Error:  reason,
	}
	run.result.StepResults = append(run.result.StepResults, res)
	run.result.Metrics.SkippedSteps++
	run.unusable[step.ID] = true
	return &run.result.StepResults[len(run.result.StepResults)-1]
}

// conditionEnv builds the evaluation context for a step condition.
func (c *Controller) conditionEnv(run *flowRun) map[string]any {
	steps := make(map[string]any, len(run.result.StepResults))
	for _, res := range run.result.StepResults {
		steps[res.StepID] = map[string]any{
			"status": string(res.Status),
			"output": res.Output,
			"score":  res.Score,
			"error":  res.Error,
		}
	}

	prices := make(map[string]any, len(run.wallet.TokenPrices))
	for mint, price := range run.wallet.TokenPrices {
		prices[mint] = price
	}
	balances := make(map[string]any, len(run.wallet.TokenBalances))
	for mint, balance := range run.wallet.TokenBalances {
		balances[mint] = balance.UIAmount()
	}

	return map[string]any{
		"steps":     steps,
		"extracted": run.extracted,
		"wallet": map[string]any{
			"owner":           run.wallet.Owner,
			"sol_balance":     run.wallet.SolBalanceSOL(),
			"total_value_usd": run.wallet.TotalValueUSD,
			"prices":          prices,
			"balances":        balances,
		},
		"flow": map[string]any{
			"previous_step_success": run.state.PreviousStepSuccess,
			"current_step_index":    run.state.CurrentStepIndex,
			"total_steps":           run.state.TotalSteps,
			"atomic_mode":           run.state.AtomicMode.String(),
		},
	}
}

func (c *Controller) notifyStarted(flowID string, step *Step, attempt int) {
	for _, obs := range c.observers {
		obs.StepStarted(flowID, step, attempt)
	}
}

func (c *Controller) notifyFinished(flowID string, res *StepResult) {
	for _, obs := range c.observers {
		obs.StepFinished(flowID, res)
	}
}

// blockedBy returns the first dependency of step that failed or was
// skipped.
func blockedBy(step *Step, unusable map[string]bool) (string, bool) {
	for _, dep := range step.DependsOn {
		if unusable[dep] {
			return dep, true
		}
	}
	return "", false
}

// flowStatus settles the final flow status from the run's metrics.
func flowStatus(run *flowRun) FlowStatus {
	metrics := run.result.Metrics
	switch {
	case run.halted:
		return FlowFailed
	case metrics.CriticalFailures > 0:
		return FlowFailed
	case metrics.FailedSteps > 0 || metrics.SkippedSteps > 0:
		return FlowPartiallyFailed
	default:
		return FlowSucceeded
	}
}

// aggregateScore rolls per-step scores into a flow score under the plan's
// atomic mode. Strict is all-or-nothing. Lenient and conditional average
// over every planned step, so failed and skipped work earns no credit.
func aggregateScore(plan *FlowPlan, result *FlowResult) float64 {
	if len(plan.Steps) == 0 {
		return 0
	}
	if plan.AtomicMode == AtomicModeStrict {
		if len(result.StepResults) < len(plan.Steps) {
			return 0
		}
		var sum float64
		for _, res := range result.StepResults {
			if res.Status != StepSuccess {
				return 0
			}
			sum += res.Score
		}
		return sum / float64(len(plan.Steps))
	}

	var sum float64
	for _, res := range result.StepResults {
		if res.Status == StepSuccess {
			sum += res.Score
		}
	}
	return sum / float64(len(plan.Steps))
}
