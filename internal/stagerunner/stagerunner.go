// Package stagerunner sequentially executes the translator, analyzer,
// and merger stages with per-stage retry/backoff/timeout policy and
// post-success output validation. Stage bodies
// themselves are external collaborators, out of scope here — Runner
// only dispatches them and judges the files they leave behind.
package stagerunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ironmark/pipelinectl/internal/config"
	"github.com/ironmark/pipelinectl/internal/domain"
)

// ErrStageFailed is wrapped into the error returned by Run when a stage
// exhausts its retry budget without a validated success.
var ErrStageFailed = errors.New("stagerunner: stage failed after exhausting retries")

// Status is the self-reported outcome of one stage attempt.
type Status string

const (
	StatusSuccess Status = "success"
	// StatusSkipped means the stage found no input to act on — treated
	// as success for the translator and analyzer, but not the merger.
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Result is what a StageExecutor reports for a single attempt.
type Result struct {
	Status Status
	Err    error
}

// StageExecutor dispatches one attempt of a stage's body. Implementations
// must respect ctx cancellation/deadline — Run wraps every call with the
// stage's configured timeout.
type StageExecutor interface {
	Execute(ctx context.Context, stage domain.PipelineStage, runID string) Result
}

// Validator checks that a stage's declared success actually produced the
// expected on-disk artifact, before Run accepts the attempt.
type Validator interface {
	Validate(stage domain.PipelineStage, runID string) (bool, error)
}

// StateTransitioner is the subset of statemgr.Manager's API the Runner
// needs, kept as an interface so tests can supply a fake and so this
// package never imports statemgr directly.
type StateTransitioner interface {
	Transition(newState domain.PipelineRunState, stage *domain.PipelineStage, errMsg *string, metadata map[string]any) (*domain.RunContext, error)
}

// successStatuses maps each stage to the set of Status values that count
// as a completed attempt (merger is stricter: skipped never counts).
var successStatuses = map[domain.PipelineStage]map[Status]bool{
	domain.StageTranslator: {StatusSuccess: true, StatusSkipped: true},
	domain.StageAnalyzer:   {StatusSuccess: true, StatusSkipped: true},
	domain.StageMerger:     {StatusSuccess: true},
}

// Runner sequentially executes the three stages for one run.
type Runner struct {
	cfg       *config.Config
	state     StateTransitioner
	executor  StageExecutor
	validator Validator
	sleep     func(time.Duration)
}

// New constructs a Runner. sleep defaults to time.Sleep and is only
// overridable so tests can skip real backoff waits.
func New(cfg *config.Config, state StateTransitioner, executor StageExecutor, validator Validator) *Runner {
	return &Runner{cfg: cfg, state: state, executor: executor, validator: validator, sleep: time.Sleep}
}

// Outcome summarizes what Run did, for RunSummary persistence.
type Outcome struct {
	StagesExecuted []string
	StagesFailed   []string
	RetryCount     int
	FailureReason  string
}

// Run executes translator, analyzer, and merger in order. It transitions
// the run to success once all three stages validate; to failed (with the
// triggering stage's failure reason) the moment one exhausts its retries.
// Run never emits start/success/failed events itself — those belong to
// the stage bodies and to the orchestrator's terminal lifecycle events.
func (r *Runner) Run(ctx context.Context, runID string) (*Outcome, error) {
	out := &Outcome{}

	for _, stage := range domain.Stages() {
		out.StagesExecuted = append(out.StagesExecuted, string(stage))

		ok, retries, failErr := r.runStage(ctx, runID, stage)
		out.RetryCount += retries
		if !ok {
			out.StagesFailed = append(out.StagesFailed, string(stage))
			out.FailureReason = failErr.Error()

			errMsg := failErr.Error()
			if _, err := r.state.Transition(domain.StateFailed, &stage, &errMsg, nil); err != nil {
				slog.Warn("stagerunner: failed to record failed transition", "run_id", runID, "stage", stage, "error", err)
			}
			return out, fmt.Errorf("%w: stage=%s run=%s: %s", ErrStageFailed, stage, runID, failErr.Error())
		}
	}

	if _, err := r.state.Transition(domain.StateSuccess, nil, nil, nil); err != nil {
		slog.Warn("stagerunner: failed to record success transition", "run_id", runID, "error", err)
	}
	return out, nil
}

// RunStage drives the attempt loop for exactly one stage, without
// executing any other stage or touching StagesExecuted/StagesFailed
// bookkeeping. It is the entry point for an administrative single-stage
// run: the caller is responsible for having already legally transitioned
// the current RunContext to one edge away from stage's running state.
func (r *Runner) RunStage(ctx context.Context, runID string, stage domain.PipelineStage) (ok bool, retries int, err error) {
	return r.runStage(ctx, runID, stage)
}

// runStage drives the attempt loop for a single stage: attempt 0 runs
// directly, attempt >= 1 passes through retrying with exponential
// backoff first. Returns ok=true the moment an attempt both reports
// success/skipped and passes output validation.
func (r *Runner) runStage(ctx context.Context, runID string, stage domain.PipelineStage) (ok bool, retries int, lastErr error) {
	stageCfg := r.cfg.StageConfigFor(string(stage))
	runningState := stage.RunningState()

	for attempt := 0; attempt <= stageCfg.MaxRetries; attempt++ {
		if attempt == 0 {
			if _, err := r.state.Transition(runningState, &stage, nil, nil); err != nil {
				return false, retries, fmt.Errorf("transition to %s: %w", runningState, err)
			}
		} else {
			retries++
			meta := map[string]any{"attempt": attempt, "max_retries": stageCfg.MaxRetries}
			if _, err := r.state.Transition(domain.StateRetrying, &stage, nil, meta); err != nil {
				slog.Warn("stagerunner: failed to record retrying transition", "run_id", runID, "stage", stage, "error", err)
			}

			delay := time.Duration(float64(stageCfg.RetryDelay) * pow(config.BackoffMultiplier, float64(attempt-1)))
			r.sleep(delay)

			if _, err := r.state.Transition(runningState, &stage, nil, nil); err != nil {
				return false, retries, fmt.Errorf("transition to %s: %w", runningState, err)
			}
		}

		result, err := r.attempt(ctx, stage, runID, stageCfg.Timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if !successStatuses[stage][result.Status] {
			lastErr = fmt.Errorf("stage reported status %q", result.Status)
			continue
		}

		valid, err := r.validator.Validate(stage, runID)
		if err != nil {
			lastErr = fmt.Errorf("output validation error: %w", err)
			continue
		}
		if !valid {
			lastErr = errors.New("output validation failed")
			continue
		}

		return true, retries, nil
	}

	if lastErr == nil {
		lastErr = errors.New("stage exhausted retries")
	}
	return false, retries, lastErr
}

// attempt runs the stage body under a timeout, dispatched to its own
// goroutine so a hung stage body never blocks the orchestration loop.
// When the timeout fires, attempt returns a timeout error at once; the
// body's goroutine is not waited for.
func (r *Runner) attempt(ctx context.Context, stage domain.PipelineStage, runID string, timeout time.Duration) (Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resCh <- Result{Status: StatusFailed, Err: fmt.Errorf("stage executor panicked: %v", rec)}
			}
		}()
		resCh <- r.executor.Execute(attemptCtx, stage, runID)
	}()

	select {
	case <-attemptCtx.Done():
		return Result{}, fmt.Errorf("stage %s timed out after %s", stage, timeout)
	case res := <-resCh:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res, nil
	}
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
