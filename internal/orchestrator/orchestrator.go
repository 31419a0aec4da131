// Package orchestrator is the composition root: it wires every other
// internal package into the single Facade that drives a pipeline run
// end to end. No other internal package imports more than one of
// eventbus/lockmgr/statemgr/stagerunner/runhistory/health/tailer/
// watchdog/schedulerctl/objectstore directly; outside internal/, the
// daemon binary imports stagerunner and objectstore to build the
// executor, validator and archive store it hands to New.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ironmark/pipelinectl/internal/config"
	"github.com/ironmark/pipelinectl/internal/domain"
	"github.com/ironmark/pipelinectl/internal/eventbus"
	"github.com/ironmark/pipelinectl/internal/health"
	"github.com/ironmark/pipelinectl/internal/lockmgr"
	"github.com/ironmark/pipelinectl/internal/objectstore"
	"github.com/ironmark/pipelinectl/internal/runhistory"
	"github.com/ironmark/pipelinectl/internal/schedulerctl"
	"github.com/ironmark/pipelinectl/internal/stagerunner"
	"github.com/ironmark/pipelinectl/internal/statemgr"
	"github.com/ironmark/pipelinectl/internal/tailer"
	"github.com/ironmark/pipelinectl/internal/watchdog"
)

// ErrRunBlocked is returned by StartPipeline when the run-health policy
// gate denies an automatic run.
var ErrRunBlocked = errors.New("orchestrator: run blocked by health policy")

// ErrAlreadyRunning is returned by StartPipeline/RunSingleStage when a
// non-terminal run already exists.
var ErrAlreadyRunning = errors.New("orchestrator: a run is already active")

// ErrLockBusy is returned when the cross-process lock could not be
// acquired for a new run.
var ErrLockBusy = errors.New("orchestrator: pipeline lock is held by another run")

// ErrNoActiveRun is returned by StopPipeline when there is nothing to stop.
var ErrNoActiveRun = errors.New("orchestrator: no active run to stop")

const (
	// heartbeatInterval is how often the Facade refreshes an active run's
	// lock and publishes a heartbeat event. The watchdog's stale-run check
	// reads RunContext.UpdatedAt, which this heartbeat does not touch.
	heartbeatInterval = 45 * time.Second
	// shutdownGrace bounds how long Stop waits for each background
	// loop's own Stop() to return before moving on.
	shutdownGrace = 2 * time.Second
)

// Deps holds the executor/validator implementations and optional
// collaborators that vary by deployment — everything else is built
// directly from *config.Config by New.
type Deps struct {
	Executor  stagerunner.StageExecutor
	Validator stagerunner.Validator
	// ArchiveStore, when non-nil, receives a copy of every successful
	// run's output files under MergedRoot, keyed by run_id. Optional —
	// a nil store disables output archiving entirely.
	ArchiveStore objectstore.Store
	// SchedulerRunner overrides how schedulerctl shells out, for tests.
	SchedulerRunner schedulerctl.CommandRunner
}

// Facade is the single composition root coordinating one pipeline run
// at a time across every collaborator.
type Facade struct {
	cfg  *config.Config
	deps Deps

	eventBus    *eventbus.EventBus
	lock        *lockmgr.Manager
	state       *statemgr.Manager
	runner      *stagerunner.Runner
	history     *runhistory.History
	tailerSvc   *tailer.Tailer
	sweeper     *tailer.ArchiveSweeper
	watchdogSvc *watchdog.Watchdog
	scheduler   *schedulerctl.Controller
	archive     objectstore.Store

	cancel context.CancelFunc
	g      *errgroup.Group
}

// New wires every sub-component from cfg and returns a ready-to-Start
// Facade.
func New(cfg *config.Config, deps Deps) *Facade {
	eventLogsDir := resolvePath(cfg, cfg.EventLogsDir)

	eb := eventbus.New(eventbus.Config{
		EventLogsDir:    eventLogsDir,
		RingBufferSize:  cfg.RingBufferSize,
		MaxSubscribers:  cfg.MaxSubscribers,
		LiveEventWindow: cfg.LiveEventWindow,
		RotateSize:      cfg.JSONLRotateSize,
	})

	lm := lockmgr.New(resolvePath(cfg, cfg.LockDir), cfg.LockMaxRuntime)
	sm := statemgr.New(eb, resolvePath(cfg, cfg.StateFile))
	runner := stagerunner.New(cfg, sm, deps.Executor, deps.Validator)
	rh := runhistory.New(resolvePath(cfg, cfg.RunsDir))

	tl := tailer.New(tailer.Config{
		EventLogsDir:    eventLogsDir,
		OffsetsFile:     resolvePath(cfg, cfg.OffsetsFile),
		TickInterval:    cfg.TailerInterval,
		LiveEventWindow: cfg.LiveEventWindow,
		SealAge:         cfg.JSONLSealAge,
		SealSize:        cfg.JSONLSealSize,
	}, eb)

	sweeper := tailer.NewArchiveSweeper(eventLogsDir, cfg.ArchiveCutoff, cfg.ArchiveSweepInterval)

	wd := watchdog.New(watchdog.Config{
		Interval:         cfg.WatchdogInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, sm, sm, lm, eb, func(stage domain.PipelineStage) time.Duration {
		return cfg.StageConfigFor(string(stage)).Timeout
	})

	var sched *schedulerctl.Controller
	schedCfg := schedulerctl.Config{
		TaskName:       cfg.SchedulerTaskName,
		AuditFile:      resolvePath(cfg, cfg.SchedulerStateFile),
		ScheduleTime:   schedulerctl.LoadScheduleTime(resolvePath(cfg, cfg.ScheduleConfigFile)),
		CommandTimeout: 5 * time.Second,
	}
	if deps.SchedulerRunner != nil {
		sched = schedulerctl.NewWithRunner(schedCfg, eb, deps.SchedulerRunner)
	} else {
		sched = schedulerctl.New(schedCfg, eb)
	}

	return &Facade{
		cfg:         cfg,
		deps:        deps,
		eventBus:    eb,
		lock:        lm,
		state:       sm,
		runner:      runner,
		history:     rh,
		tailerSvc:   tl,
		sweeper:     sweeper,
		watchdogSvc: wd,
		scheduler:   sched,
		archive:     deps.ArchiveStore,
	}
}

func resolvePath(cfg *config.Config, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.Root, p)
}

// Start brings every background component up: it ensures the event-log
// directory layout exists, starts the tailer, archive sweeper, and
// watchdog (each self-managing its own goroutine), then launches the
// Facade's own heartbeat and scheduler-health loops under an
// errgroup.WithContext, which Stop waits on. Each tick of those loops
// recovers and logs its own panics, and both loop closures return nil,
// so nothing they do surfaces through Stop's returned error.
func (f *Facade) Start(ctx context.Context) error {
	if err := f.eventBus.EnsureDirs(); err != nil {
		return fmt.Errorf("orchestrator: start: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	f.g = g

	f.tailerSvc.Start(runCtx)
	f.sweeper.Start(runCtx)
	f.watchdogSvc.Start(runCtx)

	g.Go(func() error {
		f.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		f.schedulerHealthLoop(gctx)
		return nil
	})

	slog.Info("orchestrator: started")
	return nil
}

// Stop cancels every background loop and waits for them to exit,
// bounded by shutdownGrace per component, then returns the first error
// (if any) observed by the errgroup.
func (f *Facade) Stop() error {
	if f.cancel == nil {
		return nil
	}
	f.cancel()

	stopWithGrace := func(name string, stop func()) {
		done := make(chan struct{})
		go func() {
			stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			slog.Warn("orchestrator: component did not stop within grace period", "component", name)
		}
	}

	stopWithGrace("watchdog", f.watchdogSvc.Stop)
	stopWithGrace("archive_sweeper", f.sweeper.Stop)
	stopWithGrace("tailer", f.tailerSvc.Stop)

	var err error
	if f.g != nil {
		err = f.g.Wait()
	}
	slog.Info("orchestrator: stopped")
	return err
}

func (f *Facade) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.safeHeartbeat()
		}
	}
}

// safeHeartbeat refreshes the lock's acquired_at (if a run currently
// holds it) and emits a low-priority system heartbeat, isolated from a
// panic the same way every other background tick in this codebase is.
// The event is published on domain.StagePipeline rather than a literal
// "system" stage so it survives the Event Bus's verbose-event JSONL
// filter without ever qualifying for the live channel's allow-list.
func (f *Facade) safeHeartbeat() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestrator: heartbeat panicked", "panic", r)
		}
	}()

	if ctx := f.state.GetState(); ctx != nil && !ctx.State.IsTerminal() {
		if _, err := f.lock.Heartbeat(ctx.RunID); err != nil {
			slog.Warn("orchestrator: lock heartbeat failed", "run_id", ctx.RunID, "error", err)
		}
	}

	f.eventBus.Publish(domain.Event{
		RunID:     domain.SystemRunID,
		Stage:     domain.StagePipeline,
		Event:     domain.EvHeartbeat,
		Timestamp: domain.Now(),
	})
}

func (f *Facade) schedulerHealthLoop(ctx context.Context) {
	interval := f.cfg.SchedulerPollCadence
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(interval):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		f.safeSchedulerHealthCheck(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safeSchedulerHealthCheck compares the OS scheduler's actual enabled
// state against what the last audit record requested. A mismatch is
// only ever logged — this never re-enables or disables the task itself.
// The operator must act via the dashboard.
func (f *Facade) safeSchedulerHealthCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestrator: scheduler health check panicked", "panic", r)
		}
	}()

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	state, err := f.scheduler.GetState(checkCtx)
	if err != nil {
		slog.Warn("orchestrator: scheduler health check failed", "error", err)
		return
	}

	audit, err := schedulerctl.LoadAudit(resolvePath(f.cfg, f.cfg.SchedulerStateFile))
	if err != nil {
		slog.Warn("orchestrator: failed to load scheduler audit for health check", "error", err)
		return
	}
	if audit.LastChangedTimestamp.IsZero() {
		return
	}
	if state.Enabled != audit.LastRequestedEnabled {
		slog.Warn("orchestrator: scheduler state mismatch against last requested change",
			"os_reports_enabled", state.Enabled, "last_requested_enabled", audit.LastRequestedEnabled,
			"last_changed_by", audit.LastChangedBy)
	}
}

// StartPipeline runs the full policy-gate-then-run contract: deny via
// the health policy gate unless manual, stamp derived health onto the
// RunContext either way, generate a run_id if none is supplied, publish
// exactly one pipeline/start, acquire the lock, create the run,
// transition to starting, publish pipeline/manual_requested (manual runs)
// or scheduler/start (non-manual runs), and launch the stage sequence in
// the background.
func (f *Facade) StartPipeline(ctx context.Context, manual bool, runID string, manualOverride bool) (*domain.RunContext, error) {
	history, err := f.history.List(health.Window, nil)
	if err != nil {
		slog.Warn("orchestrator: failed to load run history for policy gate", "error", err)
	}
	allowed, blockReason, runHealth, reasons := health.CanRunPipeline(history, !manual, manualOverride)

	if !manual && !allowed {
		f.eventBus.Publish(domain.Event{
			RunID: domain.SystemRunID,
			Stage: domain.StagePipeline,
			Event: domain.EvRunBlocked,
			Data: map[string]any{
				"run_health":      runHealth.Label,
				"health_reasons":  reasons,
				"auto_run":        !manual,
				"manual_override": manualOverride,
				"block_reason":    blockReason,
			},
		})
		f.updateStateHealth(runHealth, reasons)
		return nil, fmt.Errorf("%w: %s", ErrRunBlocked, blockReason)
	}

	if cur := f.state.GetState(); cur != nil && !cur.State.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrAlreadyRunning, cur.RunID, cur.State)
	}
	f.updateStateHealth(runHealth, reasons)

	if runID == "" {
		runID = uuid.NewString()
	}

	f.eventBus.Publish(domain.Event{
		RunID: runID,
		Stage: domain.StagePipeline,
		Event: domain.EvStart,
		Data:  map[string]any{"manual": manual},
	})

	ok, err := f.lock.Acquire(runID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockBusy
	}

	rc, err := f.state.CreateRun(runID, map[string]any{
		"manual":          manual,
		"manual_override": manualOverride,
		"triggered_at":    domain.Now(),
	})
	if err != nil {
		f.lock.Release(runID)
		return nil, fmt.Errorf("orchestrator: create run: %w", err)
	}

	rc, err = f.state.Transition(domain.StateStarting, nil, nil, map[string]any{"manual": manual})
	if err != nil {
		f.lock.Release(runID)
		return nil, fmt.Errorf("orchestrator: transition to starting: %w", err)
	}

	if manual {
		f.eventBus.Publish(domain.Event{RunID: runID, Stage: domain.StagePipeline, Event: domain.EvManualRequested})
	} else {
		f.eventBus.Publish(domain.Event{RunID: runID, Stage: domain.StageScheduler, Event: domain.EvStart})
	}

	go f.runPipelineBackground(runID, manual)

	return rc, nil
}

// runPipelineBackground runs the stage sequence to completion and always
// finishes the run — release the lock, persist the summary, recompute
// health — regardless of outcome.
func (f *Facade) runPipelineBackground(runID string, manual bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestrator: pipeline run panicked", "run_id", runID, "panic", r)
			errMsg := fmt.Sprintf("pipeline run panicked: %v", r)
			if _, tErr := f.state.Transition(domain.StateFailed, nil, &errMsg, nil); tErr != nil {
				slog.Error("orchestrator: failed to record run panic", "run_id", runID, "error", tErr)
			}
			f.finishRun(runID, manual, nil)
		}
	}()

	outcome, err := f.runner.Run(context.Background(), runID)
	if err != nil && !errors.Is(err, stagerunner.ErrStageFailed) {
		errMsg := err.Error()
		if _, tErr := f.state.Transition(domain.StateFailed, nil, &errMsg, nil); tErr != nil {
			slog.Error("orchestrator: failed to record unexpected run failure", "run_id", runID, "error", tErr)
		}
		f.eventBus.Publish(domain.Event{RunID: runID, Stage: domain.StagePipeline, Event: domain.EvError, Msg: errMsg})
	}

	f.finishRun(runID, manual, outcome)
}

// finishRun publishes the terminal lifecycle event, releases the lock,
// archives successful output (if configured), persists the run summary,
// and recomputes health — unconditionally, regardless of how the run got
// here (normal completion, a failed stage, an unexpected runner error or
// panic, or the end of RunSingleStage). StopPipeline does not call it.
func (f *Facade) finishRun(runID string, manual bool, outcome *stagerunner.Outcome) {
	rc := f.state.GetState()
	if rc == nil || rc.RunID != runID {
		slog.Warn("orchestrator: finishRun called for stale run", "run_id", runID)
		return
	}

	success := rc.State == domain.StateSuccess
	stage := domain.StagePipeline
	if !manual {
		stage = domain.StageScheduler
	}
	event := domain.EvFailed
	if success {
		event = domain.EvSuccess
	}
	f.eventBus.Publish(domain.Event{RunID: runID, Stage: stage, Event: event})

	if released, err := f.lock.Release(runID); err != nil || !released {
		slog.Warn("orchestrator: failed to release lock after run completion", "run_id", runID, "error", err)
	}

	if success {
		f.archiveRunOutputs(runID)
	}

	f.persistRunSummary(rc, outcome)
	f.recomputeHealth()
}

// persistRunSummary builds and appends a RunSummary, but only once the
// run has actually reached a terminal state — calling this while a run
// is still in progress (e.g. a misordered Stop race) silently no-ops.
func (f *Facade) persistRunSummary(rc *domain.RunContext, outcome *stagerunner.Outcome) {
	result, ok := resultForState(rc.State)
	if !ok {
		return
	}

	summary := domain.RunSummary{
		RunID:      rc.RunID,
		StartedAt:  rc.StartedAt,
		EndedAt:    domain.Now(),
		Result:     result,
		RetryCount: rc.RetryCount,
		Metadata:   rc.Metadata,
	}
	if rc.Error != nil {
		summary.FailureReason = *rc.Error
	}
	if outcome != nil {
		summary.StagesExecuted = outcome.StagesExecuted
		summary.StagesFailed = outcome.StagesFailed
		summary.RetryCount += outcome.RetryCount
		if summary.FailureReason == "" {
			summary.FailureReason = outcome.FailureReason
		}
	}

	if err := f.history.Persist(summary); err != nil {
		slog.Error("orchestrator: failed to persist run summary", "run_id", rc.RunID, "error", err)
	}
}

func resultForState(state domain.PipelineRunState) (domain.RunResult, bool) {
	switch state {
	case domain.StateSuccess:
		return domain.ResultSuccess, true
	case domain.StateFailed:
		return domain.ResultFailed, true
	case domain.StateStopped:
		return domain.ResultStopped, true
	default:
		return "", false
	}
}

// recomputeHealth reloads the recent run history and re-annotates the
// current RunContext's derived health fields. Best-effort: failures are
// logged, never surfaced, since health is advisory.
func (f *Facade) recomputeHealth() {
	history, err := f.history.List(health.Window, nil)
	if err != nil {
		slog.Warn("orchestrator: failed to reload run history for health recompute", "error", err)
		return
	}
	runHealth := health.ComputeRunHealth(history)
	f.updateStateHealth(runHealth, runHealth.Reasons)
}

func (f *Facade) updateStateHealth(runHealth domain.RunHealth, reasons []string) {
	f.state.AnnotateMetadata(map[string]any{
		"run_health":         runHealth.Label,
		"run_health_reasons": reasons,
	})
}

// StopPipeline transitions the active run to stopped, releases the lock,
// persists a stopped RunSummary, and recomputes health. Requires an
// active, non-terminal run.
func (f *Facade) StopPipeline() (*domain.RunContext, error) {
	cur := f.state.GetState()
	if cur == nil || cur.State.IsTerminal() {
		return nil, ErrNoActiveRun
	}

	rc, err := f.state.Transition(domain.StateStopped, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: transition to stopped: %w", err)
	}

	if released, err := f.lock.Release(rc.RunID); err != nil || !released {
		slog.Warn("orchestrator: failed to release lock on stop", "run_id", rc.RunID, "error", err)
	}

	f.persistRunSummary(rc, nil)
	f.recomputeHealth()

	f.eventBus.Publish(domain.Event{
		RunID: rc.RunID,
		Stage: domain.StagePipeline,
		Event: domain.EvLog,
		Msg:   "Pipeline run stopped",
	})

	return f.state.GetState(), nil
}

// GetStatus returns the current RunContext, or nil if none exists.
func (f *Facade) GetStatus() *domain.RunContext {
	return f.state.GetState()
}

const (
	eventSourceJSONL          = "jsonl"
	eventSourceJSONLMemory    = "jsonl+memory"
	eventSourceMemoryFallback = "memory_fallback"
)

// Snapshot is the dashboard-facing combined view of the current run.
type Snapshot struct {
	Status           *domain.RunContext `json:"status"`
	RecentEvents     []domain.Event     `json:"recent_events"`
	RunEvents        []domain.Event     `json:"run_events"`
	EventSource      string             `json:"event_source,omitempty"`
	LockInfo         *domain.LockRecord `json:"lock_info"`
	NextScheduledRun *time.Time         `json:"next_scheduled_run"`
}

// GetSnapshot assembles the dashboard's single combined poll response:
// recent in-memory ring events, the current run's full JSONL history
// (falling back to, or merging with, the in-memory ring when the JSONL
// scan is incomplete or empty), lock state, and an advisory next-run
// estimate.
func (f *Facade) GetSnapshot(ctx context.Context) Snapshot {
	status := f.state.GetState()
	snap := Snapshot{
		Status:       status,
		RecentEvents: f.eventBus.GetRecentEvents(100),
		LockInfo:     f.lock.GetLockInfo(),
	}

	if next, err := f.scheduler.GetNextRunTime(ctx); err == nil {
		snap.NextScheduledRun = next
	}

	if status == nil {
		return snap
	}

	runEvents := f.eventBus.GetEventsForRun(status.RunID, 1000)
	memoryEvents := filterByRunID(snap.RecentEvents, status.RunID)

	switch {
	case len(runEvents) == 0 && len(memoryEvents) > 0:
		snap.RunEvents = memoryEvents
		snap.EventSource = eventSourceMemoryFallback
	case len(runEvents) == 0:
		snap.RunEvents = runEvents
		snap.EventSource = eventSourceJSONL
	default:
		merged, mergedAny := mergeDedup(runEvents, memoryEvents)
		snap.RunEvents = merged
		snap.EventSource = eventSourceJSONL
		if mergedAny {
			snap.EventSource = eventSourceJSONLMemory
		}
	}

	return snap
}

func filterByRunID(events []domain.Event, runID string) []domain.Event {
	out := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func eventKey(e domain.Event) string {
	return e.Timestamp.Format(time.RFC3339Nano) + "|" + e.Stage + "|" + e.Event
}

// mergeDedup merges extra into base, skipping any event whose
// (timestamp, stage, event) key already appears in base, and returns
// the result sorted by timestamp along with whether anything was
// actually merged in.
func mergeDedup(base, extra []domain.Event) ([]domain.Event, bool) {
	seen := make(map[string]bool, len(base))
	for _, e := range base {
		seen[eventKey(e)] = true
	}

	merged := append([]domain.Event(nil), base...)
	mergedAny := false
	for _, e := range extra {
		k := eventKey(e)
		if seen[k] {
			continue
		}
		seen[k] = true
		merged = append(merged, e)
		mergedAny = true
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	return merged, mergedAny
}

// RunSingleStage administratively runs exactly one stage, bypassing
// execution of its predecessors. The FSM's adjacency table has no
// direct idle -> running_X edge for any stage but the first, so this
// legally walks the RunContext through every predecessor's running
// state first (never executing their bodies — only the bookkeeping
// transition), leaving the FSM exactly one legal edge away from the
// requested stage before handing off to the Runner's retry/validate loop.
func (f *Facade) RunSingleStage(ctx context.Context, stage domain.PipelineStage) (*domain.RunContext, error) {
	if !domain.ValidStage(string(stage)) {
		return nil, fmt.Errorf("orchestrator: unknown stage %q", stage)
	}
	if cur := f.state.GetState(); cur != nil && !cur.State.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrAlreadyRunning, cur.RunID, cur.State)
	}

	runID := uuid.NewString()
	if ok, err := f.lock.Acquire(runID); err != nil {
		return nil, fmt.Errorf("orchestrator: acquire lock: %w", err)
	} else if !ok {
		return nil, ErrLockBusy
	}

	if _, err := f.state.CreateRun(runID, map[string]any{"single_stage": string(stage)}); err != nil {
		f.lock.Release(runID)
		return nil, fmt.Errorf("orchestrator: create run: %w", err)
	}
	if _, err := f.state.Transition(domain.StateStarting, nil, nil, nil); err != nil {
		f.lock.Release(runID)
		return nil, fmt.Errorf("orchestrator: transition to starting: %w", err)
	}

	for _, predecessor := range domain.Stages() {
		if predecessor == stage {
			break
		}
		if _, err := f.state.Transition(predecessor.RunningState(), &predecessor, nil, nil); err != nil {
			f.lock.Release(runID)
			return nil, fmt.Errorf("orchestrator: pre-transition through %s: %w", predecessor, err)
		}
	}

	outcome := &stagerunner.Outcome{StagesExecuted: []string{string(stage)}}
	ok, retries, stageErr := f.runner.RunStage(ctx, runID, stage)
	outcome.RetryCount = retries

	if ok {
		if _, err := f.state.Transition(domain.StateSuccess, nil, nil, nil); err != nil {
			slog.Error("orchestrator: failed to record single-stage success", "run_id", runID, "error", err)
		}
	} else {
		outcome.StagesFailed = []string{string(stage)}
		errMsg := stageErr.Error()
		outcome.FailureReason = errMsg
		if _, err := f.state.Transition(domain.StateFailed, &stage, &errMsg, nil); err != nil {
			slog.Error("orchestrator: failed to record single-stage failure", "run_id", runID, "error", err)
		}
	}

	f.finishRun(runID, true, outcome)
	return f.state.GetState(), nil
}

// RunArchiveSweepNow forces a synchronous archive sweep, for an
// administrative "sweep now" action rather than waiting for the next
// scheduled interval.
func (f *Facade) RunArchiveSweepNow() (int, error) {
	return f.sweeper.Sweep()
}

// archiveRunOutputs copies a completed run's output files from
// cfg.MergedRoot into the configured object store under runID/. A nil
// archive store (the default) makes this a no-op — output archiving is
// an optional feature, not a required part of the pipeline's contract.
func (f *Facade) archiveRunOutputs(runID string) {
	if f.archive == nil {
		return
	}

	root := resolvePath(f.cfg, f.cfg.MergedRoot)
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("orchestrator: failed to list merged output root for archiving", "run_id", runID, "error", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(root, entry.Name()))
		if err != nil {
			slog.Warn("orchestrator: failed to read merged output for archiving", "run_id", runID, "file", entry.Name(), "error", err)
			continue
		}
		key := filepath.ToSlash(filepath.Join(runID, entry.Name()))
		if err := f.archive.Write(ctx, key, content); err != nil {
			slog.Warn("orchestrator: failed to archive run output", "run_id", runID, "file", entry.Name(), "error", err)
		}
	}
}

// GetRecentHistory is a supplemental dashboard query over the windowed
// JSONL scan (distinct from GetSnapshot's per-run view), cached for
// cfg.SnapshotCacheTTL so repeated polling doesn't rescan the event log
// directory on every call.
func (f *Facade) GetRecentHistory(windowHours float64) ([]domain.Event, error) {
	return f.eventBus.GetSnapshotCached(windowHours, 500, true, f.cfg.SnapshotCacheTTL)
}

// ScheduleAuditFile returns the resolved path to the scheduler's audit
// file, for the composition root's startup logging.
func (f *Facade) ScheduleAuditFile() string {
	return resolvePath(f.cfg, f.cfg.SchedulerStateFile)
}

// Scheduler exposes the schedulerctl.Controller so the administrative
// CLI/dashboard layer can enable/disable the OS task directly, without
// the Facade needing to proxy every method.
func (f *Facade) Scheduler() *schedulerctl.Controller {
	return f.scheduler
}

// EventBus exposes the Event Bus for Subscribe-based live consumers.
func (f *Facade) EventBus() *eventbus.EventBus {
	return f.eventBus
}
