// Package watchdog periodically checks the single active run for
// exceeded stage timeouts and stalled heartbeats.
// Its loop shares the same ticker/Start/Stop/safeRun shape used
// elsewhere in the orchestrator for isolated background tasks.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ironmark/pipelinectl/internal/domain"
)

// StateReader exposes the single active run, decoupled from statemgr.Manager.
type StateReader interface {
	GetState() *domain.RunContext
}

// Transitioner is the subset of statemgr.Manager's API the watchdog needs.
type Transitioner interface {
	Transition(newState domain.PipelineRunState, stage *domain.PipelineStage, errMsg *string, metadata map[string]any) (*domain.RunContext, error)
}

// LockReleaser is the subset of lockmgr.Manager's API the watchdog needs
// to clear a lock once it has declared a run failed.
type LockReleaser interface {
	Release(runID string) (bool, error)
	ForceClearAll() bool
}

// Publisher is the Event Bus's publish surface.
type Publisher interface {
	Publish(domain.Event)
}

// Config configures a Watchdog.
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
}

// StageTimeoutFunc returns the configured timeout for a stage, so the
// watchdog doesn't need a direct config.Config dependency.
type StageTimeoutFunc func(domain.PipelineStage) time.Duration

// Watchdog is the hung-run/timeout detector.
type Watchdog struct {
	cfg          Config
	state        StateReader
	transitioner Transitioner
	lock         LockReleaser
	pub          Publisher
	stageTimeout StageTimeoutFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Watchdog.
func New(cfg Config, state StateReader, transitioner Transitioner, lock LockReleaser, pub Publisher, stageTimeout StageTimeoutFunc) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 300 * time.Second
	}
	return &Watchdog{cfg: cfg, state: state, transitioner: transitioner, lock: lock, pub: pub, stageTimeout: stageTimeout}
}

// Start begins the watchdog's background tick loop.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.safeRun(w.Tick)
			}
		}
	}()
}

// Stop cancels the background loop and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// safeRun isolates the watchdog body from a panic — "every exception
// inside the watchdog loop is caught, logged... the loop continues."
func (w *Watchdog) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("watchdog: tick panicked", "panic", r)
			w.pub.Publish(domain.Event{
				Stage: domain.StageSystem,
				Event: domain.EvError,
				Msg:   fmt.Sprintf("watchdog panic recovered: %v", r),
			})
		}
	}()
	fn()
}

// Tick runs one watchdog pass. Exported so tests (or any holder of the
// Watchdog) can force a synchronous pass; the orchestrator does not call it.
func (w *Watchdog) Tick() {
	ctx := w.state.GetState()
	if ctx == nil || ctx.State.IsTerminal() {
		return
	}

	now := domain.Now()

	if ctx.CurrentStage != nil {
		timeout := w.stageTimeout(*ctx.CurrentStage)
		if timeout > 0 && now.Sub(ctx.StartedAt) > timeout {
			w.handleTimeout(ctx, timeout)
			return
		}
	}

	if now.Sub(ctx.UpdatedAt) > w.cfg.HeartbeatTimeout {
		slog.Warn("watchdog: hung run detected", "run_id", ctx.RunID, "state", ctx.State, "last_update", ctx.UpdatedAt)
		w.pub.Publish(domain.Event{
			RunID: ctx.RunID,
			Stage: domain.StageWatchdog,
			Event: domain.EvError,
			Msg:   fmt.Sprintf("run has not updated in over %s", w.cfg.HeartbeatTimeout),
		})
	}
}

func (w *Watchdog) handleTimeout(ctx *domain.RunContext, timeout time.Duration) {
	reason := fmt.Sprintf("exceeded maximum runtime (%ds)", int(timeout.Seconds()))

	if _, err := w.transitioner.Transition(domain.StateFailed, ctx.CurrentStage, &reason, nil); err != nil {
		slog.Error("watchdog: failed to transition timed-out run to failed", "run_id", ctx.RunID, "error", err)
	}

	w.pub.Publish(domain.Event{
		RunID: ctx.RunID,
		Stage: domain.StageWatchdog,
		Event: domain.EvTimeout,
		Msg:   reason,
	})

	released, err := w.lock.Release(ctx.RunID)
	if err != nil || !released {
		slog.Warn("watchdog: lock release failed after timeout, force-clearing", "run_id", ctx.RunID, "error", err)
		w.lock.ForceClearAll()
	}
}
